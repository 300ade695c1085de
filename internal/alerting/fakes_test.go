package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meetbell/internal/calendar"
	"meetbell/internal/display"
	"meetbell/internal/meeting"
	"meetbell/internal/storage"
	"meetbell/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type armed struct {
	at  time.Time
	key TriggerKey
}

// fakeTimer records armed triggers and fires them on demand.
type fakeTimer struct {
	mu        sync.Mutex
	armed     map[string]armed
	cancelled []string
	handler   FireHandler
}

func newFakeTimer() *fakeTimer { return &fakeTimer{armed: map[string]armed{}} }

func (f *fakeTimer) Arm(id string, at time.Time, key TriggerKey) error {
	f.mu.Lock()
	f.armed[id] = armed{at: at, key: key}
	f.mu.Unlock()
	return nil
}

func (f *fakeTimer) Cancel(id string) {
	f.mu.Lock()
	if _, ok := f.armed[id]; ok {
		f.cancelled = append(f.cancelled, id)
	}
	delete(f.armed, id)
	f.mu.Unlock()
}

func (f *fakeTimer) OnFire(h FireHandler) { f.handler = h }

func (f *fakeTimer) get(id string) (armed, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.armed[id]
	return a, ok
}

func (f *fakeTimer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.armed)
}

// fire runs the trigger id as the scheduler would: removed, then handled.
func (f *fakeTimer) fire(ctx context.Context, id string) bool {
	f.mu.Lock()
	a, ok := f.armed[id]
	delete(f.armed, id)
	h := f.handler
	f.mu.Unlock()
	if !ok || h == nil {
		return false
	}
	h(ctx, a.key)
	return true
}

type fakeSink struct {
	mu     sync.Mutex
	shown  []display.Notification
	closed []string
	err    error
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Show(_ context.Context, n display.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, n)
	return s.err
}

func (s *fakeSink) Close(_ context.Context, id string) error {
	s.mu.Lock()
	s.closed = append(s.closed, id)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.shown))
	for _, n := range s.shown {
		out = append(out, n.Meeting.ID+"/"+string(n.Kind))
	}
	return out
}

type fakeFetcher struct {
	mu     sync.Mutex
	events []calendar.Event
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(context.Context, time.Time) ([]calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.events, f.err
}

type fakeAuth struct {
	ok, refresh bool
}

func (a fakeAuth) Authenticated(time.Time) bool { return a.ok }
func (a fakeAuth) CanRefresh() bool             { return a.refresh }

type staticRingtone string

func (r staticRingtone) Selected(context.Context) string { return string(r) }

// failingStore fails every write and read.
type failingStore struct{ storage.Store }

var errStore = errors.New("store down")

func (failingStore) AddDelivery(context.Context, storage.Delivery) (bool, error) {
	return false, errStore
}
func (failingStore) PutSnooze(context.Context, storage.Snooze) error         { return errStore }
func (failingStore) PutMeeting(context.Context, storage.MeetingRecord) error { return errStore }
func (failingStore) DeleteMeeting(context.Context, string) error             { return errStore }
func (failingStore) LoadDeliveries(context.Context) ([]storage.Delivery, error) {
	return nil, errStore
}

type harness struct {
	clock   *clock
	timer   *fakeTimer
	sink    *fakeSink
	fetcher *fakeFetcher
	store   storage.Store
	svc     *Service
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	return newHarnessWith(t, start, storage.NewMemory())
}

func newHarnessWith(t *testing.T, start time.Time, store storage.Store) *harness {
	t.Helper()
	h := &harness{
		clock:   newClock(start),
		timer:   newFakeTimer(),
		sink:    &fakeSink{},
		fetcher: &fakeFetcher{},
		store:   store,
	}
	h.svc = New(Deps{
		Store:      store,
		Fetcher:    h.fetcher,
		Normalizer: meeting.NewNormalizer(meeting.NormalizerConfig{Host: "meet.example", Location: time.UTC}, logx.Nop()),
		Timer:      h.timer,
		Sink:       h.sink,
		Ringtones:  staticRingtone("assets/sounds/ringtone.mp3"),
		Settings:   DefaultEarlySettings(),
		Now:        h.clock.Now,
		Log:        logx.Nop(),
	})
	return h
}

func event(id string, start time.Time) calendar.Event {
	return calendar.Event{
		ID:          id,
		Status:      "confirmed",
		Summary:     "Meeting " + id,
		HangoutLink: "https://meet.example/" + id,
		Start:       &calendar.EventTime{DateTime: start.Format(time.RFC3339)},
		End:         &calendar.EventTime{DateTime: start.Add(30 * time.Minute).Format(time.RFC3339)},
	}
}

func confirmed(id string, start time.Time) meeting.Meeting {
	return meeting.Meeting{
		ID:             id,
		Title:          "Meeting " + id,
		Start:          start,
		End:            start.Add(30 * time.Minute),
		ConferenceLink: "https://meet.example/" + id,
		Attendees:      []string{},
		Status:         meeting.StatusConfirmed,
	}
}

func seq(ms ...meeting.Meeting) func(func(meeting.Meeting) bool) {
	return func(yield func(meeting.Meeting) bool) {
		for _, m := range ms {
			if !yield(m) {
				return
			}
		}
	}
}
