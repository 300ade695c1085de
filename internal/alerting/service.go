package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"meetbell/internal/calendar"
	"meetbell/internal/display"
	"meetbell/internal/eventbus"
	"meetbell/internal/meeting"
	"meetbell/internal/storage"
	"meetbell/internal/task/engine"
	"meetbell/internal/task/scheduler"
	"meetbell/pkg/logx"
)

const (
	JobPoll        = "calendar.poll"
	JobPollInitial = "calendar.poll.initial"
	JobMaintenance = "alerting.maintenance"

	testMeetingDuration = 30 * time.Minute
)

// Fetcher returns the raw events of the poll window starting at now.
type Fetcher interface {
	Fetch(ctx context.Context, now time.Time) ([]calendar.Event, error)
}

// AuthState answers the authentication precondition of a poll.
type AuthState interface {
	Authenticated(now time.Time) bool
	CanRefresh() bool
}

type Deps struct {
	Store      storage.Store
	Fetcher    Fetcher
	Auth       AuthState // nil for sources that need no credentials
	Normalizer *meeting.Normalizer
	Timer      Timer
	Sink       display.Sink
	Ringtones  RingtoneSource
	Bus        eventbus.Bus
	Settings   EarlySettings
	Now        func() time.Time
	Log        logx.Logger
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	Skipped   bool
	Fetched   int
	Reconcile ReconcileResult
	Delivered int
}

// Service runs the poll cycle and exposes the operations the control API,
// the CLI and interactive display sinks call.
type Service struct {
	st          *State
	store       storage.Store
	ledger      *Ledger
	snoozes     *Snoozes
	settings    *Settings
	triggers    *Triggers
	reconciler  *Reconciler
	dispatcher  *Dispatcher
	catchUp     *CatchUp
	maintenance *Maintenance
	normalizer  *meeting.Normalizer
	fetcher     Fetcher
	auth        AuthState
	bus         eventbus.Bus
	now         func() time.Time
	log         logx.Logger

	mu          sync.Mutex
	lastPoll    time.Time
	lastPollErr error
	tests       map[string]meeting.Meeting
}

func New(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Normalizer == nil {
		d.Normalizer = meeting.NewNormalizer(meeting.NormalizerConfig{}, d.Log)
	}
	log := d.Log.With(logx.String("comp", "alerting"))

	st := NewState()
	s := &Service{
		st:         st,
		store:      d.Store,
		normalizer: d.Normalizer,
		fetcher:    d.Fetcher,
		auth:       d.Auth,
		bus:        d.Bus,
		now:        d.Now,
		log:        log,
		tests:      map[string]meeting.Meeting{},
	}
	s.ledger = NewLedger(st, d.Store, d.Log)
	s.snoozes = NewSnoozes(st, d.Store, d.Now, d.Log)
	s.settings = NewSettings(d.Store, d.Settings, d.Log)
	s.triggers = NewTriggers(d.Timer, d.Now, d.Log)
	s.reconciler = NewReconciler(st, d.Store, s.triggers, d.Now, d.Log)
	s.dispatcher = NewDispatcher(DispatcherDeps{
		State:     st,
		Ledger:    s.ledger,
		Snoozes:   s.snoozes,
		Settings:  s.settings,
		Sink:      d.Sink,
		Ringtones: d.Ringtones,
		Bus:       d.Bus,
		Now:       d.Now,
		Log:       d.Log,
	})
	s.catchUp = NewCatchUp(st, s.snoozes, s.dispatcher, d.Log)
	s.maintenance = NewMaintenance(st, d.Store, s.ledger, s.snoozes, s.triggers, d.Log)

	d.Timer.OnFire(s.fire)
	return s
}

// fire delivers a due trigger unless it was armed for a start the record no
// longer has. A trigger already handed to the engine cannot be cancelled, so
// a reschedule racing a queued fire ends here.
func (s *Service) fire(ctx context.Context, key TriggerKey) {
	rec, ok := s.st.Record(key.MeetingID)
	if !ok || !rec.FireAt(key.Kind).Equal(key.At) {
		s.log.Debug("stale trigger dropped",
			logx.String("meeting", key.MeetingID),
			logx.String("kind", string(key.Kind)),
			logx.Time("armed_for", key.At))
		return
	}
	s.dispatcher.AttemptDeliver(ctx, key.MeetingID, key.Kind)
}

// Start loads persisted state and re-arms the triggers of tracked meetings.
func (s *Service) Start(ctx context.Context) {
	s.st.Load(ctx, s.store, s.log)
	s.settings.Load(ctx)
	armed := s.reconciler.Rearm()
	s.log.Info("alerting started", logx.Int("armed", armed))
}

// Register installs the poll and maintenance jobs on sched and queues one
// poll right away.
func (s *Service) Register(sched *scheduler.Service, pollSchedule, maintenanceSchedule string, timeout time.Duration) error {
	pollJob := func(ctx context.Context) error {
		if _, err := s.Poll(ctx); err != nil {
			// the next tick is the retry
			return engine.NoRetry(err)
		}
		return nil
	}
	if err := sched.AddSchedule(JobPoll, pollSchedule, timeout, pollJob); err != nil {
		return fmt.Errorf("poll schedule: %w", err)
	}
	if err := sched.AddSchedule(JobMaintenance, maintenanceSchedule, timeout, func(ctx context.Context) error {
		s.RunMaintenance(ctx)
		return nil
	}); err != nil {
		return fmt.Errorf("maintenance schedule: %w", err)
	}
	return sched.AddOnce(JobPollInitial, s.now(), timeout, pollJob)
}

func (s *Service) authenticated(now time.Time) bool {
	if s.auth == nil {
		return true
	}
	return s.auth.Authenticated(now) || s.auth.CanRefresh()
}

// Poll runs one cycle: purge expired snoozes, fetch the window, reconcile,
// then sweep for due alerts with a fresh clock reading. A failed fetch skips
// reconciliation but the sweep still runs over the known meetings.
func (s *Service) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult
	now := s.now()
	if !s.authenticated(now) {
		s.log.Debug("poll skipped: not authenticated")
		res.Skipped = true
		return res, nil
	}
	s.snoozes.PurgeExpired(ctx, now)

	events, fetchErr := s.fetcher.Fetch(ctx, now)
	if fetchErr == nil {
		res.Fetched = len(events)
		res.Reconcile = s.reconciler.Reconcile(ctx, s.normalizer.Normalize(events))
	} else {
		s.log.Warn("calendar fetch failed", logx.Err(fetchErr))
	}
	res.Delivered = s.catchUp.Sweep(ctx, s.now())

	s.mu.Lock()
	s.lastPoll = now
	s.lastPollErr = fetchErr
	s.mu.Unlock()

	if fetchErr != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypePollFailed, Time: now, Data: fetchErr.Error()})
		return res, fetchErr
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypePollCompleted, Time: now, Data: res})
	s.log.Debug("poll completed",
		logx.Int("events", res.Fetched),
		logx.Int("created", res.Reconcile.Created),
		logx.Int("rescheduled", res.Reconcile.Rescheduled),
		logx.Int("removed", res.Reconcile.Removed+res.Reconcile.Cancelled),
		logx.Int("delivered", res.Delivered),
	)
	return res, nil
}

func (s *Service) RunMaintenance(ctx context.Context) MaintenanceResult {
	now := s.now()
	res := s.maintenance.Run(ctx, now)
	s.mu.Lock()
	for id, m := range s.tests {
		if m.Start.Before(now.Add(-Retention)) {
			delete(s.tests, id)
		}
	}
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeMaintenance, Time: now, Data: res})
	return res
}

// AttemptDeliver exposes the dispatcher gate.
func (s *Service) AttemptDeliver(ctx context.Context, meetingID string, kind meeting.Kind) bool {
	return s.dispatcher.AttemptDeliver(ctx, meetingID, kind)
}

func (s *Service) EarlySettings() EarlySettings { return s.settings.Get() }

func (s *Service) SetEarlySettings(ctx context.Context, es EarlySettings) error {
	return s.settings.Set(ctx, es)
}

func (s *Service) SnoozeMeeting(ctx context.Context, id string, minutes int) (time.Time, error) {
	return s.snoozes.Snooze(ctx, id, minutes)
}

func (s *Service) IsMeetingSnoozed(id string) bool {
	return s.snoozes.IsSnoozed(id, s.now())
}

// SnoozedUntil returns the snooze end of id while it is in force.
func (s *Service) SnoozedUntil(id string) (time.Time, bool) {
	until, ok := s.snoozes.Until(id)
	if !ok || !s.now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// CloseNotification withdraws the alert of id. Closing twice is harmless.
func (s *Service) CloseNotification(ctx context.Context, id string) bool {
	return s.dispatcher.Close(ctx, id)
}

// JoinMeeting returns the conference link of id and closes its alert.
func (s *Service) JoinMeeting(ctx context.Context, id string) (string, error) {
	link := ""
	if rec, ok := s.st.Record(id); ok {
		link = rec.ConferenceLink
	} else {
		s.mu.Lock()
		m, ok := s.tests[id]
		s.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownMeeting, id)
		}
		link = m.ConferenceLink
	}
	s.dispatcher.Close(ctx, id)
	return link, nil
}

// TriggerTestNotification shows a synthetic meeting on every sink without
// touching the ledger.
func (s *Service) TriggerTestNotification(ctx context.Context, kind meeting.Kind) (meeting.Meeting, error) {
	now := s.now()
	m := meeting.Meeting{
		ID:             "test-" + uuid.NewString(),
		Title:          "Test Meeting",
		Start:          now.Add(kind.Offset()),
		Description:    "This is a test notification.",
		ConferenceLink: "https://" + s.normalizer.Host() + "/test-meeting-id",
		Attendees:      []string{"test@example.com"},
		Status:         meeting.StatusConfirmed,
	}
	m.End = m.Start.Add(testMeetingDuration)
	s.mu.Lock()
	s.tests[m.ID] = m
	s.mu.Unlock()

	if err := s.dispatcher.ShowTest(ctx, m, kind); err != nil {
		s.log.Warn("test notification display failed", logx.Err(err))
		return m, err
	}
	s.log.Info("test notification shown", logx.String("meeting", m.ID), logx.String("kind", string(kind)))
	return m, nil
}

// MeetingStatus is one tracked meeting as reported by Status.
type MeetingStatus struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	Link         string         `json:"link"`
	Attendees    []string       `json:"attendees"`
	Delivered    []meeting.Kind `json:"delivered,omitempty"`
	SnoozedUntil time.Time      `json:"snoozed_until,omitzero"`
}

type Status struct {
	Authenticated       bool                 `json:"authenticated"`
	UpcomingMeetings    []MeetingStatus      `json:"upcoming_meetings"`
	ActiveNotifications []string             `json:"active_notifications"`
	LastPoll            time.Time            `json:"last_poll,omitzero"`
	LastPollError       string               `json:"last_poll_error,omitempty"`
	Records             int                  `json:"records"`
	Snoozes             map[string]time.Time `json:"snoozes"`
}

// Status reports the scheduler state as of now.
func (s *Service) Status(now time.Time) Status {
	st := Status{
		Authenticated:       s.auth == nil || s.auth.Authenticated(now),
		UpcomingMeetings:    []MeetingStatus{},
		ActiveNotifications: s.st.ActiveAlerts(),
		Snoozes:             s.snoozes.Active(now),
	}
	records := s.st.Records()
	st.Records = len(records)
	for _, r := range records {
		if r.Cancelled() || r.End.Before(now) {
			continue
		}
		ms := MeetingStatus{
			ID:        r.ID,
			Title:     r.Title,
			Start:     r.Start,
			End:       r.End,
			Link:      r.ConferenceLink,
			Attendees: r.Attendees,
			Delivered: s.ledger.Kinds(r.ID),
		}
		ms.SnoozedUntil = st.Snoozes[r.ID]
		st.UpcomingMeetings = append(st.UpcomingMeetings, ms)
	}
	s.mu.Lock()
	st.LastPoll = s.lastPoll
	if s.lastPollErr != nil {
		st.LastPollError = s.lastPollErr.Error()
	}
	s.mu.Unlock()
	return st
}
