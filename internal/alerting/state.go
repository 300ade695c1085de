// Package alerting decides when a meeting alert is raised and guarantees each
// (meeting, kind) alert is delivered at most once.
//
// State holds the tracked meetings, the delivery ledger, snoozes and the
// alerts currently on screen. The Reconciler keeps the tracked meetings in
// line with each calendar poll and arms a trigger per kind; triggers and the
// catch-up sweep both funnel into Dispatcher.AttemptDeliver, which is the only
// place an alert is shown.
package alerting

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"meetbell/internal/meeting"
	"meetbell/internal/storage"
	"meetbell/pkg/logx"
)

var ErrUnknownMeeting = errors.New("unknown meeting")

type ledgerEntry struct {
	kinds  map[meeting.Kind]struct{}
	lastAt time.Time
}

type activeAlert struct {
	kind meeting.Kind
	at   time.Time
}

// State is the in-memory scheduler state shared by all components. It is
// loaded once from the store at startup and then mutated only through the
// component APIs, which write through to the store.
type State struct {
	mu      sync.RWMutex
	records map[string]meeting.Record
	ledger  map[string]*ledgerEntry
	snoozes map[string]time.Time
	active  map[string]activeAlert
}

func NewState() *State {
	return &State{
		records: map[string]meeting.Record{},
		ledger:  map[string]*ledgerEntry{},
		snoozes: map[string]time.Time{},
		active:  map[string]activeAlert{},
	}
}

// Load replaces the state with what the store holds. Each namespace loads
// independently; a failing one is logged and starts empty.
func (s *State) Load(ctx context.Context, st storage.Store, log logx.Logger) {
	deliveries, err := st.LoadDeliveries(ctx)
	if err != nil {
		log.Warn("ledger load failed; starting empty", logx.Err(err))
	}
	snoozes, err := st.LoadSnoozes(ctx)
	if err != nil {
		log.Warn("snoozes load failed; starting empty", logx.Err(err))
	}
	records, err := st.LoadMeetings(ctx)
	if err != nil {
		log.Warn("meeting records load failed; starting empty", logx.Err(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = map[string]*ledgerEntry{}
	for _, d := range deliveries {
		s.markLocked(d.MeetingID, meeting.Kind(d.Kind), d.At)
	}
	s.snoozes = map[string]time.Time{}
	for _, sn := range snoozes {
		s.snoozes[sn.MeetingID] = sn.Until
	}
	s.records = map[string]meeting.Record{}
	for _, r := range records {
		s.records[r.ID] = fromStorage(r)
	}
	log.Info("scheduler state loaded",
		logx.Int("records", len(s.records)),
		logx.Int("ledger", len(s.ledger)),
		logx.Int("snoozes", len(s.snoozes)),
	)
}

// Record returns the tracked meeting with the given id.
func (s *State) Record(id string) (meeting.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// Records returns all tracked meetings ordered by start.
func (s *State) Records() []meeting.Record {
	s.mu.RLock()
	out := make([]meeting.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b meeting.Record) int {
		return cmp.Or(a.Start.Compare(b.Start), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (s *State) putRecord(r meeting.Record) {
	s.mu.Lock()
	s.records[r.ID] = r
	s.mu.Unlock()
}

func (s *State) deleteRecord(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	delete(s.records, id)
	return ok
}

func (s *State) recordIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// markLocked adds kind to the ledger and reports whether it was new.
func (s *State) markLocked(id string, kind meeting.Kind, at time.Time) bool {
	e := s.ledger[id]
	if e == nil {
		e = &ledgerEntry{kinds: map[meeting.Kind]struct{}{}}
		s.ledger[id] = e
	}
	if _, ok := e.kinds[kind]; ok {
		return false
	}
	e.kinds[kind] = struct{}{}
	if at.After(e.lastAt) {
		e.lastAt = at
	}
	return true
}

func (s *State) setActive(id string, kind meeting.Kind, at time.Time) {
	s.mu.Lock()
	s.active[id] = activeAlert{kind: kind, at: at}
	s.mu.Unlock()
}

func (s *State) clearActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	delete(s.active, id)
	return ok
}

// ActiveAlerts returns the meeting ids with an alert currently on screen.
func (s *State) ActiveAlerts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func toStorage(r meeting.Record) storage.MeetingRecord {
	return storage.MeetingRecord{
		ID:             r.ID,
		Title:          r.Title,
		Start:          r.Start,
		End:            r.End,
		Description:    r.Description,
		ConferenceLink: r.ConferenceLink,
		Attendees:      r.Attendees,
		Status:         string(r.Status),
		ScheduledAt:    r.ScheduledAt,
	}
}

func fromStorage(r storage.MeetingRecord) meeting.Record {
	attendees := r.Attendees
	if attendees == nil {
		attendees = []string{}
	}
	return meeting.Record{
		Meeting: meeting.Meeting{
			ID:             r.ID,
			Title:          r.Title,
			Start:          r.Start,
			End:            r.End,
			Description:    r.Description,
			ConferenceLink: r.ConferenceLink,
			Attendees:      attendees,
			Status:         meeting.ParseStatus(r.Status),
		},
		ScheduledAt: r.ScheduledAt,
	}
}
