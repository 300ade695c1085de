package alerting

import (
	"context"
	"fmt"
	"time"

	"meetbell/internal/storage"
	"meetbell/pkg/logx"
)

// MaxSnoozeMinutes caps a snooze at one week.
const MaxSnoozeMinutes = 7 * 24 * 60

var ErrInvalidSnooze = fmt.Errorf("snooze minutes must be between 1 and %d", MaxSnoozeMinutes)

// Snoozes suppresses every alert of a meeting until a given instant. A
// trigger that fires while snoozed is absorbed, not postponed.
type Snoozes struct {
	st    *State
	store storage.Store
	now   func() time.Time
	log   logx.Logger
}

func NewSnoozes(st *State, store storage.Store, now func() time.Time, log logx.Logger) *Snoozes {
	if now == nil {
		now = time.Now
	}
	return &Snoozes{st: st, store: store, now: now, log: log.With(logx.String("comp", "alerting.snooze"))}
}

// Snooze suppresses id for the next minutes, replacing any earlier snooze.
func (s *Snoozes) Snooze(ctx context.Context, id string, minutes int) (time.Time, error) {
	if minutes <= 0 || minutes > MaxSnoozeMinutes {
		return time.Time{}, ErrInvalidSnooze
	}
	if id == "" {
		return time.Time{}, ErrUnknownMeeting
	}
	until := s.now().Add(time.Duration(minutes) * time.Minute)
	s.st.mu.Lock()
	s.st.snoozes[id] = until
	s.st.mu.Unlock()

	if err := s.store.PutSnooze(ctx, storage.Snooze{MeetingID: id, Until: until}); err != nil {
		s.log.Warn("snooze write failed", logx.String("meeting", id), logx.Err(err))
	}
	s.log.Info("meeting snoozed", logx.String("meeting", id), logx.Time("until", until))
	return until, nil
}

// IsSnoozed reports whether now is before the snooze of id.
func (s *Snoozes) IsSnoozed(id string, now time.Time) bool {
	until, ok := s.Until(id)
	return ok && now.Before(until)
}

func (s *Snoozes) Until(id string) (time.Time, bool) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	until, ok := s.st.snoozes[id]
	return until, ok
}

func (s *Snoozes) Clear(ctx context.Context, id string) {
	s.st.mu.Lock()
	delete(s.st.snoozes, id)
	s.st.mu.Unlock()
	if err := s.store.DeleteSnooze(ctx, id); err != nil {
		s.log.Warn("snooze delete failed", logx.String("meeting", id), logx.Err(err))
	}
}

// PurgeExpired removes snoozes that ended at or before now.
func (s *Snoozes) PurgeExpired(ctx context.Context, now time.Time) int {
	s.st.mu.Lock()
	n := 0
	for id, until := range s.st.snoozes {
		if !now.Before(until) {
			delete(s.st.snoozes, id)
			n++
		}
	}
	s.st.mu.Unlock()
	if _, err := s.store.PurgeSnoozes(ctx, now); err != nil {
		s.log.Warn("snooze purge failed", logx.Err(err))
	}
	return n
}

// Active returns the snoozes still in force at now.
func (s *Snoozes) Active(now time.Time) map[string]time.Time {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	out := map[string]time.Time{}
	for id, until := range s.st.snoozes {
		if now.Before(until) {
			out[id] = until
		}
	}
	return out
}
