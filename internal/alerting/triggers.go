package alerting

import (
	"context"
	"sync"
	"time"

	"meetbell/internal/meeting"
	"meetbell/internal/task/scheduler"
	"meetbell/pkg/logx"
)

// TriggerKey identifies what a trigger delivers. It travels with the trigger
// as its payload and is never parsed back out of the trigger id. At is the
// instant the trigger was armed for; a fire whose At no longer matches the
// record's timing is stale.
type TriggerKey struct {
	Kind      meeting.Kind
	MeetingID string
	At        time.Time
}

// FireHandler runs when a trigger comes due.
type FireHandler func(ctx context.Context, key TriggerKey)

// Timer arms named one-shot callbacks. Arming an existing id replaces it;
// cancelling an unknown or already fired id does nothing.
type Timer interface {
	Arm(id string, at time.Time, key TriggerKey) error
	Cancel(id string)
	OnFire(h FireHandler)
}

const triggerPrefix = "trigger."

// TriggerID names the trigger of (meetingID, kind).
func TriggerID(meetingID string, kind meeting.Kind) string {
	return triggerPrefix + meetingID + "." + string(kind)
}

// Triggers arms and cancels the per-kind triggers of tracked meetings.
type Triggers struct {
	timer Timer
	now   func() time.Time
	log   logx.Logger
}

func NewTriggers(timer Timer, now func() time.Time, log logx.Logger) *Triggers {
	if now == nil {
		now = time.Now
	}
	return &Triggers{timer: timer, now: now, log: log.With(logx.String("comp", "alerting.triggers"))}
}

// ArmAll arms one trigger per kind whose instant is not yet past and returns
// how many were armed. Settings are not consulted here; the dispatcher checks
// them when a trigger fires so a later settings change still applies.
func (t *Triggers) ArmAll(r meeting.Record) int {
	now := t.now()
	n := 0
	for _, k := range meeting.Kinds() {
		at := r.FireAt(k)
		if at.Before(now) {
			continue
		}
		id := TriggerID(r.ID, k)
		if err := t.timer.Arm(id, at, TriggerKey{Kind: k, MeetingID: r.ID, At: at}); err != nil {
			t.log.Warn("trigger arm failed", logx.String("trigger", id), logx.Err(err))
			continue
		}
		n++
	}
	if n > 0 {
		t.log.Debug("triggers armed", logx.String("meeting", r.ID), logx.Int("count", n), logx.Time("start", r.Start))
	}
	return n
}

// CancelAll cancels every trigger of meetingID. Safe to repeat.
func (t *Triggers) CancelAll(meetingID string) {
	for _, k := range meeting.Kinds() {
		t.timer.Cancel(TriggerID(meetingID, k))
	}
}

// SchedulerTimer runs triggers as task-scheduler one-shots, so every fire is
// a task on the engine and serialized with polls and maintenance.
type SchedulerTimer struct {
	sched   *scheduler.Service
	timeout time.Duration

	mu      sync.RWMutex
	handler FireHandler
}

func NewSchedulerTimer(sched *scheduler.Service, timeout time.Duration) *SchedulerTimer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SchedulerTimer{sched: sched, timeout: timeout}
}

func (s *SchedulerTimer) OnFire(h FireHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *SchedulerTimer) Arm(id string, at time.Time, key TriggerKey) error {
	return s.sched.AddOnce(id, at, s.timeout, func(ctx context.Context) error {
		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		if h != nil {
			h(ctx, key)
		}
		return nil
	})
}

func (s *SchedulerTimer) Cancel(id string) { s.sched.Remove(id) }

// Pending lists armed trigger ids with their instants.
func (s *SchedulerTimer) Pending() map[string]time.Time {
	return s.sched.Pending(triggerPrefix)
}
