package alerting

import (
	"context"
	"sync"
	"time"

	"meetbell/internal/display"
	"meetbell/internal/eventbus"
	"meetbell/internal/meeting"
	"meetbell/pkg/logx"
)

// RingtoneSource yields the ringtone path to ship with sounding alerts.
type RingtoneSource interface {
	Selected(ctx context.Context) string
}

// Suppression reasons published with eventbus.TypeAlertSuppressed.
const (
	ReasonUnknown   = "unknown_meeting"
	ReasonCancelled = "cancelled"
	ReasonSnoozed   = "snoozed"
	ReasonDisabled  = "disabled"
	ReasonDelivered = "already_delivered"
)

// AlertEvent is the payload of the alert bus events.
type AlertEvent struct {
	MeetingID string       `json:"meeting_id"`
	Kind      meeting.Kind `json:"kind,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}

// Dispatcher is the single gate every alert passes through.
type Dispatcher struct {
	// mu serializes AttemptDeliver so two callers can never both pass the
	// ledger check for the same (meeting, kind).
	mu sync.Mutex

	st        *State
	ledger    *Ledger
	snoozes   *Snoozes
	settings  *Settings
	sink      display.Sink
	ringtones RingtoneSource
	bus       eventbus.Bus
	now       func() time.Time
	log       logx.Logger
}

type DispatcherDeps struct {
	State     *State
	Ledger    *Ledger
	Snoozes   *Snoozes
	Settings  *Settings
	Sink      display.Sink
	Ringtones RingtoneSource
	Bus       eventbus.Bus
	Now       func() time.Time
	Log       logx.Logger
}

func NewDispatcher(d DispatcherDeps) *Dispatcher {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	return &Dispatcher{
		st:        d.State,
		ledger:    d.Ledger,
		snoozes:   d.Snoozes,
		settings:  d.Settings,
		sink:      d.Sink,
		ringtones: d.Ringtones,
		bus:       d.Bus,
		now:       d.Now,
		log:       d.Log.With(logx.String("comp", "alerting.dispatch")),
	}
}

// AttemptDeliver shows the kind alert for meetingID unless the meeting is
// unknown or cancelled, snoozed, disabled by settings, or already delivered.
// The ledger is marked before the sink runs, so a crash mid-delivery loses
// the alert rather than repeating it. Sink errors are logged only.
func (d *Dispatcher) AttemptDeliver(ctx context.Context, meetingID string, kind meeting.Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	rec, ok := d.st.Record(meetingID)
	switch {
	case !ok:
		return d.suppress(meetingID, kind, ReasonUnknown, now)
	case rec.Cancelled():
		return d.suppress(meetingID, kind, ReasonCancelled, now)
	case d.snoozes.IsSnoozed(meetingID, now):
		return d.suppress(meetingID, kind, ReasonSnoozed, now)
	}
	es := d.settings.Get()
	if !es.Allows(kind) {
		return d.suppress(meetingID, kind, ReasonDisabled, now)
	}
	if !d.ledger.TryMark(ctx, meetingID, kind, now) {
		return d.suppress(meetingID, kind, ReasonDelivered, now)
	}

	n := d.notification(ctx, rec.Meeting, kind, es.Sound(kind), now)
	if err := d.sink.Show(ctx, n); err != nil {
		d.log.Warn("alert display failed", logx.String("meeting", meetingID), logx.String("kind", string(kind)), logx.Err(err))
	}
	d.st.setActive(meetingID, kind, now)
	d.log.Info("alert delivered", logx.String("meeting", meetingID), logx.String("kind", string(kind)), logx.String("title", rec.Title))
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertDelivered, Time: now, Data: AlertEvent{MeetingID: meetingID, Kind: kind, At: now}})
	return true
}

// ShowTest delivers n straight to the sink, bypassing every gate.
func (d *Dispatcher) ShowTest(ctx context.Context, m meeting.Meeting, kind meeting.Kind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	n := d.notification(ctx, m, kind, d.settings.Get().Sound(kind), now)
	n.Test = true
	if err := d.sink.Show(ctx, n); err != nil {
		return err
	}
	d.st.setActive(m.ID, kind, now)
	return nil
}

// Close withdraws the alert of meetingID from closable sinks.
func (d *Dispatcher) Close(ctx context.Context, meetingID string) bool {
	was := d.st.clearActive(meetingID)
	if c, ok := d.sink.(display.Closer); ok {
		if err := c.Close(ctx, meetingID); err != nil {
			d.log.Warn("alert close failed", logx.String("meeting", meetingID), logx.Err(err))
		}
	}
	if was {
		now := d.now()
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertClosed, Time: now, Data: AlertEvent{MeetingID: meetingID, At: now}})
	}
	return was
}

func (d *Dispatcher) notification(ctx context.Context, m meeting.Meeting, kind meeting.Kind, sound bool, now time.Time) display.Notification {
	n := display.Notification{
		Meeting:       m,
		Kind:          kind,
		MinutesBefore: kind.Minutes(),
		Sound:         sound,
		At:            now,
	}
	if sound && d.ringtones != nil {
		n.Ringtone = d.ringtones.Selected(ctx)
	}
	return n
}

func (d *Dispatcher) suppress(id string, kind meeting.Kind, reason string, now time.Time) bool {
	d.log.Debug("alert suppressed", logx.String("meeting", id), logx.String("kind", string(kind)), logx.String("reason", reason))
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertSuppressed, Time: now, Data: AlertEvent{MeetingID: id, Kind: kind, Reason: reason, At: now}})
	return false
}
