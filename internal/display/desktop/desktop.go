// Package desktop shows alerts as freedesktop notifications on the session
// D-Bus and routes their action buttons back to the alerting service.
package desktop

import (
	"cmp"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"meetbell/internal/display"
	"meetbell/internal/meeting"
	"meetbell/pkg/logx"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = dbus.ObjectPath("/org/freedesktop/Notifications")

	methodNotify = busName + ".Notify"
	methodClose  = busName + ".CloseNotification"

	memberActionInvoked = "ActionInvoked"
	memberClosed        = "NotificationClosed"

	actionDefault = "default"
	actionJoin    = "join"
	actionSnooze  = "snooze"
	actionDismiss = "dismiss"

	// reasonDismissed is the NotificationClosed reason for a user dismissal.
	reasonDismissed = 2
)

type Config struct {
	AppName string
	Icon    string
	// Timeout is how long the server keeps the popup. Zero keeps it until
	// the user acts.
	Timeout time.Duration
}

// caller is the subset of dbus.BusObject the sink uses.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call
}

type Sink struct {
	obj  caller
	conn *dbus.Conn
	cfg  Config
	log  logx.Logger

	mu     sync.Mutex
	ids    map[string]uint32
	owners map[uint32]string
}

// Dial connects to the session bus.
func Dial(cfg Config, log logx.Logger) (*Sink, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	s := newSink(conn.Object(busName, objectPath), cfg, log)
	s.conn = conn
	return s, nil
}

func newSink(obj caller, cfg Config, log logx.Logger) *Sink {
	cfg.AppName = cmp.Or(cfg.AppName, "meetbell")
	return &Sink{
		obj:    obj,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "display.desktop")),
		ids:    map[string]uint32{},
		owners: map[uint32]string{},
	}
}

func (s *Sink) Name() string { return "desktop" }

// Show posts the alert, replacing the popup of an earlier kind for the same
// meeting.
func (s *Sink) Show(ctx context.Context, n display.Notification) error {
	s.mu.Lock()
	replaces := s.ids[n.Meeting.ID]
	s.mu.Unlock()

	actions := []string{actionDefault, "Join"}
	if n.Meeting.ConferenceLink != "" {
		actions = append(actions, actionJoin, "Join")
	}
	actions = append(actions, actionSnooze, fmt.Sprintf("Snooze %dm", display.SnoozeMinutes), actionDismiss, "Dismiss")

	var id uint32
	call := s.obj.CallWithContext(ctx, methodNotify, 0,
		s.cfg.AppName, replaces, s.cfg.Icon, n.Headline(), body(n), actions, hints(n), expireMillis(s.cfg.Timeout))
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	s.mu.Lock()
	if replaces != 0 && replaces != id {
		delete(s.owners, replaces)
	}
	s.ids[n.Meeting.ID] = id
	s.owners[id] = n.Meeting.ID
	s.mu.Unlock()
	return nil
}

func (s *Sink) Close(ctx context.Context, meetingID string) error {
	s.mu.Lock()
	id, ok := s.ids[meetingID]
	delete(s.ids, meetingID)
	delete(s.owners, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.obj.CallWithContext(ctx, methodClose, 0, id).Err; err != nil {
		return fmt.Errorf("close notification %d: %w", id, err)
	}
	return nil
}

// Run forwards action signals to a until ctx is done. It returns at once
// when the sink has no bus connection.
func (s *Sink) Run(ctx context.Context, a display.Actions) error {
	if s.conn == nil {
		return nil
	}
	for _, member := range []string{memberActionInvoked, memberClosed} {
		if err := s.conn.AddMatchSignalContext(ctx,
			dbus.WithMatchObjectPath(objectPath),
			dbus.WithMatchInterface(busName),
			dbus.WithMatchMember(member),
		); err != nil {
			return fmt.Errorf("match %s: %w", member, err)
		}
	}
	ch := make(chan *dbus.Signal, 16)
	s.conn.Signal(ch)
	defer s.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleSignal(ctx, a, sig)
		}
	}
}

func (s *Sink) handleSignal(ctx context.Context, a display.Actions, sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return
	}
	s.mu.Lock()
	meetingID, known := s.owners[id]
	s.mu.Unlock()
	if !known {
		return
	}

	switch sig.Name {
	case busName + "." + memberActionInvoked:
		action, _ := sig.Body[1].(string)
		s.act(ctx, a, meetingID, action)
	case busName + "." + memberClosed:
		reason, _ := sig.Body[1].(uint32)
		s.forget(meetingID, id)
		if reason == reasonDismissed {
			a.CloseNotification(ctx, meetingID)
		}
	}
}

func (s *Sink) act(ctx context.Context, a display.Actions, meetingID, action string) {
	log := s.log.With(logx.String("meeting", meetingID), logx.String("action", action))
	switch action {
	case actionDefault, actionJoin:
		if _, err := a.JoinMeeting(ctx, meetingID); err != nil {
			log.Warn("join failed", logx.Err(err))
		}
	case actionSnooze:
		until, err := a.SnoozeMeeting(ctx, meetingID, display.SnoozeMinutes)
		if err != nil {
			log.Warn("snooze failed", logx.Err(err))
			return
		}
		a.CloseNotification(ctx, meetingID)
		log.Info("snoozed from desktop", logx.Time("until", until))
	case actionDismiss:
		a.CloseNotification(ctx, meetingID)
	default:
		log.Debug("unknown desktop action")
	}
}

func (s *Sink) forget(meetingID string, id uint32) {
	s.mu.Lock()
	if s.ids[meetingID] == id {
		delete(s.ids, meetingID)
	}
	delete(s.owners, id)
	s.mu.Unlock()
}

// Shutdown closes the bus connection.
func (s *Sink) Shutdown() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func body(n display.Notification) string {
	m := n.Meeting
	var b strings.Builder
	fmt.Fprintf(&b, "%s - %s", m.Start.Format("15:04"), m.End.Format("15:04"))
	if len(m.Attendees) > 0 {
		fmt.Fprintf(&b, "\n%s", strings.Join(m.Attendees, ", "))
	}
	if m.ConferenceLink != "" {
		fmt.Fprintf(&b, "\n%s", m.ConferenceLink)
	}
	return b.String()
}

func hints(n display.Notification) map[string]dbus.Variant {
	urgency := byte(1)
	if n.Kind == meeting.KindMain {
		urgency = 2
	}
	h := map[string]dbus.Variant{
		"urgency":        dbus.MakeVariant(urgency),
		"category":       dbus.MakeVariant("x-meetbell.meeting"),
		"desktop-entry":  dbus.MakeVariant("meetbell"),
		"suppress-sound": dbus.MakeVariant(!n.Sound),
	}
	if n.Sound && n.Ringtone != "" {
		h["sound-file"] = dbus.MakeVariant(n.Ringtone)
	}
	return h
}

func expireMillis(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	return int32(d / time.Millisecond)
}
