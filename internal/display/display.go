// Package display forwards alerts to the places a user sees them.
//
// A Sink receives the full meeting payload and decides how to present it; the
// alerting core never renders anything itself. Sinks that can withdraw an
// alert once it is joined or dismissed also implement Closer.
package display

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meetbell/internal/meeting"
	"meetbell/pkg/logx"
)

// Notification is one alert for one meeting.
type Notification struct {
	Meeting       meeting.Meeting
	Kind          meeting.Kind
	MinutesBefore int
	Sound         bool
	Ringtone      string
	Test          bool
	At            time.Time
}

// Frame is the wire shape of a Notification for remote displays.
type Frame struct {
	Type          string    `json:"type"`
	MeetingID     string    `json:"meeting_id"`
	Kind          string    `json:"kind,omitempty"`
	Title         string    `json:"title,omitempty"`
	Start         time.Time `json:"start,omitzero"`
	End           time.Time `json:"end,omitzero"`
	Link          string    `json:"link,omitempty"`
	Description   string    `json:"description,omitempty"`
	Attendees     []string  `json:"attendees,omitempty"`
	MinutesBefore int       `json:"minutes_before,omitempty"`
	Sound         bool      `json:"sound,omitempty"`
	Ringtone      string    `json:"ringtone,omitempty"`
	Test          bool      `json:"test,omitempty"`
	At            time.Time `json:"at,omitzero"`
}

const (
	FrameAlert = "alert"
	FrameClose = "close"
)

func (n Notification) Frame() Frame {
	m := n.Meeting
	return Frame{
		Type:          FrameAlert,
		MeetingID:     m.ID,
		Kind:          string(n.Kind),
		Title:         m.Title,
		Start:         m.Start,
		End:           m.End,
		Link:          m.ConferenceLink,
		Description:   m.Description,
		Attendees:     m.Attendees,
		MinutesBefore: n.MinutesBefore,
		Sound:         n.Sound,
		Ringtone:      n.Ringtone,
		Test:          n.Test,
		At:            n.At,
	}
}

// Headline is a one-line summary used by text sinks.
func (n Notification) Headline() string {
	if n.MinutesBefore > 0 {
		return fmt.Sprintf("%s starts in %d minutes", n.Meeting.Title, n.MinutesBefore)
	}
	return fmt.Sprintf("%s is starting now", n.Meeting.Title)
}

type Sink interface {
	Name() string
	Show(ctx context.Context, n Notification) error
}

// Closer withdraws a shown alert. Closing an unknown meeting is not an error.
type Closer interface {
	Close(ctx context.Context, meetingID string) error
}

// Actions are the user responses an interactive sink can route back.
type Actions interface {
	SnoozeMeeting(ctx context.Context, meetingID string, minutes int) (time.Time, error)
	CloseNotification(ctx context.Context, meetingID string) bool
	JoinMeeting(ctx context.Context, meetingID string) (string, error)
}

// SnoozeMinutes is the snooze offered by interactive sinks.
const SnoozeMinutes = 5

// Fanout shows every notification on all sinks.
type Fanout struct {
	sinks []Sink
	log   logx.Logger
}

func NewFanout(log logx.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, log: log.With(logx.String("comp", "display"))}
}

func (f *Fanout) Name() string { return "fanout" }

// Sinks lists the configured sink names.
func (f *Fanout) Sinks() []string {
	out := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		out = append(out, s.Name())
	}
	return out
}

// Show hands n to each sink; one failing sink does not stop the others.
func (f *Fanout) Show(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Show(ctx, n); err != nil {
			f.log.Warn("display sink failed", logx.String("sink", s.Name()), logx.String("meeting", n.Meeting.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close(ctx context.Context, meetingID string) error {
	var errs []error
	for _, s := range f.sinks {
		c, ok := s.(Closer)
		if !ok {
			continue
		}
		if err := c.Close(ctx, meetingID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes alerts to the log. It is always present so a headless
// deployment still leaves a trace of every delivery.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	return &LogSink{log: log.With(logx.String("comp", "display.log"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Show(_ context.Context, n Notification) error {
	s.log.Info(n.Headline(),
		logx.String("meeting", n.Meeting.ID),
		logx.String("kind", string(n.Kind)),
		logx.Time("start", n.Meeting.Start),
		logx.String("link", n.Meeting.ConferenceLink),
		logx.Strings("attendees", n.Meeting.Attendees),
		logx.Bool("sound", n.Sound),
		logx.Bool("test", n.Test),
	)
	return nil
}

func (s *LogSink) Close(_ context.Context, meetingID string) error {
	s.log.Debug("alert closed", logx.String("meeting", meetingID))
	return nil
}
