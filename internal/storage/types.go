package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty/"none"): process-lifetime maps, nothing survives a restart
//   - "file": snapshot + JSON Lines journal next to Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// MeetingRecord is the persisted form of a tracked meeting.
type MeetingRecord struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Description    string    `json:"description"`
	ConferenceLink string    `json:"conference_link"`
	Attendees      []string  `json:"attendees"`
	Status         string    `json:"status"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

// Delivery is one (meeting, kind) ledger row.
type Delivery struct {
	MeetingID string    `json:"meeting_id"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

type Snooze struct {
	MeetingID string    `json:"meeting_id"`
	Until     time.Time `json:"until"`
}

// Store persists the alerting state. Each namespace (ledger, snoozes,
// meetings, key/value) is independent of the others.
type Store interface {
	LoadDeliveries(ctx context.Context) ([]Delivery, error)
	// AddDelivery inserts d unless (MeetingID, Kind) is already present.
	AddDelivery(ctx context.Context, d Delivery) (added bool, err error)
	// PurgeDeliveries drops every meeting whose latest delivery is before cutoff.
	PurgeDeliveries(ctx context.Context, cutoff time.Time) (int, error)

	LoadSnoozes(ctx context.Context) ([]Snooze, error)
	PutSnooze(ctx context.Context, s Snooze) error
	DeleteSnooze(ctx context.Context, meetingID string) error
	PurgeSnoozes(ctx context.Context, now time.Time) (int, error)

	LoadMeetings(ctx context.Context) ([]MeetingRecord, error)
	PutMeeting(ctx context.Context, r MeetingRecord) error
	DeleteMeeting(ctx context.Context, id string) error

	GetValue(ctx context.Context, key string) (string, bool, error)
	PutValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error

	Close() error
}
