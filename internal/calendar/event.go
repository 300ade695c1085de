package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthExpired is returned when the provider rejects the access token (HTTP 401).
	ErrAuthExpired = errors.New("calendar: auth token expired")
	// ErrSyncTokenInvalid is returned when the provider no longer accepts the sync token (HTTP 410).
	ErrSyncTokenInvalid = errors.New("calendar: sync token invalid")
	// ErrNotAuthenticated means no usable token exists and none could be obtained.
	ErrNotAuthenticated = errors.New("calendar: not authenticated")
)

// HTTPError is any other non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("calendar: http %d: %s", e.StatusCode, e.Message)
}

// Event mirrors the subset of the Google Calendar v3 event resource meetbell reads.
type Event struct {
	ID             string          `json:"id"`
	Status         string          `json:"status,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	Description    string          `json:"description,omitempty"`
	Location       string          `json:"location,omitempty"`
	HangoutLink    string          `json:"hangoutLink,omitempty"`
	ConferenceData *ConferenceData `json:"conferenceData,omitempty"`
	Start          *EventTime      `json:"start,omitempty"`
	End            *EventTime      `json:"end,omitempty"`
	Attendees      []Attendee      `json:"attendees,omitempty"`
}

type ConferenceData struct {
	EntryPoints []EntryPoint `json:"entryPoints,omitempty"`
}

type EntryPoint struct {
	EntryPointType string `json:"entryPointType,omitempty"`
	URI            string `json:"uri,omitempty"`
}

// EventTime is either a timed instant (DateTime, RFC3339) or an all-day Date (YYYY-MM-DD).
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type Attendee struct {
	Email string `json:"email,omitempty"`
}

const StatusCancelled = "cancelled"

// Query selects events. With a SyncToken the source returns only changes since
// that token and ignores the time window.
type Query struct {
	TimeMin   time.Time
	TimeMax   time.Time
	SyncToken string
}

type Page struct {
	Events        []Event
	NextSyncToken string
}

// Source is the calendar provider.
type Source interface {
	Fetch(ctx context.Context, q Query) (Page, error)
}

// TokenSource yields the current access token; Refresh forces a new one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}
