package calendar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/pkg/logx"
)

const feed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//meetbell//test//EN
BEGIN:VEVENT
UID:single
DTSTAMP:20260101T000000Z
DTSTART:20260105T091000Z
DTEND:20260105T094000Z
SUMMARY:Planning
LOCATION:https://meet.google.com/abc-defg-hij
ATTENDEE:mailto:alice@example.com
ATTENDEE:MAILTO:bob@example.com
END:VEVENT
BEGIN:VEVENT
UID:daily
DTSTAMP:20260101T000000Z
DTSTART:20260101T091500Z
DTEND:20260101T093000Z
RRULE:FREQ=DAILY
SUMMARY:Standup
URL:https://meet.google.com/std-updd-ail
END:VEVENT
BEGIN:VEVENT
UID:gone
DTSTAMP:20260101T000000Z
DTSTART:20260105T090500Z
DTEND:20260105T093000Z
STATUS:CANCELLED
SUMMARY:Dropped
END:VEVENT
BEGIN:VEVENT
UID:later
DTSTAMP:20260101T000000Z
DTSTART:20260105T120000Z
DTEND:20260105T123000Z
SUMMARY:Lunch
END:VEVENT
END:VCALENDAR
`

func crlf(s string) string { return strings.ReplaceAll(s, "\n", "\r\n") }

func TestICSParseWindowAndRecurrence(t *testing.T) {
	t.Parallel()
	src, err := NewICSSource(ICSConfig{URL: "https://example.com/cal.ics", Timezone: "UTC"}, nil, logx.Nop())
	require.NoError(t, err)

	from := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	events, err := src.parse([]byte(crlf(feed)), from, from.Add(16*time.Minute))
	require.NoError(t, err)

	byID := map[string]Event{}
	for _, e := range events {
		byID[e.ID] = e
	}
	require.Len(t, byID, 3)

	single := byID["single"]
	assert.Equal(t, "Planning", single.Summary)
	assert.Equal(t, "2026-01-05T09:10:00Z", single.Start.DateTime)
	assert.Equal(t, []Attendee{{Email: "alice@example.com"}, {Email: "bob@example.com"}}, single.Attendees)

	occ, ok := byID["daily_20260105T091500Z"]
	require.True(t, ok, "recurring occurrence inside the window")
	assert.Equal(t, "2026-01-05T09:30:00Z", occ.End.DateTime)
	require.NotNil(t, occ.ConferenceData)
	assert.Equal(t, "https://meet.google.com/std-updd-ail", occ.ConferenceData.EntryPoints[0].URI)

	assert.Equal(t, StatusCancelled, byID["gone"].Status)
}

func TestICSRejectsNonCalendar(t *testing.T) {
	t.Parallel()
	src, err := NewICSSource(ICSConfig{URL: "webcal://example.com/cal.ics"}, nil, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/cal.ics", src.cfg.URL)
	_, err = src.parse([]byte("<html></html>"), time.Now(), time.Now())
	require.Error(t, err)
}

func TestICSFetchOverHTTP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(crlf(feed)))
	}))
	defer srv.Close()

	src, err := NewICSSource(ICSConfig{URL: srv.URL, Timezone: "UTC"}, srv.Client(), logx.Nop())
	require.NoError(t, err)
	from := time.Date(2026, 1, 5, 11, 50, 0, 0, time.UTC)
	page, err := src.Fetch(context.Background(), Query{TimeMin: from, TimeMax: from.Add(16 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "later", page.Events[0].ID)
	assert.Empty(t, page.NextSyncToken)
}

func TestEventTimeResolve(t *testing.T) {
	t.Parallel()
	ts, err := (&EventTime{DateTime: "2026-01-05T10:00:00+01:00"}).Resolve(time.UTC)
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)))

	day, err := (&EventTime{Date: "2026-01-05"}).Resolve(time.UTC)
	require.NoError(t, err)
	assert.True(t, day.Equal(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)))

	_, err = (*EventTime)(nil).Resolve(time.UTC)
	require.Error(t, err)
	_, err = (&EventTime{DateTime: "tomorrow"}).Resolve(time.UTC)
	require.Error(t, err)
}
