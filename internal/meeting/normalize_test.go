package meeting

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/internal/calendar"
	"meetbell/pkg/logx"
)

func timed(s string) *calendar.EventTime { return &calendar.EventTime{DateTime: s} }

func TestNormalizeLinkPriority(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(NormalizerConfig{}, logx.Nop())
	cases := []struct {
		name string
		ev   calendar.Event
		want string
	}{
		{
			name: "hangout link first",
			ev: calendar.Event{
				HangoutLink:    "https://meet.google.com/aaa-bbbb-ccc",
				ConferenceData: &calendar.ConferenceData{EntryPoints: []calendar.EntryPoint{{URI: "https://meet.google.com/zzz-zzzz-zzz"}}},
			},
			want: "https://meet.google.com/aaa-bbbb-ccc",
		},
		{
			name: "entry point on host",
			ev: calendar.Event{ConferenceData: &calendar.ConferenceData{EntryPoints: []calendar.EntryPoint{
				{EntryPointType: "phone", URI: "tel:+1-555-0100"},
				{EntryPointType: "video", URI: "https://meet.google.com/ddd-eeee-fff"},
			}}},
			want: "https://meet.google.com/ddd-eeee-fff",
		},
		{
			name: "location before description",
			ev: calendar.Event{
				Location:    "Room 4 / https://MEET.google.com/loc-link-abc",
				Description: "https://meet.google.com/desc-link",
			},
			want: "https://MEET.google.com/loc-link-abc",
		},
		{
			name: "description",
			ev:   calendar.Event{Description: "Join: https://meet.google.com/xyz-abcd-efg?authuser=0"},
			want: "https://meet.google.com/xyz-abcd-efg",
		},
		{
			name: "other host ignored",
			ev: calendar.Event{
				HangoutLink: "https://zoom.us/j/123",
				Location:    "https://zoom.us/j/123",
			},
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, n.Link(&tc.ev))
		})
	}
}

func TestNormalizeDefaultsAndDrops(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(NormalizerConfig{Host: "meet.example", Location: time.UTC}, logx.Nop())
	raw := []calendar.Event{
		{ID: "m1", Location: "https://meet.example/m-one", Start: timed("2026-01-05T09:15:00Z"), End: timed("2026-01-05T09:45:00Z"), Status: "tentative"},
		{ID: "nolink", Start: timed("2026-01-05T09:15:00Z"), End: timed("2026-01-05T09:45:00Z")},
		{ID: "badstart", Location: "https://meet.example/bad", Start: timed("soon"), End: timed("2026-01-05T09:45:00Z")},
		{ID: "noend", Location: "https://meet.example/bad", Start: timed("2026-01-05T09:15:00Z")},
		{Location: "https://meet.example/noid", Start: timed("2026-01-05T09:15:00Z"), End: timed("2026-01-05T09:45:00Z")},
		{
			ID: "m2", Summary: "Review", Description: "Agenda", HangoutLink: "https://meet.example/m-two",
			Start: &calendar.EventTime{Date: "2026-01-06"}, End: &calendar.EventTime{Date: "2026-01-07"},
			Attendees: []calendar.Attendee{{Email: "a@example.com"}, {Email: ""}, {Email: "b@example.com"}},
			Status:    "cancelled",
		},
	}
	got := slices.Collect(n.Normalize(raw))
	require.Len(t, got, 2)

	m1 := got[0]
	assert.Equal(t, "m1", m1.ID)
	assert.Equal(t, DefaultTitle, m1.Title)
	assert.Equal(t, DefaultDescription, m1.Description)
	assert.NotNil(t, m1.Attendees)
	assert.Empty(t, m1.Attendees)
	assert.Equal(t, StatusConfirmed, m1.Status)
	assert.Equal(t, time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC), m1.Start.UTC())

	m2 := got[1]
	assert.Equal(t, "Review", m2.Title)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, m2.Attendees)
	assert.True(t, m2.Cancelled())
	assert.True(t, m2.Start.Equal(time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)))
}

func TestNormalizeStopsWhenConsumerStops(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(NormalizerConfig{}, logx.Nop())
	ev := calendar.Event{HangoutLink: "https://meet.google.com/a", Start: timed("2026-01-05T09:15:00Z"), End: timed("2026-01-05T09:45:00Z")}
	raw := []calendar.Event{ev, ev, ev}
	raw[0].ID, raw[1].ID, raw[2].ID = "1", "2", "3"

	var seen []string
	for m := range n.Normalize(raw) {
		seen = append(seen, m.ID)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"1", "2"}, seen)
}

func TestKinds(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	m := Meeting{Start: start}
	assert.Equal(t, start, m.FireAt(KindMain))
	assert.Equal(t, start.Add(-15*time.Minute), m.FireAt(KindEarly15))
	assert.Equal(t, start.Add(-5*time.Minute), m.FireAt(KindEarly5))
	assert.False(t, KindMain.Early())
	assert.True(t, KindEarly10.Early())

	k, err := ParseKind("early10")
	require.NoError(t, err)
	assert.Equal(t, KindEarly10, k)
	_, err = ParseKind("early20")
	require.Error(t, err)
	assert.Len(t, Kinds(), 4)
	assert.Equal(t, StatusConfirmed, ParseStatus("tentative"))
}
