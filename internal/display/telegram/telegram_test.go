package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/internal/display"
	"meetbell/internal/meeting"
	"meetbell/pkg/logx"
)

// botAPI records Bot API calls and answers like Telegram would.
type botAPI struct {
	mu      sync.Mutex
	nextID  int
	methods []string
	bodies  []map[string]any
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	b.methods = append(b.methods, method)
	b.bodies = append(b.bodies, body)
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "sendMessage":
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1767603600,"chat":{"id":42,"type":"private"}}}`, id)
	default:
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	}
}

func (b *botAPI) calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.methods...)
}

func newTestSink(t *testing.T) (*Sink, *botAPI) {
	t.Helper()
	api := &botAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	s, err := New(Config{Token: "123:abc", ChatID: 42, URL: srv.URL, RatePerSec: 100}, logx.Nop())
	require.NoError(t, err)
	return s, api
}

func note(id string, kind meeting.Kind) display.Notification {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	return display.Notification{
		Meeting: meeting.Meeting{
			ID: id, Title: "Design <review>", Start: start, End: start.Add(time.Hour),
			ConferenceLink: "https://meet.example/" + id,
			Attendees:      []string{"a@example.com", "b@example.com"},
			Description:    "Agenda & notes",
		},
		Kind:          kind,
		MinutesBefore: kind.Minutes(),
	}
}

type fakeActions struct {
	snoozed, closed []string
}

func (a *fakeActions) SnoozeMeeting(_ context.Context, id string, _ int) (time.Time, error) {
	a.snoozed = append(a.snoozed, id)
	return time.Date(2026, 1, 5, 8, 55, 0, 0, time.UTC), nil
}

func (a *fakeActions) CloseNotification(_ context.Context, id string) bool {
	a.closed = append(a.closed, id)
	return true
}

func (a *fakeActions) JoinMeeting(context.Context, string) (string, error) { return "", nil }

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{ChatID: 1}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Token: "x"}, logx.Nop())
	assert.Error(t, err)
}

func TestShowSendsAndReplaces(t *testing.T) {
	t.Parallel()
	s, api := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.Show(ctx, note("m1", meeting.KindEarly10)))
	require.NoError(t, s.Show(ctx, note("m1", meeting.KindMain)))
	assert.Equal(t, []string{"sendMessage", "sendMessage", "deleteMessage"}, api.calls())

	first := api.bodies[0]
	assert.Contains(t, first["text"], "<b>Design &lt;review&gt; starts in 10 minutes</b>")
	assert.Contains(t, first["text"], "<blockquote>Agenda &amp; notes</blockquote>")
	assert.Equal(t, "HTML", first["parse_mode"])

	require.NoError(t, s.Close(ctx, "m1"))
	require.NoError(t, s.Close(ctx, "m1"))
	assert.Len(t, api.calls(), 4)
}

func TestCallbacksRouteToActions(t *testing.T) {
	t.Parallel()
	s, _ := newTestSink(t)
	ctx := context.Background()
	require.NoError(t, s.Show(ctx, note("m1", meeting.KindEarly5)))

	a := &fakeActions{}
	assert.Equal(t, "Snoozed until 08:55", s.handleCallback(ctx, a, callbackData(actionSnooze, "m1"), 0))
	assert.Equal(t, []string{"m1"}, a.snoozed)
	assert.Equal(t, "Dismissed.", s.handleCallback(ctx, a, callbackData(actionDismiss, "m1"), 0))
	assert.Equal(t, []string{"m1", "m1"}, a.closed)
	assert.Empty(t, s.handleCallback(ctx, a, "other:thing", 0))
}

func TestLongMeetingIDResolvesThroughMessage(t *testing.T) {
	t.Parallel()
	s, _ := newTestSink(t)
	ctx := context.Background()
	long := strings.Repeat("x", 80)
	require.NoError(t, s.Show(ctx, note(long, meeting.KindEarly15)))

	data := callbackData(actionDismiss, long)
	assert.Equal(t, "mb:dismiss", data)

	a := &fakeActions{}
	assert.Equal(t, "Dismissed.", s.handleCallback(ctx, a, data, 1))
	assert.Equal(t, []string{long}, a.closed)
	assert.Equal(t, "This alert is no longer active.", s.handleCallback(ctx, a, data, 99))
}
