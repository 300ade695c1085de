package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"meetbell/internal/display"
	"meetbell/internal/meeting"
	"meetbell/pkg/logx"
)

func TestHubStreamsFrames(t *testing.T) {
	h := New(nil, logx.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	n := display.Notification{
		Meeting: meeting.Meeting{ID: "m1", Title: "Standup", Start: start, End: start.Add(15 * time.Minute),
			ConferenceLink: "https://meet.example/m1"},
		Kind:          meeting.KindEarly5,
		MinutesBefore: 5,
		Sound:         true,
		Ringtone:      "assets/sounds/ringtone.mp3",
	}
	require.NoError(t, h.Show(ctx, n))
	require.NoError(t, h.Close(ctx, "m1"))

	var got []display.Frame
	for range 2 {
		typ, b, err := conn.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, websocket.MessageText, typ)
		var f display.Frame
		require.NoError(t, json.Unmarshal(b, &f))
		got = append(got, f)
	}
	assert.Equal(t, display.FrameAlert, got[0].Type)
	assert.Equal(t, "early5", got[0].Kind)
	assert.Equal(t, "https://meet.example/m1", got[0].Link)
	assert.Equal(t, "assets/sounds/ringtone.mp3", got[0].Ringtone)
	assert.Equal(t, display.Frame{Type: display.FrameClose, MeetingID: "m1"}, got[1])

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShowWithoutClients(t *testing.T) {
	t.Parallel()
	h := New(nil, logx.Nop())
	assert.NoError(t, h.Show(context.Background(), display.Notification{Meeting: meeting.Meeting{ID: "m"}}))
}
