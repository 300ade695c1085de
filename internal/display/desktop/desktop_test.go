package desktop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/internal/display"
	"meetbell/internal/meeting"
	"meetbell/pkg/logx"
)

type call struct {
	method string
	args   []any
}

type fakeBus struct {
	mu    sync.Mutex
	calls []call
	next  uint32
}

func (f *fakeBus) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...any) *dbus.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: method, args: args})
	if method == methodNotify {
		f.next++
		return &dbus.Call{Body: []any{f.next}}
	}
	return &dbus.Call{}
}

type fakeActions struct {
	snoozed, closed, joined []string
}

func (a *fakeActions) SnoozeMeeting(_ context.Context, id string, minutes int) (time.Time, error) {
	a.snoozed = append(a.snoozed, id)
	return time.Time{}.Add(time.Duration(minutes) * time.Minute), nil
}

func (a *fakeActions) CloseNotification(_ context.Context, id string) bool {
	a.closed = append(a.closed, id)
	return true
}

func (a *fakeActions) JoinMeeting(_ context.Context, id string) (string, error) {
	a.joined = append(a.joined, id)
	return "https://meet.example/" + id, nil
}

func note(id string, kind meeting.Kind, sound bool) display.Notification {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	return display.Notification{
		Meeting: meeting.Meeting{
			ID: id, Title: "Standup", Start: start, End: start.Add(15 * time.Minute),
			ConferenceLink: "https://meet.example/" + id, Attendees: []string{"a@example.com"},
		},
		Kind:          kind,
		MinutesBefore: kind.Minutes(),
		Sound:         sound,
		Ringtone:      "assets/sounds/ringtone.mp3",
	}
}

func TestShowReplacesEarlierKind(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	s := newSink(bus, Config{}, logx.Nop())
	ctx := context.Background()

	require.NoError(t, s.Show(ctx, note("m1", meeting.KindEarly15, false)))
	require.NoError(t, s.Show(ctx, note("m1", meeting.KindEarly5, true)))
	require.Len(t, bus.calls, 2)

	first, second := bus.calls[0].args, bus.calls[1].args
	assert.Equal(t, "meetbell", first[0])
	assert.Equal(t, uint32(0), first[1])
	assert.Equal(t, uint32(1), second[1], "second alert replaces the first popup")
	assert.Equal(t, "Standup starts in 5 minutes", second[3])

	h := second[6].(map[string]dbus.Variant)
	assert.Equal(t, "assets/sounds/ringtone.mp3", h["sound-file"].Value())
	_, ok := first[6].(map[string]dbus.Variant)["sound-file"]
	assert.False(t, ok)
}

func TestCloseForgetsID(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	s := newSink(bus, Config{}, logx.Nop())
	ctx := context.Background()

	require.NoError(t, s.Show(ctx, note("m1", meeting.KindMain, true)))
	require.NoError(t, s.Close(ctx, "m1"))
	require.NoError(t, s.Close(ctx, "m1"))
	require.Len(t, bus.calls, 2)
	assert.Equal(t, methodClose, bus.calls[1].method)
	assert.Equal(t, []any{uint32(1)}, bus.calls[1].args)
}

func TestSignalsRouteToActions(t *testing.T) {
	t.Parallel()
	s := newSink(&fakeBus{}, Config{}, logx.Nop())
	ctx := context.Background()
	require.NoError(t, s.Show(ctx, note("m1", meeting.KindEarly10, false)))
	require.NoError(t, s.Show(ctx, note("m2", meeting.KindEarly10, false)))

	a := &fakeActions{}
	sig := func(member string, body ...any) *dbus.Signal {
		return &dbus.Signal{Name: busName + "." + member, Body: body}
	}
	s.handleSignal(ctx, a, sig(memberActionInvoked, uint32(1), actionSnooze))
	s.handleSignal(ctx, a, sig(memberActionInvoked, uint32(2), actionDefault))
	s.handleSignal(ctx, a, sig(memberActionInvoked, uint32(99), actionJoin))
	assert.Equal(t, []string{"m1"}, a.snoozed)
	assert.Equal(t, []string{"m1"}, a.closed)
	assert.Equal(t, []string{"m2"}, a.joined)

	s.handleSignal(ctx, a, sig(memberClosed, uint32(2), uint32(reasonDismissed)))
	assert.Equal(t, []string{"m1", "m2"}, a.closed)
	s.handleSignal(ctx, a, sig(memberActionInvoked, uint32(2), actionDismiss))
	assert.Len(t, a.closed, 2, "closed popup no longer routes")
}

func TestExpireMillis(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int32(0), expireMillis(0))
	assert.Equal(t, int32(1500), expireMillis(1500*time.Millisecond))
}
