package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/internal/alerting"
	"meetbell/internal/httpapi"
	"meetbell/internal/meeting"
	"meetbell/internal/ringtone"
	"meetbell/internal/storage"
	"meetbell/pkg/logx"
)

type stubAlerts struct {
	settings alerting.EarlySettings
	snoozed  map[string]int
	closed   []string
	tests    []meeting.Kind
}

func (s *stubAlerts) Status(time.Time) alerting.Status {
	return alerting.Status{
		Authenticated: true,
		UpcomingMeetings: []alerting.MeetingStatus{{
			ID: "m1", Title: "Planning", Start: time.Date(2026, 1, 5, 9, 10, 0, 0, time.UTC),
			Delivered: []meeting.Kind{meeting.KindEarly15},
		}},
		Records: 1,
	}
}
func (s *stubAlerts) EarlySettings() alerting.EarlySettings { return s.settings }
func (s *stubAlerts) SetEarlySettings(_ context.Context, es alerting.EarlySettings) error {
	s.settings = es
	return nil
}
func (s *stubAlerts) SnoozeMeeting(_ context.Context, id string, minutes int) (time.Time, error) {
	s.snoozed[id] = minutes
	return time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC), nil
}
func (s *stubAlerts) SnoozedUntil(string) (time.Time, bool) { return time.Time{}, false }
func (s *stubAlerts) CloseNotification(_ context.Context, id string) bool {
	s.closed = append(s.closed, id)
	return id == "m1"
}
func (s *stubAlerts) JoinMeeting(_ context.Context, id string) (string, error) {
	if id != "m1" {
		return "", alerting.ErrUnknownMeeting
	}
	return "https://meet.google.com/abc-defg-hij", nil
}
func (s *stubAlerts) TriggerTestNotification(_ context.Context, k meeting.Kind) (meeting.Meeting, error) {
	s.tests = append(s.tests, k)
	return meeting.Meeting{ID: "test-1"}, nil
}

type stubCreds struct{ token string }

func (c *stubCreds) Set(_ context.Context, token string, _ time.Duration) error {
	c.token = token
	return nil
}
func (c *stubCreds) Clear(context.Context) error { c.token = ""; return nil }

type env struct {
	alerts *stubAlerts
	creds  *stubCreds
	addr   string
}

// setup points the CLI at a real control API backed by stubs.
func setup(t *testing.T) *env {
	t.Helper()
	e := &env{
		alerts: &stubAlerts{settings: alerting.DefaultEarlySettings(), snoozed: map[string]int{}},
		creds:  &stubCreds{},
	}
	api := httpapi.New(httpapi.Deps{
		Alerts:      e.alerts,
		Credentials: e.creds,
		Ringtones:   ringtone.New(ringtone.Config{Dir: t.TempDir()}, storage.NewMemory(), logx.Nop()),
		Log:         logx.Nop(),
	})
	srv := httptest.NewServer(api.Router("s3cret"))
	t.Cleanup(srv.Close)
	e.addr = srv.URL
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return e.runAs(t, "s3cret", args...)
}

func (e *env) runAs(t *testing.T, token string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--addr", e.addr, "--token", token))
	err := root.Execute()
	return out.String(), err
}

func TestRootRegistersCommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"run", "status", "snooze", "close", "join", "test", "auth", "settings", "ringtone"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	require.NotNil(t, root.PersistentFlags().Lookup("addr"))
	require.NotNil(t, root.PersistentFlags().Lookup("token"))

	runC, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	cfg := runC.Flags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "c", cfg.Shorthand)
}

func TestStatusOutputs(t *testing.T) {
	e := setup(t)
	out, err := e.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Authenticated: true")
	assert.Contains(t, out, "Planning")
	assert.Contains(t, out, "early15")

	out, err = e.run(t, "status", "-o", "json")
	require.NoError(t, err)
	var st alerting.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Len(t, st.UpcomingMeetings, 1)

	out, err = e.run(t, "status", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "authenticated: true")
}

func TestMeetingCommands(t *testing.T) {
	e := setup(t)

	_, err := e.run(t, "snooze", "m1", "10")
	require.NoError(t, err)
	assert.Equal(t, 10, e.alerts.snoozed["m1"])

	_, err = e.run(t, "snooze", "m1", "soon")
	assert.Error(t, err)

	out, err := e.run(t, "close", "m1")
	require.NoError(t, err)
	assert.Contains(t, out, "Closed.")

	out, err = e.run(t, "join", "m1")
	require.NoError(t, err)
	assert.Equal(t, "https://meet.google.com/abc-defg-hij\n", out)

	_, err = e.run(t, "join", "nope")
	assert.Error(t, err)

	_, err = e.run(t, "test", "early5")
	require.NoError(t, err)
	_, err = e.run(t, "test")
	require.NoError(t, err)
	assert.Equal(t, []meeting.Kind{meeting.KindEarly5, meeting.KindMain}, e.alerts.tests)
}

func TestAuthCommands(t *testing.T) {
	e := setup(t)
	_, err := e.run(t, "auth", "set", "ya29.token", "--expires-in", "30m")
	require.NoError(t, err)
	assert.Equal(t, "ya29.token", e.creds.token)

	_, err = e.run(t, "auth", "clear")
	require.NoError(t, err)
	assert.Empty(t, e.creds.token)
}

func TestSettingsSetSendsOnlyChangedFlags(t *testing.T) {
	e := setup(t)

	_, err := e.run(t, "settings", "set")
	assert.ErrorContains(t, err, "nothing to change")

	out, err := e.run(t, "settings", "set", "--ten=false", "--fifteen-sound")
	require.NoError(t, err)
	assert.Contains(t, out, "10 minutes")

	want := alerting.DefaultEarlySettings()
	want.Ten.Enabled = false
	want.Fifteen.Sound = true
	assert.Equal(t, want, e.alerts.settings)

	out, err = e.run(t, "settings", "get", "-o", "json")
	require.NoError(t, err)
	var es alerting.EarlySettings
	require.NoError(t, json.Unmarshal([]byte(out), &es))
	assert.Equal(t, want, es)
}

func TestRingtoneCommands(t *testing.T) {
	e := setup(t)
	path := filepath.Join(t.TempDir(), "Chimes.ogg")
	require.NoError(t, os.WriteFile(path, append([]byte("OggS"), make([]byte, 32)...), 0o600))

	out, err := e.run(t, "ringtone", "add", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Added Chimes")
	id := strings.TrimSuffix(strings.SplitN(out, "(", 2)[1], ")\n")

	_, err = e.run(t, "ringtone", "select", id)
	require.NoError(t, err)

	out, err = e.run(t, "ringtones", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "*  "+id)
}

func TestBadTokenIsRejected(t *testing.T) {
	e := setup(t)
	_, err := e.runAs(t, "wrong", "status")
	assert.Error(t, err)
}
