package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
calendar:
  source: google
  calendar_id: primary
  token: secret-token
poll:
  interval: "@every 1m"
  lookahead: 24h
notifications:
  early:
    enabled: true
    fifteen: {enabled: true, sound: false}
    ten: {enabled: false}
    five: {enabled: true, sound: true}
    main_sound: true
scheduler:
  timezone: Europe/Berlin
http:
  enabled: true
  addr: 127.0.0.1:8737
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("meetbell.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "primary", cfg.Calendar.CalendarID)
	require.NotNil(t, cfg.Notifications.Early)
	assert.True(t, cfg.Notifications.Early.Five.Sound)
	assert.False(t, cfg.Notifications.Early.Ten.Enabled)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)

	js, err := Decode("meetbell.json", []byte(`{"storage":{"driver":"sqlite","path":"x.db"}}`))
	require.NoError(t, err)
	require.NotNil(t, js.Storage)
	assert.Equal(t, "sqlite", js.Storage.Driver)

	empty, err := Decode("empty.yml", nil)
	require.NoError(t, err)
	assert.Nil(t, empty.Storage)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.yaml", []byte("logging:\n  levle: info\n"))
	assert.Error(t, err)
	_, err = Decode("c.json", []byte(`{"logging":{}} {}`))
	assert.Error(t, err)
	_, err = Decode("c.yaml", []byte("logging: [unterminated"))
	assert.Error(t, err)
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("poll.timeout", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)
	d, err = ParseDurationOrDefault("poll.timeout", " 1m ", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
	_, err = ParseDurationOrDefault("poll.timeout", "bogus", 5*time.Second)
	assert.ErrorContains(t, err, "poll.timeout")

	_, err = ParseDurationField("poll.lookahead", "-1h")
	assert.Error(t, err)
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	old := &Config{HTTP: HTTPConfig{Enabled: true, Token: "a"}}
	next := &Config{HTTP: HTTPConfig{Enabled: true, Token: "b"}, Calendar: CalendarConfig{Token: "tok"}}

	changed, attrs := SummarizeChange(old, next)
	assert.Equal(t, []string{"calendar", "http"}, changed)
	assert.Equal(t, []string{"calendar"}, NeedsRestart(changed))
	var buf bytes.Buffer
	logx.NewWriter(&buf, "info").Info("config changed", attrs...)
	out := buf.String()
	assert.Contains(t, out, `"http.token_set":true`)
	assert.Contains(t, out, `"calendar.token_set":true`)
	assert.NotContains(t, out, `"tok"`)
	assert.NotContains(t, out, `:"b"`)

	same, _ := SummarizeChange(next, next)
	assert.Empty(t, same)
}

func TestManagerLoadValidates(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "meetbell.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	m := NewManager(path)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "loud" {
			return errors.New("bad level")
		}
		return nil
	})
	cfg, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o600))
	_, err = m.Load(context.Background())
	assert.Error(t, err)
	assert.Same(t, cfg, m.Get(), "rejected config is not committed")
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "meetbell.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	m := NewManager(path)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "loud" {
			return errors.New("bad level")
		}
		return nil
	})
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o600))
	time.Sleep(600 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("invalid config was published")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))
	select {
	case cfg := <-ch:
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
