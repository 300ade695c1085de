package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"meetbell/pkg/logx"
)

const (
	KeyAuthToken       = "google_auth_token"
	KeyAuthTokenExpiry = "google_auth_token_expiry"
	KeySyncToken       = "calendar_sync_token"

	// DefaultTokenLifetime applies when a token arrives without an expiry.
	DefaultTokenLifetime = time.Hour
	// tokenSkew treats a token as expired this long before its real expiry.
	tokenSkew = 5 * time.Minute
)

// KV is the key/value part of the state store.
type KV interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	PutValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error
}

// Refresher obtains a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context) (token string, lifetime time.Duration, err error)
}

// Auth holds the calendar access token and persists it across restarts.
type Auth struct {
	mu        sync.Mutex
	kv        KV
	refresher Refresher
	log       logx.Logger
	now       func() time.Time

	token  string
	expiry time.Time
}

func NewAuth(kv KV, refresher Refresher, log logx.Logger) *Auth {
	return &Auth{kv: kv, refresher: refresher, log: log.With(logx.String("comp", "calendar.auth")), now: time.Now}
}

// Load restores the persisted token. A store failure leaves Auth empty.
func (a *Auth) Load(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tok, ok, err := a.kv.GetValue(ctx, KeyAuthToken)
	if err != nil {
		a.log.Warn("auth token load failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	raw, _, err := a.kv.GetValue(ctx, KeyAuthTokenExpiry)
	if err != nil {
		a.log.Warn("auth token expiry load failed", logx.Err(err))
		return
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		a.log.Debug("auth token expiry unreadable; token ignored", logx.String("value", raw))
		return
	}
	a.token, a.expiry = tok, time.UnixMilli(ms)
}

// Authenticated reports whether a token is held and will not expire within
// the next five minutes.
func (a *Auth) Authenticated(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validLocked(now)
}

func (a *Auth) validLocked(now time.Time) bool {
	return a.token != "" && a.expiry.After(now.Add(tokenSkew))
}

// Expiry returns the expiry of the held token, zero when none.
func (a *Auth) Expiry() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expiry
}

// CanRefresh reports whether a refresher is configured.
func (a *Auth) CanRefresh() bool { return a.refresher != nil }

// Token returns a valid token, refreshing when the held one is stale.
func (a *Auth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.validLocked(a.now()) {
		tok := a.token
		a.mu.Unlock()
		return tok, nil
	}
	a.mu.Unlock()
	return a.Refresh(ctx)
}

// Refresh obtains a new token through the refresher and persists it.
func (a *Auth) Refresh(ctx context.Context) (string, error) {
	if a.refresher == nil {
		return "", ErrNotAuthenticated
	}
	tok, lifetime, err := a.refresher.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if tok == "" {
		return "", fmt.Errorf("refresh token: %w", ErrNotAuthenticated)
	}
	if err := a.Set(ctx, tok, lifetime); err != nil {
		a.log.Warn("refreshed token not persisted", logx.Err(err))
	}
	a.log.Info("auth token refreshed", logx.Time("expiry", a.Expiry()))
	return tok, nil
}

// Set installs token with the given lifetime (DefaultTokenLifetime when <= 0).
// The in-memory token is updated even when persisting fails.
func (a *Auth) Set(ctx context.Context, token string, lifetime time.Duration) error {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	a.mu.Lock()
	a.token = token
	a.expiry = a.now().Add(lifetime)
	expiry := a.expiry
	a.mu.Unlock()

	return errors.Join(
		a.kv.PutValue(ctx, KeyAuthToken, token),
		a.kv.PutValue(ctx, KeyAuthTokenExpiry, strconv.FormatInt(expiry.UnixMilli(), 10)),
	)
}

// Clear forgets the token and the calendar sync token.
func (a *Auth) Clear(ctx context.Context) error {
	a.mu.Lock()
	a.token, a.expiry = "", time.Time{}
	a.mu.Unlock()
	return errors.Join(
		a.kv.DeleteValue(ctx, KeyAuthToken),
		a.kv.DeleteValue(ctx, KeyAuthTokenExpiry),
		a.kv.DeleteValue(ctx, KeySyncToken),
	)
}

// StaticRefresher hands out a fixed token, e.g. from config or environment.
type StaticRefresher struct {
	Token    string
	Lifetime time.Duration
}

func (s StaticRefresher) Refresh(context.Context) (string, time.Duration, error) {
	if s.Token == "" {
		return "", 0, ErrNotAuthenticated
	}
	return s.Token, s.Lifetime, nil
}

// CommandRefresher runs an external command that prints a token on stdout,
// either bare or as JSON {"access_token": "...", "expires_in": seconds}.
type CommandRefresher struct {
	Command  []string
	Lifetime time.Duration
	Timeout  time.Duration
}

type commandToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c CommandRefresher) Refresh(ctx context.Context) (string, time.Duration, error) {
	if len(c.Command) == 0 {
		return "", 0, errors.New("refresh command not configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return "", 0, fmt.Errorf("%s: %w: %s", c.Command[0], err, strings.TrimSpace(stderr.String()))
	}
	return parseCommandToken(stdout.Bytes(), c.Lifetime)
}

func parseCommandToken(out []byte, lifetime time.Duration) (string, time.Duration, error) {
	out = bytes.TrimSpace(out)
	if bytes.HasPrefix(out, []byte("{")) {
		var ct commandToken
		if err := json.Unmarshal(out, &ct); err != nil {
			return "", 0, fmt.Errorf("refresh command output: %w", err)
		}
		if ct.ExpiresIn > 0 {
			lifetime = time.Duration(ct.ExpiresIn) * time.Second
		}
		out = []byte(ct.AccessToken)
	}
	if len(out) == 0 {
		return "", 0, errors.New("refresh command printed no token")
	}
	return string(out), lifetime, nil
}
