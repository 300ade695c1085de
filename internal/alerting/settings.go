package alerting

import (
	"context"
	"encoding/json"
	"sync"

	"meetbell/internal/meeting"
	"meetbell/internal/storage"
	"meetbell/pkg/logx"
)

const KeyEarlySettings = "early_notification_settings"

type KindSetting struct {
	Enabled bool `json:"enabled"`
	Sound   bool `json:"sound"`
}

// EarlySettings controls the early alerts. The main alert is always raised;
// MainSound only decides whether it plays a ringtone.
type EarlySettings struct {
	Enabled   bool        `json:"enabled"`
	Fifteen   KindSetting `json:"fifteen"`
	Ten       KindSetting `json:"ten"`
	Five      KindSetting `json:"five"`
	MainSound bool        `json:"main_sound"`
}

func DefaultEarlySettings() EarlySettings {
	return EarlySettings{
		Enabled:   true,
		Fifteen:   KindSetting{Enabled: true},
		Ten:       KindSetting{Enabled: true},
		Five:      KindSetting{Enabled: true, Sound: true},
		MainSound: true,
	}
}

func (s EarlySettings) kind(k meeting.Kind) (KindSetting, bool) {
	switch k {
	case meeting.KindEarly15:
		return s.Fifteen, true
	case meeting.KindEarly10:
		return s.Ten, true
	case meeting.KindEarly5:
		return s.Five, true
	}
	return KindSetting{}, false
}

// Allows reports whether alerts of kind k are raised.
func (s EarlySettings) Allows(k meeting.Kind) bool {
	if k == meeting.KindMain {
		return true
	}
	ks, ok := s.kind(k)
	return ok && s.Enabled && ks.Enabled
}

// Sound reports whether alerts of kind k play a ringtone.
func (s EarlySettings) Sound(k meeting.Kind) bool {
	if k == meeting.KindMain {
		return s.MainSound
	}
	ks, _ := s.kind(k)
	return ks.Sound
}

// Settings is the process-wide EarlySettings, persisted in the store.
type Settings struct {
	mu    sync.RWMutex
	cur   EarlySettings
	store storage.Store
	log   logx.Logger
}

func NewSettings(store storage.Store, initial EarlySettings, log logx.Logger) *Settings {
	return &Settings{cur: initial, store: store, log: log.With(logx.String("comp", "alerting.settings"))}
}

// Load prefers the persisted value over the initial one.
func (s *Settings) Load(ctx context.Context) {
	raw, ok, err := s.store.GetValue(ctx, KeyEarlySettings)
	if err != nil {
		s.log.Warn("settings load failed; using configured defaults", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	var es EarlySettings
	if err := json.Unmarshal([]byte(raw), &es); err != nil {
		s.log.Warn("stored settings unreadable; using configured defaults", logx.Err(err))
		return
	}
	s.mu.Lock()
	s.cur = es
	s.mu.Unlock()
}

func (s *Settings) Get() EarlySettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Set replaces the settings. The new value applies even if persisting fails.
func (s *Settings) Set(ctx context.Context, es EarlySettings) error {
	s.mu.Lock()
	s.cur = es
	s.mu.Unlock()
	b, err := json.Marshal(es)
	if err != nil {
		return err
	}
	if err := s.store.PutValue(ctx, KeyEarlySettings, string(b)); err != nil {
		s.log.Warn("settings write failed", logx.Err(err))
		return err
	}
	return nil
}
