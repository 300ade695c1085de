// Package ringtone manages the sound shipped with sounding alerts: a small
// built-in set, a user-uploaded library capped at the newest few files, and
// the current selection.
package ringtone

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meetbell/pkg/logx"
)

const (
	KeyPreference = "ringtone_preference"
	KeyCustom     = "custom_ringtones"

	DefaultPath = "assets/sounds/ringtone.mp3"
	MaxSize     = 2 << 20
	KeepCustom  = 5
)

var (
	ErrTooLarge          = errors.New("ringtone larger than 2MB")
	ErrUnsupportedFormat = errors.New("only mp3 and ogg ringtones are supported")
	ErrNotFound          = errors.New("ringtone not found")
)

type KV interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	PutValue(ctx context.Context, key, value string) error
}

type Ringtone struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Custom  bool      `json:"custom,omitempty"`
	AddedAt time.Time `json:"added_at,omitzero"`
}

type Config struct {
	// Dir receives uploaded ringtones.
	Dir     string
	Default string
	BuiltIn []Ringtone
}

type Library struct {
	mu      sync.Mutex
	dir     string
	def     string
	builtIn []Ringtone
	kv      KV
	now     func() time.Time
	log     logx.Logger
}

func New(cfg Config, kv KV, log logx.Logger) *Library {
	def := cmp.Or(cfg.Default, DefaultPath)
	builtIn := cfg.BuiltIn
	if len(builtIn) == 0 {
		builtIn = []Ringtone{{ID: "default", Name: "Default", Path: def}}
	}
	return &Library{
		dir:     cmp.Or(cfg.Dir, filepath.Join("assets", "sounds", "custom")),
		def:     def,
		builtIn: builtIn,
		kv:      kv,
		now:     time.Now,
		log:     log.With(logx.String("comp", "ringtone")),
	}
}

// Selected returns the chosen ringtone path, or the default when none is
// chosen or the store cannot be read.
func (l *Library) Selected(ctx context.Context) string {
	v, ok, err := l.kv.GetValue(ctx, KeyPreference)
	if err != nil {
		l.log.Warn("ringtone preference load failed", logx.Err(err))
		return l.def
	}
	if !ok || v == "" {
		return l.def
	}
	return v
}

// List returns the built-in ringtones followed by custom ones, oldest first.
func (l *Library) List(ctx context.Context) ([]Ringtone, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	custom, err := l.customLocked(ctx)
	if err != nil {
		return nil, err
	}
	return append(slices.Clone(l.builtIn), custom...), nil
}

// Select makes the ringtone with the given id or path current.
func (l *Library) Select(ctx context.Context, idOrPath string) (Ringtone, error) {
	all, err := l.List(ctx)
	if err != nil {
		return Ringtone{}, err
	}
	for _, r := range all {
		if r.ID == idOrPath || r.Path == idOrPath {
			if err := l.kv.PutValue(ctx, KeyPreference, r.Path); err != nil {
				return Ringtone{}, fmt.Errorf("save ringtone preference: %w", err)
			}
			return r, nil
		}
	}
	return Ringtone{}, fmt.Errorf("%w: %s", ErrNotFound, idOrPath)
}

// Reset selects the default ringtone.
func (l *Library) Reset(ctx context.Context) error {
	return l.kv.PutValue(ctx, KeyPreference, l.def)
}

// Add stores an uploaded ringtone. Only the newest KeepCustom uploads are
// kept; older files are deleted and, if one was selected, the selection falls
// back to the default.
func (l *Library) Add(ctx context.Context, name string, r io.Reader) (Ringtone, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".mp3" && ext != ".ogg" {
		return Ringtone{}, ErrUnsupportedFormat
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return Ringtone{}, fmt.Errorf("read ringtone: %w", err)
	}
	if len(data) > MaxSize {
		return Ringtone{}, ErrTooLarge
	}
	if !sniff(data, ext) {
		return Ringtone{}, ErrUnsupportedFormat
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return Ringtone{}, fmt.Errorf("ringtone dir: %w", err)
	}
	id := "custom-" + uuid.NewString()
	rt := Ringtone{
		ID:      id,
		Name:    strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)),
		Path:    filepath.Join(l.dir, id+ext),
		Custom:  true,
		AddedAt: l.now(),
	}
	if err := os.WriteFile(rt.Path, data, 0o644); err != nil {
		return Ringtone{}, fmt.Errorf("write ringtone: %w", err)
	}

	custom, err := l.customLocked(ctx)
	if err != nil {
		_ = os.Remove(rt.Path)
		return Ringtone{}, err
	}
	custom = append(custom, rt)
	slices.SortStableFunc(custom, func(a, b Ringtone) int { return a.AddedAt.Compare(b.AddedAt) })
	var dropped []Ringtone
	if len(custom) > KeepCustom {
		dropped = custom[:len(custom)-KeepCustom]
		custom = custom[len(custom)-KeepCustom:]
	}
	if err := l.saveCustomLocked(ctx, custom); err != nil {
		_ = os.Remove(rt.Path)
		return Ringtone{}, err
	}
	l.dropFiles(ctx, dropped)
	l.log.Info("ringtone added", logx.String("id", rt.ID), logx.String("name", rt.Name), logx.Int("bytes", len(data)))
	return rt, nil
}

// Remove deletes a custom ringtone.
func (l *Library) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	custom, err := l.customLocked(ctx)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(custom, func(r Ringtone) bool { return r.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	gone := custom[i]
	custom = slices.Delete(custom, i, i+1)
	if err := l.saveCustomLocked(ctx, custom); err != nil {
		return err
	}
	l.dropFiles(ctx, []Ringtone{gone})
	return nil
}

func (l *Library) dropFiles(ctx context.Context, dropped []Ringtone) {
	if len(dropped) == 0 {
		return
	}
	selected := l.Selected(ctx)
	for _, r := range dropped {
		if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("ringtone file delete failed", logx.String("path", r.Path), logx.Err(err))
		}
		if r.Path == selected {
			if err := l.Reset(ctx); err != nil {
				l.log.Warn("ringtone preference reset failed", logx.Err(err))
			}
		}
	}
}

func (l *Library) customLocked(ctx context.Context) ([]Ringtone, error) {
	raw, ok, err := l.kv.GetValue(ctx, KeyCustom)
	if err != nil {
		return nil, fmt.Errorf("load custom ringtones: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var out []Ringtone
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		l.log.Warn("custom ringtone list unreadable; starting empty", logx.Err(err))
		return nil, nil
	}
	return out, nil
}

func (l *Library) saveCustomLocked(ctx context.Context, custom []Ringtone) error {
	b, err := json.Marshal(custom)
	if err != nil {
		return err
	}
	if err := l.kv.PutValue(ctx, KeyCustom, string(b)); err != nil {
		return fmt.Errorf("save custom ringtones: %w", err)
	}
	return nil
}

// sniff checks the content matches the extension.
func sniff(data []byte, ext string) bool {
	switch ext {
	case ".ogg":
		return bytes.HasPrefix(data, []byte("OggS"))
	case ".mp3":
		if bytes.HasPrefix(data, []byte("ID3")) {
			return true
		}
		// MPEG audio frame sync
		if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
			return true
		}
		return http.DetectContentType(data) == "audio/mpeg"
	}
	return false
}
