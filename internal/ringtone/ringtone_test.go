package ringtone

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/internal/storage"
	"meetbell/pkg/logx"
)

func mp3(n int) []byte { return append([]byte("ID3\x04\x00"), make([]byte, n)...) }

func newLibrary(t *testing.T) *Library {
	t.Helper()
	l := New(Config{Dir: t.TempDir()}, storage.NewMemory(), logx.Nop())
	base := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return l
}

func TestSelectedDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLibrary(t)
	assert.Equal(t, DefaultPath, l.Selected(ctx))

	_, err := l.Select(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	r, err := l.Select(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, DefaultPath, r.Path)
}

func TestAddValidatesUploads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLibrary(t)

	_, err := l.Add(ctx, "tone.wav", bytes.NewReader(mp3(10)))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = l.Add(ctx, "tone.mp3", bytes.NewReader([]byte("not audio at all")))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = l.Add(ctx, "tone.ogg", bytes.NewReader(mp3(10)))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = l.Add(ctx, "big.mp3", bytes.NewReader(mp3(MaxSize)))
	assert.ErrorIs(t, err, ErrTooLarge)

	r, err := l.Add(ctx, "Chimes.ogg", bytes.NewReader(append([]byte("OggS"), make([]byte, 64)...)))
	require.NoError(t, err)
	assert.Equal(t, "Chimes", r.Name)
	assert.True(t, r.Custom)
	_, err = os.Stat(r.Path)
	require.NoError(t, err)
}

func TestAddKeepsNewestFive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLibrary(t)

	var added []Ringtone
	for i := range 7 {
		r, err := l.Add(ctx, "tone.mp3", bytes.NewReader(mp3(i)))
		require.NoError(t, err)
		added = append(added, r)
		if i == 0 {
			_, err := l.Select(ctx, r.ID)
			require.NoError(t, err)
		}
	}

	all, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1+KeepCustom)
	assert.Equal(t, added[2].ID, all[1].ID)
	assert.Equal(t, added[6].ID, all[len(all)-1].ID)

	_, err = os.Stat(added[0].Path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, DefaultPath, l.Selected(ctx), "selection of a dropped file falls back")

	require.NoError(t, l.Remove(ctx, added[6].ID))
	assert.ErrorIs(t, l.Remove(ctx, added[6].ID), ErrNotFound)
}
