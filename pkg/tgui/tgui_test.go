package tgui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataRoundTrip(t *testing.T) {
	t.Parallel()
	d, err := Data("mb", "snooze", "abc_20260105T090000Z")
	require.NoError(t, err)
	assert.Equal(t, "mb:snooze:abc_20260105T090000Z", d)

	action, payload, ok := Parse("mb", d)
	require.True(t, ok)
	assert.Equal(t, "snooze", action)
	assert.Equal(t, "abc_20260105T090000Z", payload)

	_, _, ok = Parse("other", d)
	assert.False(t, ok)
	_, _, ok = Parse("mb", "mb:")
	assert.False(t, ok)

	_, err = Data("mb", "snooze", strings.Repeat("x", MaxCallbackDataLen))
	assert.ErrorIs(t, err, ErrCallbackDataTooLong)
}

func TestHTMLHelpers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, H("<b>a &lt; b</b>"), B("a < b"))
	assert.Equal(t, H(`<a href="https://x/?a=1&amp;b=2">join</a>`), Link("join", "https://x/?a=1&b=2"))
	assert.Equal(t, H("x\ny"), JoinH("\n", "x", " ", "y"))
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "héllo", TruncRunes("héllo", 5))
	assert.Equal(t, "hé…", TruncRunes("héllo", 2))
	assert.Equal(t, "", TruncRunes("x", 0))
}
