package tgui

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Data formats inline callback data as "app:action:payload".
// Payload is kept as-is; it may itself contain colons.
func Data(app, action, payload string) (string, error) {
	app = strings.TrimSpace(app)
	action = strings.TrimSpace(action)
	s := app + ":" + action
	if payload != "" {
		s += ":" + payload
	}
	if len(s) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return s, nil
}

// Parse splits callback data produced by Data. ok is false when the data
// belongs to another app.
func Parse(app, data string) (action, payload string, ok bool) {
	rest, found := strings.CutPrefix(data, app+":")
	if !found || rest == "" {
		return "", "", false
	}
	action, payload, _ = strings.Cut(rest, ":")
	return action, payload, action != ""
}

// TruncRunes returns s truncated to at most n runes, with an ellipsis when
// anything was cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
