// Package tgui holds small Telegram rendering helpers: HTML-safe text
// fragments, inline keyboards and "app:action:payload" callback data.
package tgui
