// Package storage persists meetbell's alerting state: the delivery ledger,
// snoozes, tracked meeting records and a small key/value namespace (settings,
// auth token, calendar sync token, ringtone preferences).
package storage
