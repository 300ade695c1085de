// Package systemd speaks the sd_notify protocol: readiness, stopping, status
// lines and watchdog keep-alives. Every call is a no-op outside a systemd
// unit (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notify sends one state line. It reports whether the message was delivered.
func Notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

func Ready() (bool, error) { return Notify(daemon.SdNotifyReady) }

func Stopping() (bool, error) { return Notify(daemon.SdNotifyStopping) }

func Reloading() (bool, error) { return Notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) { return Notify("STATUS=" + msg) }

// WatchdogInterval returns the keep-alive period, half the configured
// WatchdogSec, or 0 when the watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings the watchdog until ctx is done. healthy is consulted before
// each ping; a false answer skips the ping so systemd restarts a stuck
// process. It returns immediately when the watchdog is off.
func Watchdog(ctx context.Context, healthy func() bool) {
	every := WatchdogInterval()
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				_, _ = Notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
