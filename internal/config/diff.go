package config

import (
	"reflect"
	"sort"
	"strings"

	"meetbell/pkg/logx"
)

// Restart lists sections whose changes only take effect after a restart.
var Restart = []string{"calendar", "display", "storage", "task_engine", "ringtones"}

// SummarizeChange returns the changed sections and safe structured fields for
// logging. Secrets (tokens, DSNs) are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oc, nc := oldCfg.Calendar, newCfg.Calendar
	if secretless(oc) != secretless(nc) || !reflect.DeepEqual(oc.RefreshCommand, nc.RefreshCommand) ||
		(oc.Token != "") != (nc.Token != "") {
		changed = append(changed, "calendar")
		attrs = append(attrs,
			logx.String("calendar.source", sourceOrDefault(nc.Source)),
			logx.Bool("calendar.token_set", strings.TrimSpace(nc.Token) != ""),
			logx.Bool("calendar.refresh_command_set", len(nc.RefreshCommand) > 0),
		)
	}

	if oldCfg.Poll != newCfg.Poll {
		changed = append(changed, "poll")
		attrs = append(attrs,
			logx.String("poll.interval", strings.TrimSpace(newCfg.Poll.Interval)),
			logx.String("poll.lookahead", strings.TrimSpace(newCfg.Poll.Lookahead)),
			logx.String("poll.maintenance", strings.TrimSpace(newCfg.Poll.Maintenance)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifications, newCfg.Notifications) {
		changed = append(changed, "notifications")
		attrs = append(attrs, logx.Bool("notifications.early_set", newCfg.Notifications.Early != nil))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	if !reflect.DeepEqual(derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)) {
		changed = append(changed, "task_engine")
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS.Driver != nS.Driver || oS.Path != nS.Path || oS.BusyTimeout != nS.BusyTimeout || oS.DSN != nS.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.dsn_set", nS.DSN != ""),
		)
	}

	od, nd := oldCfg.Display, newCfg.Display
	od.Telegram.Token, nd.Telegram.Token = "", ""
	if !reflect.DeepEqual(od, nd) || (oldCfg.Display.Telegram.Token != "") != (newCfg.Display.Telegram.Token != "") {
		changed = append(changed, "display")
		attrs = append(attrs,
			logx.Bool("display.desktop", nd.Desktop.Enabled),
			logx.Bool("display.telegram", nd.Telegram.Enabled),
			logx.Bool("display.hub", nd.Hub.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh != nh {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if oldCfg.Ringtones != newCfg.Ringtones {
		changed = append(changed, "ringtones")
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart filters sections down to those in Restart.
func NeedsRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		for _, r := range Restart {
			if s == r {
				out = append(out, s)
			}
		}
	}
	return out
}

type calendarKey struct {
	Source, CalendarID, BaseURL, ICSURL, Timezone, Host, Timeout, Lifetime string
	MaxResults                                                             int
}

func secretless(c CalendarConfig) calendarKey {
	return calendarKey{
		Source: c.Source, CalendarID: c.CalendarID, BaseURL: c.BaseURL, ICSURL: c.ICSURL,
		Timezone: c.Timezone, Host: c.ConferenceHost, Timeout: c.Timeout, Lifetime: c.TokenLifetime,
		MaxResults: c.MaxResults,
	}
}

func sourceOrDefault(s string) string {
	if s = strings.ToLower(strings.TrimSpace(s)); s == "" {
		return "google"
	}
	return s
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefStorage(sc *StorageConfig) StorageConfig {
	if sc == nil {
		return StorageConfig{}
	}
	return *sc
}
