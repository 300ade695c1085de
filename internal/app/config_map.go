package app

import (
	"cmp"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"meetbell/internal/alerting"
	"meetbell/internal/calendar"
	"meetbell/internal/config"
	"meetbell/internal/display/desktop"
	"meetbell/internal/display/telegram"
	"meetbell/internal/httpapi"
	"meetbell/internal/meeting"
	"meetbell/internal/ringtone"
	"meetbell/internal/storage"
	"meetbell/internal/task/engine"
	"meetbell/internal/task/scheduler"
	"meetbell/pkg/logx"
)

const (
	defaultPollInterval = "@every 1m"
	defaultMaintenance  = "@daily"
	defaultPollTimeout  = 45 * time.Second
	defaultHTTPTimeout  = 20 * time.Second
	defaultTokenLife    = time.Hour
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTaskEngineConfig defaults to a single worker so poll cycles, trigger
// fires and maintenance run one at a time.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true, Workers: 1, QueueSize: 64, HistorySize: 100}
	if cfg == nil || cfg.TaskEngine == nil {
		return out, nil
	}
	te := cfg.TaskEngine
	switch {
	case te.Workers < 0:
		return engine.Config{}, errors.New("task_engine.workers must be >= 0")
	case te.QueueSize < 0:
		return engine.Config{}, errors.New("task_engine.queue_size must be >= 0")
	case te.HistorySize < 0:
		return engine.Config{}, errors.New("task_engine.history_size must be >= 0")
	case te.RetryMax < 0:
		return engine.Config{}, errors.New("task_engine.retry_max must be >= 0")
	}
	out.Workers = cmp.Or(te.Workers, out.Workers)
	out.QueueSize = cmp.Or(te.QueueSize, out.QueueSize)
	out.HistorySize = cmp.Or(te.HistorySize, out.HistorySize)
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Timezone: tz}, nil
}

type pollSettings struct {
	Schedule    string
	Maintenance string
	Timeout     time.Duration
	Lookahead   time.Duration
	ResyncSlack time.Duration
}

func mapPollConfig(cfg *config.Config) (pollSettings, error) {
	pc := cfg.Poll
	ps := pollSettings{
		Schedule:    cmp.Or(strings.TrimSpace(pc.Interval), defaultPollInterval),
		Maintenance: cmp.Or(strings.TrimSpace(pc.Maintenance), defaultMaintenance),
	}
	if _, err := scheduler.ParseSchedule(ps.Schedule); err != nil {
		return pollSettings{}, fmt.Errorf("poll.interval: %w", err)
	}
	if _, err := scheduler.ParseSchedule(ps.Maintenance); err != nil {
		return pollSettings{}, fmt.Errorf("poll.maintenance: %w", err)
	}
	var err error
	if ps.Timeout, err = config.ParseDurationOrDefault("poll.timeout", pc.Timeout, defaultPollTimeout); err != nil {
		return pollSettings{}, err
	}
	if ps.Lookahead, err = config.ParseDurationOrDefault("poll.lookahead", pc.Lookahead, calendar.DefaultLookahead); err != nil {
		return pollSettings{}, err
	}
	if strings.TrimSpace(pc.ResyncSlack) != "" {
		if ps.ResyncSlack, err = config.ParseDurationField("poll.resync_slack", pc.ResyncSlack); err != nil {
			return pollSettings{}, err
		}
	} else {
		ps.ResyncSlack = calendar.DefaultResyncSlack
	}
	return ps, nil
}

// calendarSettings is the validated calendar section.
type calendarSettings struct {
	Source   string
	Google   calendar.GoogleConfig
	ICS      calendar.ICSConfig
	Location *time.Location
	Host     string
	// Refresher is nil when no token source is configured; the API can
	// still set one.
	Refresher calendar.Refresher
}

func mapCalendarConfig(cfg *config.Config) (calendarSettings, error) {
	cc := cfg.Calendar
	timeout, err := config.ParseDurationOrDefault("calendar.timeout", cc.Timeout, defaultHTTPTimeout)
	if err != nil {
		return calendarSettings{}, err
	}
	lifetime, err := config.ParseDurationOrDefault("calendar.token_lifetime", cc.TokenLifetime, defaultTokenLife)
	if err != nil {
		return calendarSettings{}, err
	}
	tz := cmp.Or(strings.TrimSpace(cc.Timezone), strings.TrimSpace(cfg.Scheduler.Timezone))
	loc := time.Local
	if tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return calendarSettings{}, fmt.Errorf("calendar.timezone: invalid %q: %w", tz, err)
		}
	}
	if cc.MaxResults < 0 {
		return calendarSettings{}, errors.New("calendar.max_results must be >= 0")
	}

	out := calendarSettings{
		Source:   strings.ToLower(cmp.Or(strings.TrimSpace(cc.Source), "google")),
		Location: loc,
		Host:     strings.TrimSpace(cc.ConferenceHost),
	}
	switch out.Source {
	case "google":
		out.Google = calendar.GoogleConfig{
			BaseURL:    strings.TrimSpace(cc.BaseURL),
			CalendarID: cmp.Or(strings.TrimSpace(cc.CalendarID), "primary"),
			MaxResults: cc.MaxResults,
			Timeout:    timeout,
		}
		switch {
		case len(cc.RefreshCommand) > 0:
			out.Refresher = calendar.CommandRefresher{Command: cc.RefreshCommand, Lifetime: lifetime, Timeout: timeout}
		case strings.TrimSpace(cc.Token) != "":
			out.Refresher = calendar.StaticRefresher{Token: strings.TrimSpace(cc.Token), Lifetime: lifetime}
		}
	case "ics":
		if strings.TrimSpace(cc.ICSURL) == "" {
			return calendarSettings{}, errors.New("calendar.ics_url is required when calendar.source=ics")
		}
		out.ICS = calendar.ICSConfig{URL: strings.TrimSpace(cc.ICSURL), Timezone: tz, Timeout: timeout}
	default:
		return calendarSettings{}, fmt.Errorf("unknown calendar.source: %s", cc.Source)
	}
	return out, nil
}

// calendarParts is what buildCalendar wires into the alerting service.
type calendarParts struct {
	Fetcher    alerting.Fetcher
	Auth       *calendar.Auth // nil for ics
	Normalizer *meeting.Normalizer
}

func buildCalendar(cs calendarSettings, ps pollSettings, store storage.Store, log logx.Logger) (calendarParts, error) {
	client := &http.Client{}
	pc := calendar.PollerConfig{Lookahead: ps.Lookahead, ResyncSlack: ps.ResyncSlack, Location: cs.Location}
	parts := calendarParts{
		Normalizer: meeting.NewNormalizer(meeting.NormalizerConfig{Host: cs.Host, Location: cs.Location}, log),
	}
	switch cs.Source {
	case "ics":
		src, err := calendar.NewICSSource(cs.ICS, client, log)
		if err != nil {
			return calendarParts{}, err
		}
		parts.Fetcher = calendar.NewPoller(src, nil, store, pc, log)
	default:
		auth := calendar.NewAuth(store, cs.Refresher, log)
		src := calendar.NewGoogleSource(cs.Google, auth, client, log)
		parts.Fetcher = calendar.NewPoller(src, auth, store, pc, log)
		parts.Auth = auth
	}
	return parts, nil
}

func mapEarlySettings(cfg *config.Config) (alerting.EarlySettings, bool) {
	ec := cfg.Notifications.Early
	if ec == nil {
		return alerting.DefaultEarlySettings(), false
	}
	return alerting.EarlySettings{
		Enabled:   ec.Enabled,
		Fifteen:   alerting.KindSetting{Enabled: ec.Fifteen.Enabled, Sound: ec.Fifteen.Sound},
		Ten:       alerting.KindSetting{Enabled: ec.Ten.Enabled, Sound: ec.Ten.Sound},
		Five:      alerting.KindSetting{Enabled: ec.Five.Enabled, Sound: ec.Five.Sound},
		MainSound: ec.MainSound,
	}, true
}

type displaySettings struct {
	Desktop  *desktop.Config
	Telegram *telegram.Config
	Hub      bool
	Origins  []string
}

func mapDisplayConfig(cfg *config.Config) (displaySettings, error) {
	dc := cfg.Display
	var out displaySettings
	if dc.Desktop.Enabled {
		timeout, err := config.ParseDurationField("display.desktop.timeout", dc.Desktop.Timeout)
		if err != nil {
			return displaySettings{}, err
		}
		out.Desktop = &desktop.Config{AppName: dc.Desktop.AppName, Icon: dc.Desktop.Icon, Timeout: timeout}
	}
	if dc.Telegram.Enabled {
		if strings.TrimSpace(dc.Telegram.Token) == "" {
			return displaySettings{}, errors.New("display.telegram.token is required when telegram is enabled")
		}
		if dc.Telegram.ChatID == 0 {
			return displaySettings{}, errors.New("display.telegram.chat_id is required when telegram is enabled")
		}
		if dc.Telegram.RatePerSec < 0 {
			return displaySettings{}, errors.New("display.telegram.rate_per_sec must be >= 0")
		}
		pt, err := config.ParseDurationOrDefault("display.telegram.poll_timeout", dc.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return displaySettings{}, err
		}
		out.Telegram = &telegram.Config{
			Token:       strings.TrimSpace(dc.Telegram.Token),
			ChatID:      dc.Telegram.ChatID,
			ThreadID:    dc.Telegram.ThreadID,
			PollTimeout: pt,
			RatePerSec:  dc.Telegram.RatePerSec,
		}
	}
	if dc.Hub.Enabled {
		if !cfg.HTTP.Enabled {
			return displaySettings{}, errors.New("display.hub requires http.enabled")
		}
		out.Hub = true
		out.Origins = dc.Hub.Origins
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	hc := cfg.HTTP
	out := httpapi.ServerConfig{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second); err != nil {
		return httpapi.ServerConfig{}, err
	}
	// pprof profiles stream for up to 30s by default.
	writeDef := 15 * time.Second
	if hc.Pprof {
		writeDef = 60 * time.Second
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, writeDef); err != nil {
		return httpapi.ServerConfig{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.ServerConfig{}, err
	}
	return out, nil
}

func mapRingtoneConfig(cfg *config.Config) ringtone.Config {
	return ringtone.Config{Dir: strings.TrimSpace(cfg.Ringtones.Dir), Default: strings.TrimSpace(cfg.Ringtones.Default)}
}

// validate checks every section the way startup maps it, so a hot reload
// that would fail to apply is rejected before commit.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCalendarConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDisplayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
