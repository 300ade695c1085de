package config

// Config is the on-disk configuration. JSON or YAML; all durations are Go
// duration strings ("30s", "1m").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Calendar      CalendarConfig      `json:"calendar"`
	Poll          PollConfig          `json:"poll"`
	Notifications NotificationsConfig `json:"notifications"`

	// Scheduler holds the time zone cron specs (poll, maintenance) run in.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution. If omitted, one worker runs every task
	// so poll, trigger and maintenance turns never interleave.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage   *StorageConfig  `json:"storage,omitempty"`
	Display   DisplayConfig   `json:"display"`
	HTTP      HTTPConfig      `json:"http"`
	Ringtones RingtonesConfig `json:"ringtones"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// CalendarConfig selects the event source.
//
// Example:
//
//	"calendar": { "source": "google", "calendar_id": "primary",
//	              "refresh_command": ["gcloud", "auth", "print-access-token"] }
type CalendarConfig struct {
	// Source is "google" (default) or "ics".
	Source     string `json:"source,omitempty"`
	CalendarID string `json:"calendar_id,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	ICSURL     string `json:"ics_url,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	// ConferenceHost is the host a conference link must point at.
	ConferenceHost string `json:"conference_host,omitempty"`
	MaxResults     int    `json:"max_results,omitempty"`
	Timeout        string `json:"timeout,omitempty"`

	// Token seeds the credential store (do not log).
	Token          string   `json:"token,omitempty"`
	RefreshCommand []string `json:"refresh_command,omitempty"`
	TokenLifetime  string   `json:"token_lifetime,omitempty"`
}

type PollConfig struct {
	Interval    string `json:"interval,omitempty"`
	Lookahead   string `json:"lookahead,omitempty"`
	ResyncSlack string `json:"resync_slack,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	// Maintenance is a cron spec; default "@daily".
	Maintenance string `json:"maintenance,omitempty"`
}

type NotificationsConfig struct {
	// Early seeds the early-alert settings; a hot reload overwrites the
	// stored value.
	Early *EarlyConfig `json:"early,omitempty"`
}

type EarlyConfig struct {
	Enabled   bool       `json:"enabled"`
	Fifteen   KindConfig `json:"fifteen"`
	Ten       KindConfig `json:"ten"`
	Five      KindConfig `json:"five"`
	MainSound bool       `json:"main_sound"`
}

type KindConfig struct {
	Enabled bool `json:"enabled"`
	Sound   bool `json:"sound"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 1
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 100
//   - retry_max: 0
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the persistence driver: memory, file, sqlite or
// postgres.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./meetbell.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type DisplayConfig struct {
	Desktop  DesktopConfig  `json:"desktop"`
	Telegram TelegramConfig `json:"telegram"`
	Hub      HubConfig      `json:"hub"`
}

type DesktopConfig struct {
	Enabled bool   `json:"enabled"`
	AppName string `json:"app_name,omitempty"`
	Icon    string `json:"icon,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"` // do not log
	ChatID      int64  `json:"chat_id,omitempty"`
	ThreadID    int    `json:"thread_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type HubConfig struct {
	Enabled bool     `json:"enabled"`
	Origins []string `json:"origins,omitempty"`
}

// HTTPConfig controls the control API.
//
// Binding to a non-loopback address requires a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type RingtonesConfig struct {
	Dir     string `json:"dir,omitempty"`
	Default string `json:"default,omitempty"`
}
