package config

// Config is the whole reposter configuration file. One value is built at
// startup and handed to constructors; nothing reads configuration globally.
type Config struct {
	Source       SourceConfig                 `json:"source"`
	Storage      StorageConfig                `json:"storage"`
	Dispatcher   DispatcherConfig             `json:"dispatcher"`
	Destinations map[string]DestinationConfig `json:"destinations"`
	Scheduler    SchedulerConfig              `json:"scheduler"`
	HTTP         HTTPConfig                   `json:"http"`
	Logging      LoggingConfig                `json:"logging"`
	Telemetry    TelemetryConfig              `json:"telemetry"`
}

// SourceConfig selects where new items come from.
//
// Kind is "youtube" (Data API v3, needs api_key) or "feed" (the public
// channel Atom feed). BaseURL overrides the upstream host; tests point it
// at an httptest server.
type SourceConfig struct {
	Kind      string `json:"kind"`
	ChannelID string `json:"channel_id"`
	APIKey    string `json:"api_key,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	Timeout   string `json:"timeout,omitempty"` // Go duration, default 30s
	MaxPages  int    `json:"max_pages,omitempty"`
	Retries   int    `json:"retries,omitempty"`
}

// StorageConfig controls the item and watermark store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/reposter.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"` // sqlite (default), file, redis
	Path        string      `json:"path"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite only
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type DispatcherConfig struct {
	// SendTimeout bounds a single destination attempt. Default 2m.
	SendTimeout string `json:"send_timeout,omitempty"`
	// HistorySize is how many cycle summaries are kept for /api/cycles.
	HistorySize int `json:"history_size,omitempty"`
}

// DestinationConfig describes one destination entry. The map key is the
// destination id; Kind defaults to the id, so "mastodon": {...} works
// without repeating itself.
//
// Credentials are adapter specific. A configured destination whose
// required credentials are missing is reported as skipped, never as failed.
type DestinationConfig struct {
	Enabled     *bool             `json:"enabled,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	BaseURL     string            `json:"base_url,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Template    TemplateConfig    `json:"template,omitempty"`
	Retry       RetryConfig       `json:"retry,omitempty"`
	RatePerSec  float64           `json:"rate_per_sec,omitempty"`
}

func (d DestinationConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// TemplateConfig overrides the per-kind rendering defaults.
type TemplateConfig struct {
	MaxLen       *int     `json:"max_len,omitempty"`
	Layout       string   `json:"layout,omitempty"`
	Hashtags     []string `json:"hashtags,omitempty"`
	Ellipsis     string   `json:"ellipsis,omitempty"`
	IncludeLink  *bool    `json:"include_link,omitempty"`
	IncludeMedia *bool    `json:"include_media,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Delay       string `json:"delay,omitempty"` // Go duration
}

// SchedulerConfig controls the periodic poll trigger.
//
// Spec accepts a cron expression (seconds optional), "@every 15m",
// a bare Go duration ("15m") or an "HH:MM" interval ("00:15").
type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Spec       string `json:"spec,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

// HTTPConfig controls the operational API.
//
// Security note: bind to localhost or set a token. Binding elsewhere
// without a token requires allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warnings to a configured destination (telegram).
type LoggingAlert struct {
	Enabled     bool   `json:"enabled"`
	Destination string `json:"destination,omitempty"`
	MinLevel    string `json:"min_level,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type TelemetryConfig struct {
	NSQ NSQConfig `json:"nsq,omitempty"`
}

// NSQConfig publishes every finished cycle summary to an nsqd topic.
type NSQConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // nsqd TCP address, default 127.0.0.1:4150
	Topic   string `json:"topic,omitempty"`
}
