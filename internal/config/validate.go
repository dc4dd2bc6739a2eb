package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "reposter/pkg/logx"
)

const (
	DefaultSendTimeout   = 2 * time.Minute
	DefaultSourceTimeout = 30 * time.Second
	DefaultHistorySize   = 20
	DefaultHTTPAddr      = "127.0.0.1:8080"
	DefaultNSQAddr       = "127.0.0.1:4150"
	DefaultNSQTopic      = "reposter.cycles"
)

// Validate performs the static checks that do not need any collaborator.
// Schedule syntax is checked by the scheduler's validator hook.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch strings.ToLower(strings.TrimSpace(cfg.Source.Kind)) {
	case "youtube":
		if strings.TrimSpace(cfg.Source.APIKey) == "" {
			add("source.api_key is required for kind youtube")
		}
	case "feed", "":
	default:
		add("source.kind: unknown %q", cfg.Source.Kind)
	}
	if strings.TrimSpace(cfg.Source.ChannelID) == "" {
		add("source.channel_id is required")
	}
	if _, err := ParseDurationField("source.timeout", cfg.Source.Timeout); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
			add("storage.redis.addr is required for driver redis")
		}
	default:
		add("storage.driver: unknown %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if _, err := ParseDurationField("dispatcher.send_timeout", cfg.Dispatcher.SendTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Dispatcher.HistorySize < 0 {
		add("dispatcher.history_size must be >= 0")
	}

	for id, d := range cfg.Destinations {
		if strings.TrimSpace(id) == "" {
			add("destinations: empty id")
			continue
		}
		if d.Retry.MaxAttempts < 0 {
			add("destinations.%s.retry.max_attempts must be >= 0", id)
		}
		if _, err := ParseDurationField("destinations."+id+".retry.delay", d.Retry.Delay); err != nil {
			errs = append(errs, err)
		}
		if d.Template.MaxLen != nil && *d.Template.MaxLen < 0 {
			add("destinations.%s.template.max_len must be >= 0", id)
		}
		if d.RatePerSec < 0 {
			add("destinations.%s.rate_per_sec must be >= 0", id)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Telemetry.NSQ.Enabled && strings.TrimSpace(cfg.Telemetry.NSQ.Topic) == "" {
		add("telemetry.nsq.topic is required when nsq is enabled")
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown %q", cfg.Logging.Level)
	}
	if cfg.Logging.Alert.Enabled {
		if !logx.ValidLevel(cfg.Logging.Alert.MinLevel) {
			add("logging.alert.min_level: unknown %q", cfg.Logging.Alert.MinLevel)
		}
		if strings.TrimSpace(cfg.Logging.Alert.Destination) == "" {
			add("logging.alert.destination is required when alerts are enabled")
		}
	}

	return errors.Join(errs...)
}

// LoggingToLogx maps the logging section onto the logx service config.
func LoggingToLogx(c LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}
}
