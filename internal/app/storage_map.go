package app

import (
	"context"
	"strings"
	"time"

	"reposter/internal/config"
	"reposter/internal/httpapi"
	"reposter/internal/source"
	"reposter/internal/storage"
	logx "reposter/pkg/logx"
)

const defaultSQLitePath = "./data/reposter.db"

func mapStorageConfig(c config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	path := strings.TrimSpace(c.Path)
	if path == "" {
		switch driver {
		case "", "sqlite", "sqlite3":
			path = defaultSQLitePath
		case "file":
			path = "./data"
		}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		},
	}, nil
}

func newSource(c config.SourceConfig, log logx.Logger) (source.Poller, error) {
	timeout := config.DurationOr(c.Timeout, 30*time.Second)
	if strings.EqualFold(strings.TrimSpace(c.Kind), "youtube") {
		return source.NewYouTube(source.YouTubeConfig{
			ChannelID: c.ChannelID,
			APIKey:    c.APIKey,
			BaseURL:   c.BaseURL,
			Timeout:   timeout,
			MaxPages:  c.MaxPages,
			Retries:   c.Retries,
		}, log)
	}
	return source.NewFeed(source.FeedConfig{
		ChannelID: c.ChannelID,
		BaseURL:   c.BaseURL,
		Timeout:   timeout,
		Retries:   c.Retries,
	}, log)
}

func mapHTTPConfig(c config.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:          c.Addr,
		Token:         c.Token,
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
		ReadTimeout:   config.DurationOr(c.ReadTimeout, 30*time.Second),
		WriteTimeout:  config.DurationOr(c.WriteTimeout, 5*time.Minute),
		IdleTimeout:   config.DurationOr(c.IdleTimeout, 2*time.Minute),
	}
}

// OpenStore loads the config and opens only the store. The read-only and
// operator commands use it so they work without reachable destinations.
func OpenStore(ctx context.Context, cfgPath string) (storage.Store, error) {
	if err := config.LoadDotEnv(config.DotEnvFor(cfgPath)...); err != nil {
		return nil, err
	}
	cfg, err := config.NewConfigManager(cfgPath).Load(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, logx.Nop())
}
