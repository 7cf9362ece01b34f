package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RIDESWEEP_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RIDESWEEP_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "strava.client_id", typ: kString, env: "RIDESWEEP_STRAVA_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Strava.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Strava.ClientID },
	},
	{
		key: "strava.client_secret", typ: kString, env: "RIDESWEEP_STRAVA_CLIENT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Strava.ClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Strava.ClientSecret },
	},
	{
		key: "strava.refresh_token", typ: kString, env: "RIDESWEEP_STRAVA_REFRESH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Strava.RefreshToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Strava.RefreshToken },
	},
	{
		key: "sync.interval", typ: kDuration, env: "RIDESWEEP_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.lookback", typ: kDuration, env: "RIDESWEEP_SYNC_LOOKBACK",
		apply:   func(cfg *Config, v any) { cfg.Sync.Lookback = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Lookback },
	},
	{
		key: "sync.match_window", typ: kDuration, env: "RIDESWEEP_SYNC_MATCH_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Sync.MatchWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.MatchWindow },
	},
	{
		key: "sync.retention", typ: kDuration, env: "RIDESWEEP_SYNC_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Sync.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Retention },
	},
	{
		key: "sync.per_page", typ: kInt, env: "RIDESWEEP_SYNC_PER_PAGE",
		apply:   func(cfg *Config, v any) { cfg.Sync.PerPage = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.PerPage },
	},
	{
		key: "sync.max_pages", typ: kInt, env: "RIDESWEEP_SYNC_MAX_PAGES",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxPages = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxPages },
	},
	{
		key: "hide.max_attempts", typ: kInt, env: "RIDESWEEP_HIDE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Hide.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Hide.MaxAttempts },
	},
	{
		key: "hide.base_delay", typ: kDuration, env: "RIDESWEEP_HIDE_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Hide.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Hide.BaseDelay },
	},
	{
		key: "log.level", typ: kString, env: "RIDESWEEP_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
