// Package config centralises configuration: compiled defaults, a JSON file
// backend at the XDG config path, and RIDESWEEP_* environment overrides.
// Secrets (client secret, refresh token, API token) are env-only and never
// written to the config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Server  ServerConfig
	Strava  StravaConfig
	Storage StorageConfig
	Sync    SyncConfig
	Hide    HideConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StravaConfig struct {
	ClientID     string
	ClientSecret string
	// RefreshToken seeds the very first token exchange; after that the
	// rotated token persisted in storage wins.
	RefreshToken string
}

type StorageConfig struct {
	DataDir string
}

type SyncConfig struct {
	Interval    time.Duration // cadence of resolution cycles
	Lookback    time.Duration // how far back the activity fetch reaches
	MatchWindow time.Duration // max indoor/virtual start-time gap
	Retention   time.Duration // decision cache age bound; 0 keeps forever
	PerPage     int
	MaxPages    int
}

type HideConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4800,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			Interval:    15 * time.Minute,
			Lookback:    48 * time.Hour,
			MatchWindow: time.Hour,
			Retention:   720 * time.Hour,
			PerPage:     50,
			MaxPages:    4,
		},
		Hide: HideConfig{
			MaxAttempts: 4,
			BaseDelay:   500 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "ridesweep-data"
		}
	}
	return filepath.Join(dir, "ridesweep")
}

// Load assembles the configuration: defaults, then the JSON file backend,
// then environment overrides. A missing Strava client ID or secret is a
// startup error; the refresh token may legitimately be absent once a
// rotated credential has been persisted, so it is validated later against
// storage.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Strava.ClientID == "" || cfg.Strava.ClientSecret == "" {
		return Config{}, fmt.Errorf(
			"missing required config: Strava API credentials. " +
				"Set RIDESWEEP_STRAVA_CLIENT_ID and RIDESWEEP_STRAVA_CLIENT_SECRET")
	}

	return cfg, nil
}

// GetAPIToken returns the bearer token protecting the management API: the
// RIDESWEEP_API_TOKEN env var when set, otherwise a token generated on
// first use and kept in the data directory.
func GetAPIToken(dataDir string) (string, error) {
	if tok := os.Getenv("RIDESWEEP_API_TOKEN"); tok != "" {
		return tok, nil
	}

	path := filepath.Join(dataDir, "api_token")
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("reading API token: %w", err)
	}

	token := uuid.New().String()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("writing API token: %w", err)
	}
	return token, nil
}
