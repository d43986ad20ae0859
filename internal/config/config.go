package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	AssetURL         string `envconfig:"ASSET_URL" required:"true"`
	AssetPath        string `envconfig:"ASSET_PATH" required:"true"`
	PreloadAssetPath string `envconfig:"PRELOAD_ASSET_PATH"`

	CleanupDelay      time.Duration `envconfig:"CLEANUP_DELAY" default:"2s"`
	ProbeAddress      string        `envconfig:"PROBE_ADDRESS" default:"1.1.1.1:443"`
	ProbeInterval     time.Duration `envconfig:"PROBE_INTERVAL" default:"5s"`
	ProbeTimeout      time.Duration `envconfig:"PROBE_TIMEOUT" default:"3s"`
	FetchTimeout      time.Duration `envconfig:"FETCH_TIMEOUT" default:"30m"`
	RevalidateTimeout time.Duration `envconfig:"REVALIDATE_TIMEOUT" default:"30s"`

	MaxParallel       int    `envconfig:"MAX_PARALLEL" default:"2"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string `envconfig:"DB_PATH" default:"refreshes.db"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
