package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	AppName    string `envconfig:"APP_NAME" default:"OfflineDownloader"`
	AppVersion string `envconfig:"APP_VERSION" default:"dev"`

	// ExternalDir is the preferred root for download state. When it is empty or
	// not writable the InternalDir is used instead.
	ExternalDir string `envconfig:"EXTERNAL_DIR"`
	InternalDir string `envconfig:"INTERNAL_DIR" default:"data"`

	// CacheMaxBytes bounds the content cache. Zero keeps every downloaded byte.
	CacheMaxBytes            int64 `envconfig:"CACHE_MAX_BYTES" default:"0"`
	MinRetryCount            int   `envconfig:"MIN_RETRY_COUNT" default:"5"`
	MaxSimultaneousDownloads int   `envconfig:"MAX_SIMULTANEOUS_DOWNLOADS" default:"2"`

	// CleanupSchedule is a cron expression for the stale temp file sweep.
	CleanupSchedule string        `envconfig:"CLEANUP_SCHEDULE" default:"@hourly"`
	TempFileMaxAge  time.Duration `envconfig:"TEMP_FILE_MAX_AGE" default:"24h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"offline_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads envFiles, or .env in the working directory when none are
// given, then environment variables, and populates the Config struct. Missing
// files are skipped. Variables already set in the environment win over files.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MinRetryCount < 0 {
		return nil, fmt.Errorf("MIN_RETRY_COUNT must not be negative, got %d", cfg.MinRetryCount)
	}

	if cfg.CacheMaxBytes < 0 {
		return nil, fmt.Errorf("CACHE_MAX_BYTES must not be negative, got %d", cfg.CacheMaxBytes)
	}

	if cfg.MaxSimultaneousDownloads < 1 {
		return nil, fmt.Errorf("MAX_SIMULTANEOUS_DOWNLOADS must be positive, got %d", cfg.MaxSimultaneousDownloads)
	}

	if cfg.Web.Password != "" && cfg.Web.Username == "" {
		return nil, errors.New("WEB_PASSWORD is set without WEB_USERNAME")
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
