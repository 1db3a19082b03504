package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "OfflineDownloader", cfg.AppName)
	assert.Equal(t, "data", cfg.InternalDir)
	assert.Empty(t, cfg.ExternalDir)
	assert.Equal(t, int64(0), cfg.CacheMaxBytes)
	assert.Equal(t, 5, cfg.MinRetryCount)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
	assert.Equal(t, 30*time.Second, cfg.Web.ShutdownTimeout)
	assert.Equal(t, 2, cfg.MaxSimultaneousDownloads)
	assert.Equal(t, "@hourly", cfg.CleanupSchedule)
	assert.Equal(t, 24*time.Hour, cfg.TempFileMaxAge)
	assert.Empty(t, cfg.Web.Username)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("EXTERNAL_DIR", "/mnt/sdcard/app")
	t.Setenv("CACHE_MAX_BYTES", "1048576")
	t.Setenv("TELEMETRY_ENABLED", "false")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:8080")
	t.Setenv("WEB_USERNAME", "admin")
	t.Setenv("WEB_PASSWORD", "secret")
	t.Setenv("CLEANUP_SCHEDULE", "*/15 * * * *")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/mnt/sdcard/app", cfg.ExternalDir)
	assert.Equal(t, int64(1048576), cfg.CacheMaxBytes)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.BindAddress)
	assert.Equal(t, "admin", cfg.Web.Username)
	assert.Equal(t, "secret", cfg.Web.Password)
	assert.Equal(t, "*/15 * * * *", cfg.CleanupSchedule)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("APP_NAME=FromDotEnv\nMIN_RETRY_COUNT=3\n"), 0o644))

	t.Cleanup(func() { _ = os.Unsetenv("APP_NAME") })
	t.Setenv("MIN_RETRY_COUNT", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "FromDotEnv", cfg.AppName)
	assert.Equal(t, 7, cfg.MinRetryCount)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestLoadConfig_RejectsNegativeValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"retry count", "MIN_RETRY_COUNT"},
		{"cache size", "CACHE_MAX_BYTES"},
		{"simultaneous downloads", "MAX_SIMULTANEOUS_DOWNLOADS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, "-1")

			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			assert.Equal(t, tt.want, cfg.SlogLevel())
		})
	}
}
