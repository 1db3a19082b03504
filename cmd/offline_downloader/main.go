package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/italolelis/offline_downloader/internal/cache"
	"github.com/italolelis/offline_downloader/internal/config"
	"github.com/italolelis/offline_downloader/internal/datasource"
	"github.com/italolelis/offline_downloader/internal/logctx"
	"github.com/italolelis/offline_downloader/internal/provider"
	"github.com/italolelis/offline_downloader/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(ctx).Execute(); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func newRootCommand(ctx context.Context) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:          "offline_downloader",
		Short:        "keeps media available offline",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "read configuration from this file instead of .env")

	loadConfig := func() (*config.Config, error) {
		if envFile != "" {
			return config.LoadConfig(envFile)
		}

		return config.LoadConfig()
	}

	cmd.AddCommand(newServeCommand(ctx, loadConfig), newFetchCommand(ctx, loadConfig))

	return cmd
}

// setupLogger installs the JSON logger on ctx and as the slog default.
func setupLogger(ctx context.Context, cfg *config.Config) context.Context {
	logger := slog.New(logctx.NewContextHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	return logctx.WithLogger(ctx, logger)
}

func newProvider(cfg *config.Config, tel *telemetry.Telemetry, listener datasource.TransferListener) *provider.Provider {
	var evictor cache.Evictor = cache.NoOpEvictor{}
	if cfg.CacheMaxBytes > 0 {
		evictor = cache.NewLRUEvictor(cfg.CacheMaxBytes)
	}

	return provider.New(provider.Options{
		AppName:                  cfg.AppName,
		AppVersion:               cfg.AppVersion,
		ExternalDir:              cfg.ExternalDir,
		InternalDir:              cfg.InternalDir,
		Evictor:                  evictor,
		MaxSimultaneousDownloads: cfg.MaxSimultaneousDownloads,
		MinRetryCount:            cfg.MinRetryCount,
		TransferListener:         listener,
		Telemetry:                tel,
	})
}
