package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/italolelis/offline_downloader/internal/cleanup"
	"github.com/italolelis/offline_downloader/internal/config"
	"github.com/italolelis/offline_downloader/internal/http/rest"
	"github.com/italolelis/offline_downloader/internal/logctx"
	"github.com/italolelis/offline_downloader/internal/media"
	"github.com/italolelis/offline_downloader/internal/notifier"
	"github.com/italolelis/offline_downloader/internal/offline"
	"github.com/italolelis/offline_downloader/internal/provider"
	"github.com/italolelis/offline_downloader/internal/telemetry"
)

func newServeCommand(ctx context.Context, loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "runs the download manager and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			ctx := setupLogger(ctx, cfg)

			logctx.LoggerFromContext(ctx).Info("offline downloader starting...", "log_level", cfg.LogLevel)

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.AppVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Offline Subsystem
	p := newProvider(cfg, tel, nil)

	defer func() {
		if err := p.Close(); err != nil {
			logger.Error("failed to release offline resources", "err", err)
		}
	}()

	manager, err := p.DownloadManager(ctx)
	if err != nil {
		return err
	}

	tracker, err := p.DownloadTracker(ctx)
	if err != nil {
		return err
	}

	c, err := p.Cache(ctx)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		manager.AddListener(notifier.NewDownloadListener(ctx, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}))
	}

	managerErrors, stopManager := startManager(ctx, manager)

	// Running tasks must stop before the provider releases the cache.
	defer stopManager()

	// =========================================================================
	// Start Cleanup
	dir := p.DownloadDirectory(ctx)

	scheduler, err := cleanup.NewScheduler(ctx, cfg.CleanupSchedule, dir, cfg.TempFileMaxAge)
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}

	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, rest.NewDownloadsHandler(
		cfg.Web.Username,
		cfg.Web.Password,
		tracker,
		manager,
		media.NewProber(c),
		offline.DefaultDeserializers(),
	))

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"dir", dir,
		"action_file", filepath.Join(dir, provider.ActionFile),
		"cleanup_schedule", cfg.CleanupSchedule,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case err := <-managerErrors:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("download manager stopped: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("start shutdown")

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

type downloadRunner interface {
	Run(ctx context.Context) error
}

// startManager runs m in the background. stop cancels the run and returns once
// Run has returned.
func startManager(ctx context.Context, m downloadRunner) (<-chan error, func()) {
	ctx, cancel := context.WithCancel(ctx)
	errs := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		errs <- m.Run(ctx)
	}()

	return errs, func() {
		cancel()
		<-done
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, h *rest.DownloadsHandler) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", h.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
