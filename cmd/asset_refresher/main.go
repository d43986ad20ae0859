package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kioskmedia/asset_refresher/internal/config"
	"github.com/kioskmedia/asset_refresher/internal/coordinator"
	"github.com/kioskmedia/asset_refresher/internal/fetch"
	"github.com/kioskmedia/asset_refresher/internal/http/rest"
	"github.com/kioskmedia/asset_refresher/internal/logctx"
	"github.com/kioskmedia/asset_refresher/internal/netmon"
	"github.com/kioskmedia/asset_refresher/internal/notifier"
	"github.com/kioskmedia/asset_refresher/internal/revalidate"
	"github.com/kioskmedia/asset_refresher/internal/storage/sqlite"
	"github.com/kioskmedia/asset_refresher/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("asset refresher starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "asset_refresher",
		ServiceVersion: "1.0.0",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tel.Shutdown(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewRefreshRepository(database)

	// =========================================================================
	// Start Network Monitor
	monitor := netmon.NewMonitor(&netmon.DialProbe{
		Address: cfg.ProbeAddress,
		Timeout: cfg.ProbeTimeout,
	}, cfg.ProbeInterval)
	monitor.Start(ctx)

	// =========================================================================
	// Start Download Manager
	manager := fetch.NewManager(cfg.MaxParallel, cfg.FetchTimeout)

	// =========================================================================
	// Start Coordinator
	coord := coordinator.New(
		coordinator.Options{
			AssetURL:         cfg.AssetURL,
			AssetPath:        cfg.AssetPath,
			PreloadAssetPath: cfg.PreloadAssetPath,
			CleanupDelay:     cfg.CleanupDelay,
		},
		monitor,
		manager,
		revalidate.NewChecker(cfg.RevalidateTimeout),
		newRefreshListener(ctx, cfg),
	).WithRecorder(repo).WithTelemetry(tel)

	logger.Info("watching asset",
		"asset_url", cfg.AssetURL,
		"asset_path", cfg.AssetPath,
		"preload_path", cfg.PreloadAssetPath,
	)

	coord.Start(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	statusHandler := rest.NewStatusHandler(coord, cfg.AssetPath, repo, tel.Handler())

	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      statusHandler.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Wait for shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// refreshListener is the coordinator's outward surface: it logs terminal
// outcomes and forwards them to a Discord webhook when one is configured.
type refreshListener struct {
	ctx   context.Context
	notif notifier.Notifier
}

func newRefreshListener(ctx context.Context, cfg *config.Config) *refreshListener {
	l := &refreshListener{ctx: ctx}

	if cfg.DiscordWebhookURL != "" {
		l.notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	return l
}

func (l *refreshListener) OnFileDownloaded(path string) {
	logger := logctx.LoggerFromContext(l.ctx)
	logger.Info("asset is ready", "path", path)

	if l.notif == nil {
		return
	}

	if err := l.notif.Notify("✅ Asset refreshed: " + path); err != nil {
		logger.Error("failed to send notification", "err", err)
	}
}

func (l *refreshListener) OnError() {
	logger := logctx.LoggerFromContext(l.ctx)
	logger.Error("asset unavailable and no network connection")

	if l.notif == nil {
		return
	}

	if err := l.notif.Notify("❌ Asset download failed: no network connection"); err != nil {
		logger.Error("failed to send notification", "err", err)
	}
}
