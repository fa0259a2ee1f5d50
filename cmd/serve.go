package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pixvault/pixvault/internal/api"
	"github.com/pixvault/pixvault/internal/bulk"
	"github.com/pixvault/pixvault/internal/config"
	"github.com/pixvault/pixvault/internal/fetch"
	"github.com/pixvault/pixvault/internal/imageproc"
	"github.com/pixvault/pixvault/internal/logging"
	"github.com/pixvault/pixvault/internal/metrics"
	"github.com/pixvault/pixvault/internal/proxy"
	"github.com/pixvault/pixvault/internal/store"
)

// newServeCmd creates and configures the 'serve' subcommand, which runs
// the HTTP service until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the image service",
		Long: `Starts the HTTP server: image uploads, guarded external fetches,
bulk proxying, retrieval, and namespace deletion.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	st, err := store.New(cfg.Storage.UploadsPath, imageproc.Normalizer{JPEGQuality: cfg.Image.JPEGQuality}, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	registry := proxy.NewRegistry(cfg.Proxy, logger)
	health := proxy.NewHealthTable(cfg.Proxy.BlacklistThreshold, cfg.BlacklistTTL())

	client := fetch.NewClient(fetch.Config{
		MaxBytes:       cfg.Fetch.MaxBytes,
		Timeout:        cfg.FetchTimeout(),
		MaxRetries:     cfg.Fetch.MaxRetries,
		FallbackDirect: cfg.Fetch.FallbackDirect,
		UserAgent:      cfg.Fetch.UserAgent,
		PerHostRPS:     cfg.Fetch.PerHostRPS,
	}, registry, health, logger)
	defer client.Close()

	orchestrator := bulk.New(client, st, cfg.Bulk.Concurrency, cfg.Image.MaxFetchSize, logger)
	server := api.NewServer(st, client, orchestrator, cfg, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.Int("port", cfg.Server.Port),
			zap.Strings("proxy_pools", registry.Names()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
