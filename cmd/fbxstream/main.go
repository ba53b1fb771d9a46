// Package main is the fbxstream daemon entry point: it loads
// configuration, starts the playlist catalog, the session registry's
// idle sweep, and the HTTP surface, grounded on the teacher's
// cmd/daemon/main.go bootstrap sequence (flag parsing, signal-driven
// shutdown, graceful HTTP server teardown).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fbxstream/fbxstream/internal/catalog"
	"github.com/fbxstream/fbxstream/internal/config"
	"github.com/fbxstream/fbxstream/internal/httpapi"
	"github.com/fbxstream/fbxstream/internal/registry"
	"github.com/fbxstream/fbxstream/internal/session"
	"github.com/fbxstream/fbxstream/internal/xlog"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

const (
	startupTimeout    = 5 * time.Second
	refreshPeriod     = 5 * time.Minute
	queueStallTimeout = 30 * time.Second
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "/etc/fbxstream/config.yaml", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fbxstream %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	xlog.Configure(xlog.Config{Level: "info", Service: "fbxstream"})
	logger := xlog.WithComponent("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat := catalog.New(cfg.Fritzbox.PlaylistURLs)
	if err := cat.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial playlist refresh failed, starting with empty catalog")
	}
	go refreshCatalogLoop(ctx, cat, logger)

	reg := registry.New(registry.Config{
		MaxParallelStreams: cfg.Server.MaxParallelStreams,
		SweepInterval:      time.Second,
		Session: session.Config{
			Invoker:        cfg.InvokerConfig(),
			IdleTimeout:    cfg.Transcoding.IdleTimeout,
			StartupTimeout: startupTimeout,
			RingSize:       4,
			HLSBaseDir:     cfg.HLSBaseDir,
			LogBandwidth:   cfg.Monitoring.ConsoleLogBandwidth,
			QueueStall:     queueStallTimeout,
		},
	}, cat)
	go reg.Run(ctx)

	handler := httpapi.NewServer(reg, cat, httpapi.Config{
		StartupTimeout: startupTimeout,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// WriteTimeout is intentionally unset: fMP4/HLS responses stream
		// indefinitely for the life of a subscriber's connection.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}
	reg.Shutdown()
}

func refreshCatalogLoop(ctx context.Context, cat *catalog.Catalog, logger zerolog.Logger) {
	ticker := time.NewTicker(refreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cat.Refresh(ctx); err != nil {
				logger.Warn().Err(err).Msg("periodic playlist refresh failed")
			}
		}
	}
}
