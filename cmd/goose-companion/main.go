package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/goose-companion/internal/app"
	"github.com/ent0n29/goose-companion/internal/config"
	"github.com/ent0n29/goose-companion/internal/logging"
)

func main() {
	log := logging.Init()
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Errorw("config error", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	built, err := app.Build(ctx, cfg)
	if err != nil {
		log.Errorw("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Warnw("cleanup failed", "error", err)
		}
	}()
	log.Infow("transcript store ready", "mode", built.TranscriptMode)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	if err := built.Directory.Refresh(runCtx); err != nil {
		log.Warnw("initial session refresh failed", "goose_url", cfg.GooseBaseURL, "error", err)
	}
	built.Directory.StartRefresher(runCtx, cfg.SessionRefreshInterval)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Infow("shutdown signal received")
	case err := <-serveErr:
		log.Errorw("listen error", "error", err)
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	log.Infow("shutdown complete")
}
