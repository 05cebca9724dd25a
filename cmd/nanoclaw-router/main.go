// Command nanoclaw-router is the entrypoint for the Router (C10): it loads
// configuration, wires every component, and runs until an interrupt or
// termination signal triggers a graceful shutdown (§4.10, §5).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nanoclaw/nanoclaw/internal/common/config"
	"github.com/nanoclaw/nanoclaw/internal/common/logger"
	"github.com/nanoclaw/nanoclaw/internal/router"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	lg, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	logger.SetDefault(lg)
	defer func() { _ = lg.Sync() }()

	r, err := router.New(cfg, lg)
	if err != nil {
		lg.Fatal("failed to build router", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	lg.Info("nanoclaw-router started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	lg.Info("shutdown signal received, draining")
	cancel()

	if err := r.Shutdown(context.Background()); err != nil {
		lg.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}
	lg.Info("nanoclaw-router stopped cleanly")
}
