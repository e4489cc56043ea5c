package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/logger"
)

// Set at build time via -ldflags.
var (
	version = "dev"     // -X main.version=...
	commit  = "unknown" // -X main.commit=...
	date    = "unknown" // -X main.date=...
)

func main() {
	config.SetVersion(version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		logger.Info("received termination signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	Execute(ctx)
}
