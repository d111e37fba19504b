package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/satishbabariya/meshsync/cmd"
	"github.com/satishbabariya/meshsync/internal/logger"
)

func main() {
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("Received shutdown signal, gracefully shutting down...")
	}()

	if err := cmd.Execute(ctx, log); err != nil {
		log.WithError(err).Error("Application failed")
		stop()
		os.Exit(1)
	}
}
