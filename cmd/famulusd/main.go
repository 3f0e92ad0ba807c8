// famulusd runs the agent runtime as a local daemon: worker pool, CRON
// scheduler, and the job service. The HTTP surface is provided by the
// embedding application; this binary is the headless core.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mwalkowiak/famulus/internal/app"
	"github.com/mwalkowiak/famulus/internal/config"
)

func main() {
	cfg := config.Load(os.Getenv("FAMULUS_CONFIG"))

	level := slog.LevelInfo
	if os.Getenv("FAMULUS_DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	a.Start(ctx)
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}
