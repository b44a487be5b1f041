package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"docqa/internal/app"
	"docqa/internal/config"
	"docqa/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logger.ParseLevel(cfg.LogLevel)})
	log := slog.New(logger.NewContextHandler(handler))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("application exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			log.Warn("failed to release dependencies", "error", err)
		}
	}()

	application, err := app.New(cfg, deps)
	if err != nil {
		return err
	}

	log.Info("worker starting", "store", cfg.StoreBackend, "transport", cfg.Transport)
	return application.Run(ctx)
}
