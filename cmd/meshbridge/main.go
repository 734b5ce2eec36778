package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aminovpavel/meshbridge-go/internal/app"
	"github.com/aminovpavel/meshbridge-go/internal/config"
	"github.com/aminovpavel/meshbridge-go/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (defaults to config.yaml in cwd)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "meshbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.New(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, observability.WithJSON(cfg.LogJSON))
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()

	svc, err := app.New(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("shutdown error", slog.Any("error", err))
		}
	}()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
