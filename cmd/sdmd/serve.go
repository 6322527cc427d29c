package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	sdmdhttp "github.com/fyrsmithlabs/sdmd/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the GitHub webhook and goal API",
	Long: `Serve accepts GitHub push webhooks, plans goals for each push and runs
them. Goal state is listed at /api/v1/goals/{owner}/{repo}/{sha}, and side
effects or approvals are reported by POSTing to the goal's key.

Examples:
  # Environment-only configuration
  GITHUB_TOKEN=... GITHUB_WEBHOOK_SECRET=... sdmd serve --rules goals.yaml

  # YAML configuration with NATS-backed goal state
  NATS_URL=nats://localhost:4222 sdmd serve --config sdmd.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting sdmd",
		zap.Int("port", cfg.Server.Port),
		zap.String("rules", cfg.Goals.RulesFile),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	srv, err := sdmdhttp.NewServer(d.machine, d.store, logger.Underlying(), &sdmdhttp.Config{
		Host:          "0.0.0.0",
		Port:          cfg.Server.Port,
		WebhookSecret: cfg.GitHub.WebhookSecret.Value(),
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
	})
	if err != nil {
		_ = d.Close(context.Background())
		return err
	}
	if !cfg.GitHub.WebhookSecret.IsSet() {
		logger.Warn(ctx, "GITHUB_WEBHOOK_SECRET not set, webhook disabled")
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	select {
	case err = <-serverErrors:
		if err != nil {
			logger.Error(ctx, "server error", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	errs := []error{err}
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", serr))
	}
	if derr := d.Close(shutdownCtx); derr != nil {
		errs = append(errs, derr)
	}
	logger.Info(ctx, "sdmd stopped")
	return errors.Join(errs...)
}
