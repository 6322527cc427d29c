package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sdmd/internal/machine"
	"github.com/fyrsmithlabs/sdmd/internal/push"
)

var watchHead bool

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Run goals for each new commit in a local repository",
	Long: `Watch follows HEAD of the repository at path (default ".") and handles
every new commit as a push, cloning from the local repository. GitHub
credentials are ignored.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchHead, "head", false, "also handle the current HEAD on start")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path := "."
	if len(args) == 1 {
		path = args[0]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.GitHub.Token = ""
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	w, err := push.NewLocalWatcher(path, logger.Underlying())
	if err != nil {
		return err
	}
	defer w.Stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	handle := func(ev *push.Event) {
		run, err := d.machine.HandlePush(ctx, ev)
		switch {
		case errors.Is(err, machine.ErrNoGoals):
			logger.Info(ctx, "no goals for commit", zap.String("sha", ev.Sha))
		case err != nil:
			logger.Error(ctx, "commit not handled", zap.String("sha", ev.Sha), zap.Error(err))
		default:
			logger.Info(ctx, "goals requested for commit",
				zap.String("sha", ev.Sha),
				zap.String("goal_set_id", run.SetID),
				zap.Int("goals", len(run.Events)))
		}
	}

	if watchHead {
		ev, err := w.Current()
		if err != nil {
			_ = d.Close(context.Background())
			return err
		}
		handle(ev)
	}

	if err := w.Start(ctx); err != nil {
		_ = d.Close(context.Background())
		return err
	}
	logger.Info(ctx, "watching repository", zap.String("path", w.Root()), zap.String("repo", w.Repo().Slug()))

loop:
	for {
		select {
		case ev := <-w.Events():
			handle(&ev)
		case <-ctx.Done():
			logger.Info(ctx, "shutdown signal received")
			break loop
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	return d.Close(shutdownCtx)
}
