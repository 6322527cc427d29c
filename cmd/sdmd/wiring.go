package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sdmd/internal/autofix"
	"github.com/fyrsmithlabs/sdmd/internal/config"
	"github.com/fyrsmithlabs/sdmd/internal/execution"
	"github.com/fyrsmithlabs/sdmd/internal/fulfillment"
	"github.com/fyrsmithlabs/sdmd/internal/github"
	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/hooks"
	"github.com/fyrsmithlabs/sdmd/internal/jobs"
	"github.com/fyrsmithlabs/sdmd/internal/logging"
	"github.com/fyrsmithlabs/sdmd/internal/machine"
	"github.com/fyrsmithlabs/sdmd/internal/notify"
	"github.com/fyrsmithlabs/sdmd/internal/planning"
	"github.com/fyrsmithlabs/sdmd/internal/project"
	"github.com/fyrsmithlabs/sdmd/internal/secrets"
	"github.com/fyrsmithlabs/sdmd/internal/store"
	"github.com/fyrsmithlabs/sdmd/internal/telemetry"
)

// daemon holds everything serve and watch run with.
type daemon struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	nc        *nats.Conn
	temporal  client.Client
	github    *github.Client
	store     store.GoalStore
	cache     *project.CachingLoader
	machine   *machine.Machine
}

// newDaemon connects infrastructure and assembles the machine:
//  1. Telemetry
//  2. Goal store (NATS JetStream or memory) and notification sink
//  3. GitHub client, when a token is configured
//  4. Project loaders (clone, cache, lazy remote reads)
//  5. Goal executor with hooks and log redaction
//  6. Push rules and their fulfillments
func newDaemon(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = d.Close(context.Background())
		}
	}()
	zl := logger.Underlying()

	d.telemetry, err = telemetry.New(ctx, telemetry.ConfigFromApp(cfg.Observability, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")))
	if err != nil {
		return nil, err
	}

	var sink notify.Sink = notify.NewLogSink(zl)
	if cfg.NATS.URL != "" {
		d.nc, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		d.store, err = store.NewNATSStore(d.nc, cfg.NATS.Bucket, zl)
		if err != nil {
			return nil, err
		}
		sink = notify.MultiSink{sink, notify.NewNATSSink(d.nc)}
		logger.Info(ctx, "goal state in NATS", zap.String("url", cfg.NATS.URL), zap.String("bucket", cfg.NATS.Bucket))
	} else {
		d.store = store.NewMemoryStore()
		logger.Info(ctx, "goal state in memory")
	}

	if cfg.GitHub.Token.IsSet() {
		d.github, err = github.NewClient(ctx, cfg.GitHub.Token, cfg.GitHub.BaseURL, zl)
		if err != nil {
			return nil, err
		}
	}

	metrics := project.NewMetrics()
	cloner := project.NewGitCloner(cfg.Cache.BaseDir, zl)
	cloner.SetMetrics(metrics)
	d.cache = project.NewCachingLoader(cloner,
		project.WithCapacity(cfg.Cache.Capacity),
		project.WithCleanupDelay(cfg.Cache.CleanupDelay),
		project.WithLogger(zl),
		project.WithMetrics(metrics),
	)
	var loader project.Loader = d.cache
	if d.github != nil {
		lazy := project.NewLazyLoader(d.cache, d.github, zl)
		lazy.SetMetrics(metrics)
		loader = lazy
	}

	var runner hooks.Runner
	if cfg.Goals.HooksEnabled {
		runner = hooks.NewScriptRunner(hooks.DefaultConfig(), zl)
	}
	exec := execution.NewExecutor(store.NewUpdater(d.store, zl), runner, execution.Config{
		HooksEnabled: cfg.Goals.HooksEnabled,
		Timeout:      cfg.Goals.Timeout,
		Name:         "sdmd",
		Version:      version,
	}, zl)
	exec.SetMetrics(execution.NewMetrics())
	exec.SetSink(sink)
	if cfg.Secrets.Enabled {
		allowlist, err := secrets.LoadAllowlists(cfg.Secrets.AllowlistFile)
		if err != nil {
			return nil, err
		}
		redactor, err := secrets.NewRedactor(allowlist)
		if err != nil {
			return nil, err
		}
		exec.SetRedactor(redactor)
	}

	var dispatcher jobs.Dispatcher
	commands := builtinCommands(d.github)
	if cfg.Temporal.HostPort != "" {
		d.temporal, err = client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to create Temporal client: %w", err)
		}
		dispatcher = jobs.NewTemporalDispatcher(d.temporal, commands, cfg.Temporal.TaskQueue, zl)
		logger.Info(ctx, "jobs dispatched to Temporal", zap.String("host", cfg.Temporal.HostPort), zap.String("task_queue", cfg.Temporal.TaskQueue))
	} else {
		dispatcher = jobs.NewLocalDispatcher(commands, cfg.Goals.Concurrency, zl)
	}

	pipeline := autofix.NewPipeline(autofix.Config{
		Author:      &project.Author{Name: "sdmd", Email: "sdmd@users.noreply.github.com"},
		PullRequest: d.github != nil,
	}, zl)
	pipeline.SetMetrics(autofix.NewMetrics())
	if d.github != nil {
		pipeline.SetPullRequests(d.github)
	}

	setter, mapper, err := loadRules(cfg.Goals.RulesFile, fulfillers{jobs: dispatcher, commands: commands, autofix: pipeline}, zl)
	if err != nil {
		return nil, err
	}

	d.machine, err = machine.New(machine.Config{
		Name:        "sdmd",
		Version:     version,
		Concurrency: cfg.Goals.Concurrency,
		Credentials: project.Credentials{Token: cfg.GitHub.Token.Value()},
	}, machine.Deps{
		Setter:   setter,
		Mapper:   mapper,
		Executor: exec,
		Store:    d.store,
		Loader:   loader,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// loadRules reads the rules file and registers each goal's fulfillment.
func loadRules(path string, f fulfillers, logger *zap.Logger) (*planning.Setter, *fulfillment.Mapper, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	defer file.Close()

	rf, err := planning.DecodeRuleFile(file)
	if err != nil {
		return nil, nil, err
	}
	reg := goal.NewRegistry()
	rules, err := rf.Resolve(reg, nil)
	if err != nil {
		return nil, nil, err
	}
	setter, err := planning.NewSetter(rules, logger)
	if err != nil {
		return nil, nil, err
	}
	setter.SetMetrics(planning.NewMetrics())

	mapper := fulfillment.NewMapper()
	if err := f.register(mapper, reg, rf.Goals); err != nil {
		return nil, nil, err
	}
	return setter, mapper, nil
}

// Close releases everything newDaemon opened, in reverse order.
func (d *daemon) Close(ctx context.Context) error {
	var errs []error
	if d.machine != nil {
		errs = append(errs, d.machine.Shutdown(ctx))
	}
	if d.cache != nil {
		errs = append(errs, d.cache.Close())
	}
	if d.temporal != nil {
		d.temporal.Close()
	}
	if d.nc != nil {
		d.nc.Close()
	}
	if d.telemetry != nil {
		errs = append(errs, d.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
