// Package machine drives pushes through planning and goal execution.
//
// HandlePush plans the push, records every goal as requested and then
// runs goals in the background as their preconditions succeed. A goal
// whose precondition fails or stops never runs; it is recorded as stopped.
// Side-effect goals are left requested until OnExternalState moves them.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sdmd/internal/execution"
	"github.com/fyrsmithlabs/sdmd/internal/fulfillment"
	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/logging"
	"github.com/fyrsmithlabs/sdmd/internal/planning"
	"github.com/fyrsmithlabs/sdmd/internal/project"
	"github.com/fyrsmithlabs/sdmd/internal/push"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
	"github.com/fyrsmithlabs/sdmd/internal/store"
)

// ErrNoGoals is returned when no push rule matched.
var ErrNoGoals = errors.New("no goals planned")

// Config tunes the machine.
type Config struct {
	// Name and Version are recorded as provenance on requested goals.
	Name    string
	Version string
	// Concurrency caps goals running at once per push. Zero means 8.
	Concurrency  int
	Credentials  project.Credentials
	CloneOptions project.CloneOptions
}

// Deps are the components the machine composes.
type Deps struct {
	Setter   *planning.Setter
	Mapper   *fulfillment.Mapper
	Executor *execution.Executor
	Store    store.GoalStore
	Loader   project.Loader
	Logger   *logging.Logger
}

// Machine handles pushes.
type Machine struct {
	cfg      Config
	setter   *planning.Setter
	mapper   *fulfillment.Mapper
	executor *execution.Executor
	store    store.GoalStore
	updater  *store.Updater
	loader   project.Loader
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

func New(cfg Config, deps Deps) (*Machine, error) {
	if deps.Setter == nil || deps.Mapper == nil || deps.Executor == nil || deps.Store == nil || deps.Loader == nil {
		return nil, errors.New("machine needs a setter, mapper, executor, store and loader")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "sdmd"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:      cfg,
		setter:   deps.Setter,
		mapper:   deps.Mapper,
		executor: deps.Executor,
		store:    deps.Store,
		updater:  store.NewUpdater(deps.Store, deps.Logger.Underlying()),
		loader:   deps.Loader,
		logger:   deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*run),
	}, nil
}

// Run is a planned push.
type Run struct {
	SetID  string
	Plan   *planning.Plan
	Events []goal.Event
}

func repoRef(p *push.Event) project.RepoRef {
	return project.RepoRef{Owner: p.Repo.Owner, Repo: p.Repo.Name, Branch: p.Branch, Sha: p.Sha, URL: p.Repo.CloneURL}
}

// HandlePush plans p and starts its goals. It returns once the requested
// goals are recorded; execution continues in the background until the
// goal set settles or Shutdown is called.
func (m *Machine) HandlePush(ctx context.Context, p *push.Event) (*Run, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ctx = logging.WithPush(ctx, logging.PushFields{Owner: p.Repo.Owner, Repo: p.Repo.Name, Branch: p.Branch, Sha: p.Sha})

	var (
		plan       *planning.Plan
		resolved   = make(map[string]fulfillment.Fulfillment)
		unresolved = make(map[string]error)
	)
	params := project.Params{ID: repoRef(p), Credentials: m.cfg.Credentials, ReadOnly: true, CloneOptions: m.cfg.CloneOptions}
	err := m.loader.DoWithProject(ctx, params, func(ctx context.Context, proj project.Project) error {
		inv := &pushtest.Invocation{Push: p, Project: proj, Credentials: m.cfg.Credentials}
		memo := pushtest.NewMemo()
		var err error
		plan, err = m.setter.Plan(ctx, inv, memo)
		if err != nil {
			return err
		}
		for _, g := range plan.Set.Goals() {
			f, err := m.mapper.Resolve(ctx, g, inv, memo)
			if err != nil {
				unresolved[g.UniqueName()] = err
				continue
			}
			resolved[g.UniqueName()] = f
		}
		return nil
	})
	if err != nil {
		m.logger.Warn(ctx, "push not planned", zap.Error(err))
		return nil, err
	}
	if !plan.Planned() {
		m.logger.Info(ctx, "no goals for push")
		return &Run{Plan: plan}, ErrNoGoals
	}

	r := newRun(uuid.NewString(), p, plan.Set, resolved, unresolved)
	c := goal.Commit{Owner: p.Repo.Owner, Repo: p.Repo.Name, Branch: p.Branch, Sha: p.Sha}
	prov := goal.Provenance{Name: m.cfg.Name, Version: m.cfg.Version, CorrelationID: r.setID, Ts: time.Now()}
	events := make([]goal.Event, 0, plan.Set.Len())
	for _, g := range plan.Set.Goals() {
		rec := goal.Fulfillment{Method: goal.MethodSDM}
		if f, ok := resolved[g.UniqueName()]; ok {
			rec = f.Record()
		}
		ev := goal.NewRequestedEvent(uuid.NewString(), plan.Set, r.setID, g, c, rec, prov)
		m.updater.Create(ctx, ev)
		r.goals[g.UniqueName()].event = ev
		events = append(events, ev)
	}

	m.mu.Lock()
	m.runs[r.setID] = r
	m.mu.Unlock()

	m.logger.Info(ctx, "goals requested",
		zap.String("goal_set_id", r.setID),
		zap.String("goal_set", plan.Set.Name()),
		zap.Int("goals", len(events)))

	driveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(m.ctx, cancel)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer stop()
		m.drive(driveCtx, r)
		m.mu.Lock()
		delete(m.runs, r.setID)
		m.mu.Unlock()
	}()
	return &Run{SetID: r.setID, Plan: plan, Events: events}, nil
}

// OnExternalState applies a state change made outside this process, such
// as a side effect completing or an approval, and lets dependants proceed.
func (m *Machine) OnExternalState(ctx context.Context, key goal.Key, d goal.Delta) (goal.Event, error) {
	ev, err := m.store.Update(ctx, key, d)
	if err != nil {
		return goal.Event{}, fmt.Errorf("updating goal %s: %w", key, err)
	}
	m.mu.Lock()
	r := m.runs[ev.GoalSetID]
	m.mu.Unlock()
	if r != nil {
		r.external(ev)
	}
	m.logger.Info(ctx, "external goal state",
		zap.String("goal.key", key.String()),
		zap.String("goal.state", string(ev.State)))
	return ev, nil
}

// Wait blocks until every background goal set settles or ctx is done.
func (m *Machine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels running goals and waits for them to record their final
// state.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.cancel()
	return m.Wait(ctx)
}

// Active returns the number of goal sets still in progress.
func (m *Machine) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}
