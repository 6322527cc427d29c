package machine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sdmd/internal/execution"
	"github.com/fyrsmithlabs/sdmd/internal/fulfillment"
	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/logging"
	"github.com/fyrsmithlabs/sdmd/internal/planning"
	"github.com/fyrsmithlabs/sdmd/internal/project"
	"github.com/fyrsmithlabs/sdmd/internal/project/projecttest"
	"github.com/fyrsmithlabs/sdmd/internal/push"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
	"github.com/fyrsmithlabs/sdmd/internal/store"
)

const sha = "0123456789abcdef0123456789abcdef01234567"

type staticLoader struct {
	files map[string]string
	mu    sync.Mutex
	calls []project.Params
}

func (l *staticLoader) DoWithProject(ctx context.Context, params project.Params, action project.Action) error {
	l.mu.Lock()
	l.calls = append(l.calls, params)
	l.mu.Unlock()
	return action(ctx, projecttest.New(params.ID, l.files))
}

type fixture struct {
	reg     *goal.Registry
	mapper  *fulfillment.Mapper
	store   *store.MemoryStore
	loader  *staticLoader
	logger  *logging.TestLogger
	exec    *execution.Executor
	machine *Machine

	mu    sync.Mutex
	order []string
}

func newPush() *push.Event {
	return &push.Event{
		Repo:   push.Repo{Owner: "acme", Name: "api", DefaultBranch: "main"},
		Branch: "main",
		Sha:    sha,
	}
}

func newFixture(t *testing.T, rules func(reg *goal.Registry) []planning.PushRule) *fixture {
	t.Helper()
	f := &fixture{
		reg:    goal.NewRegistry(),
		mapper: fulfillment.NewMapper(),
		store:  store.NewMemoryStore(),
		loader: &staticLoader{files: map[string]string{"pom.xml": "<project/>"}},
		logger: logging.NewTestLogger(),
	}
	setter, err := planning.NewSetter(rules(f.reg), f.logger.Underlying())
	require.NoError(t, err)
	f.exec = execution.NewExecutor(store.NewUpdater(f.store, f.logger.Underlying()), nil, execution.Config{}, f.logger.Underlying())
	f.machine, err = New(Config{}, Deps{
		Setter:   setter,
		Mapper:   f.mapper,
		Executor: f.exec,
		Store:    f.store,
		Loader:   f.loader,
		Logger:   f.logger.Logger,
	})
	require.NoError(t, err)
	return f
}

// pipeline declares build -> test -> deploy.
func pipeline(reg *goal.Registry) []planning.PushRule {
	build := reg.MustDefine(goal.Definition{UniqueName: "build"})
	test := reg.MustDefine(goal.Definition{UniqueName: "test", Preconditions: []string{"build"}})
	deploy := reg.MustDefine(goal.Definition{UniqueName: "deploy", Environment: goal.EnvironmentStaging, Preconditions: []string{"test"}})
	return []planning.PushRule{{Name: "maven", Goals: []*goal.Goal{build, test, deploy}}}
}

func (f *fixture) implement(t *testing.T, name string, fn fulfillment.ExecuteGoal) {
	t.Helper()
	g, ok := f.reg.Get(name)
	require.True(t, ok)
	require.NoError(t, f.mapper.AddImplementation(g, fulfillment.Implementation{
		Name: name + "-impl",
		Execute: func(ctx context.Context, inv *fulfillment.Invocation) (*fulfillment.Result, error) {
			f.mu.Lock()
			f.order = append(f.order, name)
			f.mu.Unlock()
			if fn == nil {
				return nil, nil
			}
			return fn(ctx, inv)
		},
		ReadOnly: true,
	}))
}

func (f *fixture) states(t *testing.T) map[string]goal.Event {
	t.Helper()
	events, err := f.store.ListForPush(context.Background(), "acme", "api", sha)
	require.NoError(t, err)
	out := make(map[string]goal.Event, len(events))
	for _, ev := range events {
		out[ev.Key.Name] = ev
	}
	return out
}

func wait(t *testing.T, m *Machine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

func TestHandlePush_RunsGoalsInDependencyOrder(t *testing.T) {
	f := newFixture(t, pipeline)
	for _, name := range []string{"build", "test", "deploy"} {
		f.implement(t, name, nil)
	}

	run, err := f.machine.HandlePush(context.Background(), newPush())
	require.NoError(t, err)
	require.Len(t, run.Events, 3)
	for _, ev := range run.Events {
		assert.Equal(t, goal.StateRequested, ev.State)
		assert.Equal(t, run.SetID, ev.GoalSetID)
	}
	wait(t, f.machine)

	assert.Equal(t, []string{"build", "test", "deploy"}, f.order)
	for name, ev := range f.states(t) {
		assert.Equal(t, goal.StateSuccess, ev.State, name)
	}
	assert.Zero(t, f.machine.Active())

	f.loader.mu.Lock()
	defer f.loader.mu.Unlock()
	require.Len(t, f.loader.calls, 4, "one acquisition for planning, one per goal")
	for _, p := range f.loader.calls {
		assert.True(t, p.ReadOnly)
		assert.Equal(t, sha, p.ID.Sha)
	}
}

func TestHandlePush_DependantsOfFailedGoalAreStopped(t *testing.T) {
	f := newFixture(t, pipeline)
	f.implement(t, "build", func(context.Context, *fulfillment.Invocation) (*fulfillment.Result, error) {
		return nil, errors.New("compilation failed")
	})
	f.implement(t, "test", nil)
	f.implement(t, "deploy", nil)

	_, err := f.machine.HandlePush(context.Background(), newPush())
	require.NoError(t, err)
	wait(t, f.machine)

	assert.Equal(t, []string{"build"}, f.order, "dependants never run")
	states := f.states(t)
	assert.Equal(t, goal.StateFailure, states["build"].State)
	assert.Equal(t, goal.StateStopped, states["test"].State)
	assert.Equal(t, "Skipped: precondition build failure", states["test"].Description)
	assert.Equal(t, goal.StateStopped, states["deploy"].State)
	assert.Equal(t, "Skipped: precondition test stopped", states["deploy"].Description)
}

func TestHandlePush_NoFulfillment(t *testing.T) {
	f := newFixture(t, pipeline)
	f.implement(t, "test", nil)
	f.implement(t, "deploy", nil)
	var (
		mu       sync.Mutex
		failures []execution.Failure
	)
	f.exec.AddFailureListener(func(_ context.Context, fl execution.Failure) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, fl)
	})

	_, err := f.machine.HandlePush(context.Background(), newPush())
	require.NoError(t, err)
	wait(t, f.machine)

	states := f.states(t)
	assert.Equal(t, goal.StateFailure, states["build"].State)
	assert.Contains(t, states["build"].Phase, "no fulfillment")
	assert.Equal(t, goal.StateStopped, states["test"].State)
	assert.Empty(t, f.order)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	assert.Equal(t, "build", failures[0].Event.Key.Name)
	assert.Equal(t, goal.StateFailure, failures[0].Event.State)
	assert.Equal(t, execution.WhereFulfillment, failures[0].Failure.Where)
	assert.Contains(t, failures[0].Interpreted.Message, "failure resolving fulfillment")
}

func TestHandlePush_SideEffectWaitsForExternalState(t *testing.T) {
	f := newFixture(t, pipeline)
	f.implement(t, "build", nil)
	f.implement(t, "deploy", nil)
	test, _ := f.reg.Get("test")
	require.NoError(t, f.mapper.AddSideEffect(test, fulfillment.SideEffect{Name: "external-ci"}))

	_, err := f.machine.HandlePush(context.Background(), newPush())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.states(t)["build"].State == goal.StateSuccess
	}, 5*time.Second, 5*time.Millisecond)

	ev := f.states(t)["test"]
	assert.Equal(t, goal.StateRequested, ev.State)
	assert.Equal(t, goal.MethodSideEffect, ev.Fulfillment.Method)
	assert.Equal(t, "external-ci", ev.Fulfillment.Name)
	assert.Equal(t, 1, f.machine.Active())

	updated, err := f.machine.OnExternalState(context.Background(), ev.Key, goal.Delta{State: goal.StateSuccess, Description: "Tested externally"})
	require.NoError(t, err)
	assert.Equal(t, goal.StateSuccess, updated.State)
	wait(t, f.machine)

	assert.Equal(t, []string{"build", "deploy"}, f.order)
	assert.Equal(t, goal.StateSuccess, f.states(t)["deploy"].State)
}

func TestHandlePush_IndependentGoalsRunConcurrently(t *testing.T) {
	f := newFixture(t, func(reg *goal.Registry) []planning.PushRule {
		a := reg.MustDefine(goal.Definition{UniqueName: "lint"})
		b := reg.MustDefine(goal.Definition{UniqueName: "scan"})
		return []planning.PushRule{{Name: "checks", Goals: []*goal.Goal{a, b}}}
	})
	var started sync.WaitGroup
	started.Add(2)
	both := func(ctx context.Context, inv *fulfillment.Invocation) (*fulfillment.Result, error) {
		started.Done()
		all := make(chan struct{})
		go func() {
			started.Wait()
			close(all)
		}()
		select {
		case <-all:
			return nil, nil
		case <-time.After(5 * time.Second):
			return nil, errors.New("other goal never started")
		}
	}
	f.implement(t, "lint", both)
	f.implement(t, "scan", both)

	_, err := f.machine.HandlePush(context.Background(), newPush())
	require.NoError(t, err)
	wait(t, f.machine)

	for name, ev := range f.states(t) {
		assert.Equal(t, goal.StateSuccess, ev.State, name)
	}
}

func TestHandlePush_NoGoals(t *testing.T) {
	f := newFixture(t, func(reg *goal.Registry) []planning.PushRule {
		g := reg.MustDefine(goal.Definition{UniqueName: "release"})
		return []planning.PushRule{{Name: "tags", Test: pushtest.MustPredicate(pushtest.IsBranch("release/*")), Goals: []*goal.Goal{g}}}
	})

	run, err := f.machine.HandlePush(context.Background(), newPush())
	require.ErrorIs(t, err, ErrNoGoals)
	assert.False(t, run.Plan.Planned())
	assert.Empty(t, f.states(t))
}

func TestHandlePush_PlanningErrorIsNotAnEmptyPlan(t *testing.T) {
	f := newFixture(t, func(reg *goal.Registry) []planning.PushRule {
		g := reg.MustDefine(goal.Definition{UniqueName: "build"})
		broken := pushtest.Leaf{Name: "broken", Fn: func(context.Context, *pushtest.Invocation) (bool, error) {
			return false, errors.New("api unavailable")
		}}
		return []planning.PushRule{{Name: "broken", Test: broken, Goals: []*goal.Goal{g}}}
	})

	run, err := f.machine.HandlePush(context.Background(), newPush())
	require.ErrorIs(t, err, planning.ErrUnplanned)
	assert.Nil(t, run)
	assert.Empty(t, f.states(t))
}

func TestHandlePush_InvalidPush(t *testing.T) {
	f := newFixture(t, pipeline)
	p := newPush()
	p.Sha = "abc"
	_, err := f.machine.HandlePush(context.Background(), p)
	assert.ErrorIs(t, err, push.ErrInvalidPush)
}

func TestShutdown_RecordsFinalState(t *testing.T) {
	f := newFixture(t, pipeline)
	f.implement(t, "build", func(ctx context.Context, _ *fulfillment.Invocation) (*fulfillment.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := f.machine.HandlePush(context.Background(), newPush())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.states(t)["build"].State == goal.StateInProcess
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.machine.Shutdown(ctx))
	assert.Equal(t, goal.StateFailure, f.states(t)["build"].State)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}
