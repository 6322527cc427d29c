package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/sdmd/internal/fulfillment"
	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/hooks"
	"github.com/fyrsmithlabs/sdmd/internal/logging"
	"github.com/fyrsmithlabs/sdmd/internal/notify"
	"github.com/fyrsmithlabs/sdmd/internal/project"
	"github.com/fyrsmithlabs/sdmd/internal/project/projecttest"
	"github.com/fyrsmithlabs/sdmd/internal/push"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
	"github.com/fyrsmithlabs/sdmd/internal/store"
)

const sha = "0123456789abcdef0123456789abcdef01234567"

// fakeHooks returns a fixed exit code per stage.
type fakeHooks struct {
	mu    sync.Mutex
	exit  map[hooks.Stage]int
	calls []hooks.Stage
}

func (f *fakeHooks) Run(_ context.Context, req hooks.Request) (hooks.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Stage)
	code, ok := f.exit[req.Stage]
	if !ok {
		return hooks.Result{Name: req.Goal.HookName(string(req.Stage)), Skipped: true}, nil
	}
	if req.Output != nil {
		_, _ = req.Output.Write([]byte("hook output\n"))
	}
	return hooks.Result{Name: req.Goal.HookName(string(req.Stage)), ExitCode: code}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (s *recordingSink) AddressChannels(_ context.Context, m notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return nil
}

type harness struct {
	store  *store.MemoryStore
	states *[]goal.State
	logger *logging.TestLogger
	hooks  *fakeHooks
	exec   *Executor
	goal   *goal.Goal
	event  goal.Event
	inv    *fulfillment.Invocation
	sink   *recordingSink
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	g := goal.New(goal.Definition{UniqueName: "build"})
	set, err := goal.NewSet("java", g)
	require.NoError(t, err)
	c := goal.Commit{Owner: "acme", Repo: "api", Branch: "main", Sha: sha}
	ev := goal.NewRequestedEvent("ev-1", set, "set-1", g, c,
		goal.Fulfillment{Method: goal.MethodSDM, Name: "maven"}, goal.Provenance{Name: "test"})

	ms := store.NewMemoryStore()
	var states []goal.State
	var mu sync.Mutex
	ms.OnChange(func(ev goal.Event) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, ev.State)
	})
	require.NoError(t, ms.Create(context.Background(), ev))

	logger := logging.NewTestLogger()
	fh := &fakeHooks{exit: map[hooks.Stage]int{}}
	ex := NewExecutor(store.NewUpdater(ms, logger.Underlying()), fh, cfg, logger.Underlying())
	sink := &recordingSink{}
	ex.SetSink(sink)

	p := &push.Event{Repo: push.Repo{Owner: "acme", Name: "api"}, Branch: "main", Sha: sha}
	proj := projecttest.New(project.RepoRef{Owner: "acme", Repo: "api", Branch: "main", Sha: sha}, nil)
	inv := &fulfillment.Invocation{
		Invocation: pushtest.Invocation{Push: p, Project: proj},
		Goal:       g,
		Event:      ev,
	}
	return &harness{store: ms, states: &states, logger: logger, hooks: fh, exec: ex, goal: g, event: ev, inv: inv, sink: sink}
}

func (h *harness) request(impl fulfillment.Implementation) Request {
	return Request{
		Fulfillment: fulfillment.Fulfillment{Goal: h.goal, Implementation: &impl},
		Invocation:  h.inv,
	}
}

func counting(calls *int, res *fulfillment.Result, err error) fulfillment.ExecuteGoal {
	return func(_ context.Context, inv *fulfillment.Invocation) (*fulfillment.Result, error) {
		*calls++
		inv.Log.Write("compiling")
		return res, err
	}
}

func TestExecute_Success(t *testing.T) {
	h := newHarness(t, Config{HooksEnabled: true, Version: "1.2.3"})
	h.hooks.exit[hooks.StagePre] = 0
	h.hooks.exit[hooks.StagePost] = 0
	calls := 0

	out, err := h.exec.Execute(context.Background(), h.request(fulfillment.Implementation{
		Name:    "maven",
		Execute: counting(&calls, &fulfillment.Result{TargetURL: "https://ci.example.com/1"}, nil),
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, goal.StateSuccess, out.Event.State)
	assert.Equal(t, "Complete: build", out.Event.Description)
	assert.Equal(t, "https://ci.example.com/1", out.Event.URL)
	assert.Equal(t, []hooks.Stage{hooks.StagePre, hooks.StagePost}, h.hooks.calls)
	assert.Equal(t, []goal.State{goal.StateRequested, goal.StateInProcess, goal.StateSuccess}, *h.states)

	stored, err := h.store.Read(context.Background(), h.event.Key)
	require.NoError(t, err)
	assert.Equal(t, goal.StateSuccess, stored.State)
	assert.Len(t, stored.Provenance, 3)
	assert.Equal(t, "1.2.3", stored.Provenance[2].Version)
	assert.Empty(t, h.sink.msgs)
}

func TestExecute_PreHookFailureShortCircuits(t *testing.T) {
	h := newHarness(t, Config{HooksEnabled: true})
	h.hooks.exit[hooks.StagePre] = 7
	calls := 0
	var failures []Failure
	h.exec.AddFailureListener(func(_ context.Context, f Failure) { failures = append(failures, f) })

	out, err := h.exec.Execute(context.Background(), h.request(fulfillment.Implementation{
		Name: "maven", Execute: counting(&calls, nil, nil),
	}))
	var gf *GoalFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, WherePreHook, gf.Where)
	assert.Contains(t, gf.Error(), "exited with code 7")
	assert.Equal(t, 0, calls, "executor never invoked")
	assert.Equal(t, goal.StateFailure, out.Event.State)
	assert.Equal(t, []hooks.Stage{hooks.StagePre}, h.hooks.calls)

	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Log, "hook output")
	require.Len(t, h.sink.msgs, 1)
	assert.Equal(t, "Failed: build", h.sink.msgs[0].Title)
	assert.True(t, strings.HasPrefix(h.sink.msgs[0].Text, "failure executing pre-goal hook: "))
}

func TestReportFailure(t *testing.T) {
	h := newHarness(t, Config{})
	var failures []Failure
	h.exec.AddFailureListener(func(_ context.Context, f Failure) { failures = append(failures, f) })

	ev, err := goal.Apply(h.event, goal.Delta{State: goal.StateFailure, Description: "Failed: build"}, time.Now())
	require.NoError(t, err)
	il := h.exec.ReportFailure(context.Background(), ev, &GoalFailure{Where: WhereProject, Err: errors.New("clone refused")})

	assert.Equal(t, "failure loading project: clone refused", il.Message)
	require.Len(t, failures, 1)
	assert.Equal(t, WhereProject, failures[0].Failure.Where)
	assert.Equal(t, goal.StateFailure, failures[0].Event.State)
	require.Len(t, h.sink.msgs, 1)
	assert.Equal(t, "Failed: build", h.sink.msgs[0].Title)
	assert.Equal(t, "failure loading project: clone refused", h.sink.msgs[0].Text)
	assert.Empty(t, h.hooks.calls)
}

func TestExecute_HooksDisabled(t *testing.T) {
	h := newHarness(t, Config{HooksEnabled: false})
	h.hooks.exit[hooks.StagePre] = 7
	log := NewBufferedLog(0)
	calls := 0

	req := h.request(fulfillment.Implementation{Name: "maven", Execute: counting(&calls, nil, nil)})
	req.Log = log
	out, err := h.exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, goal.StateSuccess, out.Event.State)
	assert.Empty(t, h.hooks.calls)
	assert.Contains(t, log.Log(), "pre-goal hook skipped (hooks disabled)")
	assert.Contains(t, log.Log(), "post-goal hook skipped (hooks disabled)")
	h.logger.AssertLogged(t, zapcore.InfoLevel, "skipped (hooks disabled)")
}

func TestExecute_ExecutorErrorWithoutInterpreter(t *testing.T) {
	h := newHarness(t, Config{})
	calls := 0

	out, err := h.exec.Execute(context.Background(), h.request(fulfillment.Implementation{
		Name: "maven", Execute: counting(&calls, nil, errors.New("compilation failed")),
	}))
	var gf *GoalFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, WhereGoal, gf.Where)
	require.NotNil(t, out.Interpreted)
	assert.Equal(t, "failure executing goal: compilation failed", out.Interpreted.Message)
	assert.True(t, out.Interpreted.IncludeFullLog, "no log url, so the full log is shown")
	assert.Contains(t, out.Interpreted.RelevantPart, "compiling")
	assert.Equal(t, goal.StateFailure, out.Event.State)
}

func TestExecute_NonZeroCodeAndInterpreter(t *testing.T) {
	h := newHarness(t, Config{})
	calls := 0
	impl := fulfillment.Implementation{
		Name:    "maven",
		Execute: counting(&calls, &fulfillment.Result{Code: 2, Message: "tests failed"}, nil),
		Interpreter: func(log string) *fulfillment.InterpretedLog {
			return &fulfillment.InterpretedLog{Message: "3 tests failed", RelevantPart: "FooTest", DoNotReport: true}
		},
	}
	out, err := h.exec.Execute(context.Background(), h.request(impl))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tests failed")
	assert.Equal(t, "3 tests failed", out.Interpreted.Message)
	assert.Empty(t, h.sink.msgs, "interpreter asked not to report")
}

func TestExecute_PostHookFailure(t *testing.T) {
	h := newHarness(t, Config{HooksEnabled: true})
	h.hooks.exit[hooks.StagePost] = 1
	calls := 0

	_, err := h.exec.Execute(context.Background(), h.request(fulfillment.Implementation{
		Name: "maven", Execute: counting(&calls, nil, nil),
	}))
	var gf *GoalFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, WherePostHook, gf.Where)
	assert.Equal(t, 1, calls)
}

func TestExecute_ResultStates(t *testing.T) {
	tests := []struct {
		name   string
		result *fulfillment.Result
		want   goal.State
	}{
		{"nil result", nil, goal.StateSuccess},
		{"approval", &fulfillment.Result{RequireApproval: true}, goal.StateWaitingForApproval},
		{"stopped", &fulfillment.Result{State: goal.StateStopped, Message: "edits pushed"}, goal.StateStopped},
		{"stopped needing approval", &fulfillment.Result{State: goal.StateStopped, RequireApproval: true}, goal.StateWaitingForApproval},
		{"in process is not final", &fulfillment.Result{State: goal.StateInProcess}, goal.StateSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			calls := 0
			out, err := h.exec.Execute(context.Background(), h.request(fulfillment.Implementation{
				Name: "x", Execute: counting(&calls, tt.result, nil),
			}))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Event.State)
			assert.Equal(t, h.goal.Describe(tt.want), out.Event.Description)
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	h := newHarness(t, Config{Timeout: 20 * time.Millisecond})
	impl := fulfillment.Implementation{
		Name: "slow",
		Execute: func(ctx context.Context, _ *fulfillment.Invocation) (*fulfillment.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	out, err := h.exec.Execute(context.Background(), h.request(impl))
	var gf *GoalFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, WhereGoal, gf.Where)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, goal.StateFailure, out.Event.State)

	stored, err := h.store.Read(context.Background(), h.event.Key)
	require.NoError(t, err)
	assert.Equal(t, goal.StateFailure, stored.State)
}

func TestExecute_PersistenceFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Config{})
	missing := h.event
	missing.Key.Name = "not-stored"
	h.inv.Event = missing
	calls := 0

	out, err := h.exec.Execute(context.Background(), h.request(fulfillment.Implementation{
		Name: "maven", Execute: counting(&calls, nil, nil),
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, goal.StateSuccess, out.Event.State, "state computed locally")
	h.logger.AssertLogged(t, zapcore.WarnLevel, "persisting goal state")
}

func TestExecute_SideEffectIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.exec.Execute(context.Background(), Request{
		Fulfillment: fulfillment.Fulfillment{Goal: h.goal, SideEffect: &fulfillment.SideEffect{Name: "argo"}},
		Invocation:  h.inv,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "side-effect")
}

type passwordRedactor struct{}

func (passwordRedactor) RedactString(s string) string { return strings.ReplaceAll(s, "hunter2", "[REDACTED]") }

func TestExecute_RedactsProgress(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.SetRedactor(passwordRedactor{})
	log := NewBufferedLog(0)
	req := h.request(fulfillment.Implementation{
		Name: "deploy",
		Execute: func(_ context.Context, inv *fulfillment.Invocation) (*fulfillment.Result, error) {
			inv.Log.Write("password=hunter2")
			return nil, nil
		},
	})
	req.Log = log
	_, err := h.exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, log.Log(), "password=[REDACTED]")
	assert.NotContains(t, log.Log(), "hunter2")
}

func TestBufferedLog_Truncates(t *testing.T) {
	log := NewBufferedLog(16)
	log.Write("first line")
	log.Write("second line")
	log.Write("third")
	assert.True(t, log.Truncated())
	assert.LessOrEqual(t, len(log.Log()), 16)
	assert.True(t, strings.HasSuffix(log.Log(), "third\n"))
}

func TestTeeLog(t *testing.T) {
	a, b := NewBufferedLog(0), NewBufferedLog(0)
	b.SetURL("https://logs.example.com/b")
	tee := TeeLog{a, b, NewLoggingLog(nil)}
	tee.Write("hello")
	assert.Equal(t, "hello\n", a.Log())
	assert.Equal(t, "hello\n", b.Log())
	assert.Equal(t, "https://logs.example.com/b", tee.URL())
	assert.Equal(t, "hello\n", tee.Log())
	assert.NoError(t, tee.Close())
}
