// Package execution runs one goal's implementation through its lifecycle:
// mark in process, pre hook, implementation, post hook, final state.
//
// State writes go through a store.Updater and are best-effort; a goal never
// fails because its state could not be persisted.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sdmd/internal/fulfillment"
	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/hooks"
	"github.com/fyrsmithlabs/sdmd/internal/logging"
	"github.com/fyrsmithlabs/sdmd/internal/notify"
	"github.com/fyrsmithlabs/sdmd/internal/store"
)

var tracer = otel.Tracer("sdmd/execution")

// Config controls the executor.
type Config struct {
	HooksEnabled bool
	// Timeout bounds the hooks and implementation of one goal. Zero waits
	// indefinitely. Implementations must honor context cancellation.
	Timeout time.Duration
	// Name and Version are recorded as provenance on every state change.
	Name    string
	Version string
}

// Failure is passed to failure listeners.
type Failure struct {
	Event       goal.Event
	Failure     *GoalFailure
	Log         string
	Interpreted *fulfillment.InterpretedLog
}

// FailureListener observes failed goals.
type FailureListener func(ctx context.Context, f Failure)

// Request is one goal to execute.
type Request struct {
	Fulfillment fulfillment.Fulfillment
	Invocation  *fulfillment.Invocation
	// Log receives progress. Nil uses a BufferedLog.
	Log           ProgressLog
	CorrelationID string
}

// Outcome is the result of an execution.
type Outcome struct {
	// Event is the final goal event: as persisted, or as computed locally
	// when persistence failed.
	Event       goal.Event
	Result      *fulfillment.Result
	Failure     *GoalFailure
	Interpreted *fulfillment.InterpretedLog
}

// Executor runs goal implementations.
type Executor struct {
	updater  *store.Updater
	hooks    hooks.Runner
	cfg      Config
	logger   *zap.Logger
	metrics  *Metrics
	sink     notify.Sink
	redactor Redactor

	mu        sync.RWMutex
	listeners []FailureListener
}

func NewExecutor(updater *store.Updater, runner hooks.Runner, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "sdmd"
	}
	return &Executor{updater: updater, hooks: runner, cfg: cfg, logger: logger, sink: notify.NopSink{}}
}

// SetMetrics enables execution metrics.
func (e *Executor) SetMetrics(m *Metrics) { e.metrics = m }

// SetSink sets where failure messages are addressed.
func (e *Executor) SetSink(s notify.Sink) { e.sink = s }

// SetRedactor scrubs progress output before it reaches the log.
func (e *Executor) SetRedactor(r Redactor) { e.redactor = r }

// AddFailureListener registers fn for every failed goal.
func (e *Executor) AddFailureListener(fn FailureListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Execute runs req. The returned error is the *GoalFailure when the goal
// failed; the Outcome is returned in both cases.
func (e *Executor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.Invocation == nil || req.Invocation.Goal == nil {
		return nil, errors.New("execution request has no goal")
	}
	impl := req.Fulfillment.Implementation
	if impl == nil {
		return nil, fmt.Errorf("goal %s has no implementation to execute (method %s)",
			req.Invocation.Goal, req.Fulfillment.Method())
	}

	log := req.Log
	if log == nil {
		log = NewBufferedLog(0)
	}
	if e.redactor != nil {
		log = NewRedactingLog(log, e.redactor)
	}
	inv := *req.Invocation
	inv.Log = log
	g := inv.Goal

	ctx = logging.WithGoal(ctx, logging.GoalFields{
		Name:        g.UniqueName(),
		Environment: string(g.Environment()),
		SetID:       inv.Event.GoalSetID,
	})
	ctx, span := tracer.Start(ctx, "execution.execute_goal")
	defer span.End()
	span.SetAttributes(
		attribute.String("goal.name", g.UniqueName()),
		attribute.String("goal.key", inv.Event.Key.String()),
		attribute.String("fulfillment", impl.Name),
	)
	logger := e.logger.With(logging.ContextFields(ctx)...)
	start := time.Now()

	record := req.Fulfillment.Record()
	ev := e.apply(ctx, inv.Event, goal.Delta{
		State:       goal.StateInProcess,
		Description: g.Describe(goal.StateInProcess),
		Fulfillment: &record,
		Provenance:  e.provenance(req),
	})
	inv.Event = ev
	logger.Info("executing goal", zap.String("fulfillment", impl.Name))

	runCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	result, gf := e.run(runCtx, &inv, impl, log, logger)

	state := finalState(result, gf)
	url := result.TargetURL
	if url == "" {
		url = log.URL()
	}
	phase := result.Phase
	if phase == "" && gf == nil {
		phase = result.Message
	}
	// Final state is recorded even if the caller gave up.
	ev = e.apply(context.WithoutCancel(ctx), ev, goal.Delta{
		State:       state,
		Description: g.Describe(state),
		URL:         url,
		Phase:       phase,
		Provenance:  e.provenance(req),
	})

	outcome := &Outcome{Event: ev, Result: result, Failure: gf}
	if gf != nil {
		span.RecordError(gf)
		span.SetStatus(codes.Error, gf.Where)
		outcome.Interpreted = interpret(impl, log, gf)
		e.reportFailure(context.WithoutCancel(ctx), ev, gf, log, outcome.Interpreted, logger)
	}
	if err := log.Flush(); err != nil {
		logger.Debug("flushing progress log", zap.Error(err))
	}

	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(g.UniqueName(), string(state)).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(g.UniqueName()).Observe(elapsed.Seconds())
		if gf != nil {
			e.metrics.FailuresTotal.WithLabelValues(gf.Where).Inc()
		}
	}

	if gf != nil {
		logger.Warn("goal failed", zap.String("where", gf.Where), zap.Error(gf.Err), zap.Duration("duration", elapsed))
		return outcome, gf
	}
	logger.Info("goal finished", zap.String("goal.state", string(state)), zap.Duration("duration", elapsed))
	return outcome, nil
}

func (e *Executor) run(ctx context.Context, inv *fulfillment.Invocation, impl *fulfillment.Implementation, log ProgressLog, logger *zap.Logger) (*fulfillment.Result, *GoalFailure) {
	if err := e.runHook(ctx, hooks.StagePre, inv, log, logger); err != nil {
		return &fulfillment.Result{}, failure(WherePreHook, err)
	}

	result, err := impl.Execute(ctx, inv)
	if result == nil {
		result = &fulfillment.Result{}
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrTimedOut, e.cfg.Timeout, err)
		}
		return result, failure(WhereGoal, err)
	}
	if result.Code != 0 || result.State == goal.StateFailure {
		msg := result.Message
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", result.Code)
		}
		return result, failure(WhereGoal, errors.New(msg))
	}

	if err := e.runHook(ctx, hooks.StagePost, inv, log, logger); err != nil {
		return result, failure(WherePostHook, err)
	}
	return result, nil
}

func (e *Executor) runHook(ctx context.Context, stage hooks.Stage, inv *fulfillment.Invocation, log ProgressLog, logger *zap.Logger) error {
	if !e.cfg.HooksEnabled || e.hooks == nil {
		log.Write(fmt.Sprintf("%s-goal hook skipped (hooks disabled)", stage))
		logger.Info("hook skipped (hooks disabled)", zap.String("stage", string(stage)))
		e.recordHook(stage, "disabled")
		return nil
	}
	if inv.Project == nil {
		e.recordHook(stage, "skipped")
		return nil
	}
	baseDir, err := inv.Project.BaseDir(ctx)
	if err != nil {
		return fmt.Errorf("locating checkout: %w", err)
	}

	res, err := e.hooks.Run(ctx, hooks.Request{
		BaseDir: baseDir,
		Stage:   stage,
		Goal:    inv.Goal,
		Env:     hookEnv(inv),
		Output:  logWriter{log},
	})
	if err != nil {
		e.recordHook(stage, "failed")
		return err
	}
	switch {
	case res.Skipped:
		e.recordHook(stage, "skipped")
	case res.Failed():
		e.recordHook(stage, "failed")
		return fmt.Errorf("hook %s exited with code %d", res.Name, res.ExitCode)
	default:
		e.recordHook(stage, "ok")
	}
	return nil
}

func (e *Executor) recordHook(stage hooks.Stage, result string) {
	if e.metrics != nil {
		e.metrics.HooksTotal.WithLabelValues(string(stage), result).Inc()
	}
}

func hookEnv(inv *fulfillment.Invocation) map[string]string {
	env := map[string]string{
		"SDM_GOAL":        inv.Goal.UniqueName(),
		"SDM_ENVIRONMENT": inv.Goal.Environment().Name(),
		"SDM_GOAL_SET_ID": inv.Event.GoalSetID,
	}
	if p := inv.Push; p != nil {
		env["SDM_OWNER"] = p.Repo.Owner
		env["SDM_REPO"] = p.Repo.Name
		env["SDM_BRANCH"] = p.Branch
		env["SDM_SHA"] = p.Sha
	}
	return env
}

// finalState combines the result code, explicit state and approval flag.
func finalState(result *fulfillment.Result, gf *GoalFailure) goal.State {
	switch {
	case gf != nil:
		return goal.StateFailure
	case result.State == goal.StateStopped || result.State == goal.StateSuccess:
		if result.RequireApproval {
			return goal.StateWaitingForApproval
		}
		return result.State
	case result.State == goal.StateWaitingForApproval || result.RequireApproval:
		return goal.StateWaitingForApproval
	default:
		return goal.StateSuccess
	}
}

func (e *Executor) apply(ctx context.Context, cur goal.Event, d goal.Delta) goal.Event {
	if e.updater != nil {
		if next, ok := e.updater.Apply(ctx, cur.Key, d); ok {
			return next
		}
	}
	next, err := goal.Apply(cur, d, time.Now())
	if err != nil {
		return cur
	}
	return next
}

func (e *Executor) provenance(req Request) *goal.Provenance {
	return &goal.Provenance{Name: e.cfg.Name, Version: e.cfg.Version, CorrelationID: req.CorrelationID}
}

// interpret runs the implementation's interpreter, falling back to the
// failure message and, when the log is not published, the full log.
func interpret(impl *fulfillment.Implementation, log ProgressLog, gf *GoalFailure) *fulfillment.InterpretedLog {
	text := log.Log()
	if impl.Interpreter != nil {
		if il := impl.Interpreter(text); il != nil {
			return il
		}
	}
	il := &fulfillment.InterpretedLog{Message: fmt.Sprintf("failure %s: %v", gf.Where, gf.Err)}
	if log.URL() == "" {
		il.RelevantPart = text
		il.IncludeFullLog = true
	}
	return il
}

// ReportFailure tells failure listeners and the sink about a goal that
// failed before its implementation ran, such as one with no fulfillment.
func (e *Executor) ReportFailure(ctx context.Context, ev goal.Event, gf *GoalFailure) *fulfillment.InterpretedLog {
	log := NewBufferedLog(0)
	il := interpret(&fulfillment.Implementation{}, log, gf)
	logger := e.logger.With(zap.String("goal.key", ev.Key.String()))
	e.reportFailure(context.WithoutCancel(ctx), ev, gf, log, il, logger)
	return il
}

func (e *Executor) reportFailure(ctx context.Context, ev goal.Event, gf *GoalFailure, log ProgressLog, il *fulfillment.InterpretedLog, logger *zap.Logger) {
	e.mu.RLock()
	listeners := append([]FailureListener(nil), e.listeners...)
	e.mu.RUnlock()
	f := Failure{Event: ev, Failure: gf, Log: log.Log(), Interpreted: il}
	for _, fn := range listeners {
		fn(ctx, f)
	}

	if il.DoNotReport {
		return
	}
	text := il.Message
	if part := strings.TrimSpace(il.RelevantPart); part != "" {
		text += "\n" + part
	}
	err := e.sink.AddressChannels(ctx, notify.Message{
		Owner:    ev.Key.Owner,
		Repo:     ev.Key.Repo,
		Sha:      ev.Key.Sha,
		Goal:     ev.Key.Name,
		Severity: notify.SeverityError,
		Title:    ev.Description,
		Text:     text,
		URL:      ev.URL,
		Ts:       time.Now(),
	})
	if err != nil {
		logger.Warn("notifying goal failure", zap.Error(err))
	}
}
