package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/sdmd/internal/execution"
	"github.com/fyrsmithlabs/sdmd/internal/fulfillment"
	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/logging"
	"github.com/fyrsmithlabs/sdmd/internal/project"
	"github.com/fyrsmithlabs/sdmd/internal/push"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
)

type goalStatus struct {
	goal       *goal.Goal
	event      goal.Event
	fulfilment fulfillment.Fulfillment
	resolveErr error
	// started is set once this process has begun executing the goal.
	started bool
}

func (s *goalStatus) sideEffect() bool {
	return s.resolveErr == nil && s.fulfilment.SideEffect != nil
}

// run is the in-memory view of one goal set.
type run struct {
	setID string
	push  *push.Event
	set   *goal.Set

	mu      sync.Mutex
	goals   map[string]*goalStatus
	running int
	wake    chan struct{}
}

func newRun(setID string, p *push.Event, set *goal.Set, resolved map[string]fulfillment.Fulfillment, unresolved map[string]error) *run {
	r := &run{setID: setID, push: p, set: set, goals: make(map[string]*goalStatus), wake: make(chan struct{}, 1)}
	for _, g := range set.Goals() {
		r.goals[g.UniqueName()] = &goalStatus{
			goal:       g,
			fulfilment: resolved[g.UniqueName()],
			resolveErr: unresolved[g.UniqueName()],
		}
	}
	return r
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) setEvent(name string, ev goal.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.goals[name]; ok {
		s.event = ev
	}
}

func (r *run) external(ev goal.Event) {
	r.setEvent(ev.Key.Name, ev)
	r.signal()
}

// blocker returns the first precondition that can never succeed.
func (r *run) blocker(s *goalStatus) (string, goal.State, bool) {
	for _, name := range s.goal.Preconditions() {
		if pre, ok := r.goals[name]; ok && pre.event.State.Blocks() {
			return name, pre.event.State, true
		}
	}
	return "", "", false
}

func (r *run) satisfied(s *goalStatus) bool {
	for _, name := range s.goal.Preconditions() {
		if pre, ok := r.goals[name]; ok && !pre.event.State.Satisfies() {
			return false
		}
	}
	return true
}

type skip struct {
	name  string
	pre   string
	state goal.State
}

// step computes the next transitions under the lock: goals to skip and
// goals to start. done reports that nothing is running and nothing can
// change without an external update.
func (r *run) step() (skips []skip, ready []*goalStatus, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waitingExternally := false
	for _, g := range r.set.Goals() {
		s := r.goals[g.UniqueName()]
		if s.started {
			continue
		}
		switch s.event.State {
		case goal.StateRequested:
		case goal.StateInProcess, goal.StateWaitingForApproval:
			waitingExternally = true
			continue
		default:
			continue
		}
		if pre, state, blocked := r.blocker(s); blocked {
			skips = append(skips, skip{name: g.UniqueName(), pre: pre, state: state})
			continue
		}
		if s.sideEffect() {
			waitingExternally = true
			continue
		}
		if r.satisfied(s) {
			s.started = true
			r.running++
			ready = append(ready, s)
		}
	}
	done = r.running == 0 && len(skips) == 0 && len(ready) == 0 && !waitingExternally
	return skips, ready, done
}

func (r *run) finished(name string, ev goal.Event) {
	r.mu.Lock()
	r.running--
	r.goals[name].event = ev
	r.mu.Unlock()
	r.signal()
}

// drive schedules r's goals until the set settles or ctx is cancelled.
func (m *Machine) drive(ctx context.Context, r *run) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	defer func() { _ = g.Wait() }()

	for {
		skips, ready, done := r.step()
		for _, s := range skips {
			m.skip(ctx, r, s)
		}
		for _, s := range ready {
			g.Go(func() error {
				ev := m.executeGoal(gctx, r, s)
				r.finished(s.goal.UniqueName(), ev)
				return nil
			})
		}
		if done {
			m.logger.Info(ctx, "goal set settled", zap.String("goal_set_id", r.setID))
			return
		}
		if len(skips) > 0 {
			continue
		}
		select {
		case <-r.wake:
		case <-ctx.Done():
			m.logger.Warn(ctx, "goal set abandoned", zap.String("goal_set_id", r.setID), zap.Error(ctx.Err()))
			return
		}
	}
}

func (m *Machine) skip(ctx context.Context, r *run, s skip) {
	st := r.goals[s.name]
	r.mu.Lock()
	cur := st.event
	r.mu.Unlock()

	d := goal.Delta{
		State:       goal.StateStopped,
		Description: fmt.Sprintf("Skipped: precondition %s %s", s.pre, s.state),
		Provenance:  &goal.Provenance{Name: m.cfg.Name, Version: m.cfg.Version, CorrelationID: r.setID},
	}
	ev, ok := m.updater.Apply(ctx, cur.Key, d)
	if !ok {
		var err error
		if ev, err = goal.Apply(cur, d, time.Now()); err != nil {
			ev = cur
			ev.State = goal.StateStopped
		}
	}
	r.setEvent(s.name, ev)
	m.logger.Info(ctx, "goal skipped",
		zap.String("goal.name", s.name),
		zap.String("precondition", s.pre),
		zap.String("precondition.state", string(s.state)))
}

// executeGoal runs one goal and returns its final event. It never fails:
// every failure is recorded on the event.
func (m *Machine) executeGoal(ctx context.Context, r *run, s *goalStatus) goal.Event {
	r.mu.Lock()
	cur := s.event
	r.mu.Unlock()

	if s.resolveErr != nil {
		return m.fail(ctx, r, s, cur, execution.WhereFulfillment, s.resolveErr)
	}

	impl := s.fulfilment.Implementation
	params := project.Params{
		ID:           repoRef(r.push),
		Credentials:  m.cfg.Credentials,
		ReadOnly:     impl.ReadOnly,
		CloneOptions: m.cfg.CloneOptions,
	}
	var outcome *execution.Outcome
	err := m.loader.DoWithProject(ctx, params, func(ctx context.Context, proj project.Project) error {
		inv := &fulfillment.Invocation{
			Invocation: pushtest.Invocation{Push: r.push, Project: proj, Credentials: m.cfg.Credentials},
			Goal:       s.goal,
			Event:      cur,
		}
		log := execution.TeeLog{
			execution.NewBufferedLog(0),
			execution.NewLoggingLog(m.logger.Underlying().With(logging.ContextFields(ctx)...)),
		}
		var err error
		outcome, err = m.executor.Execute(ctx, execution.Request{
			Fulfillment:   s.fulfilment,
			Invocation:    inv,
			Log:           log,
			CorrelationID: r.setID,
		})
		return err
	})
	if outcome != nil {
		return outcome.Event
	}
	return m.fail(ctx, r, s, cur, execution.WhereProject, err)
}

func (m *Machine) fail(ctx context.Context, r *run, s *goalStatus, cur goal.Event, where string, err error) goal.Event {
	if err == nil {
		err = errors.New("unknown error")
	}
	d := goal.Delta{
		State:       goal.StateFailure,
		Description: s.goal.Describe(goal.StateFailure),
		Phase:       fmt.Sprintf("%s: %v", where, err),
		Provenance:  &goal.Provenance{Name: m.cfg.Name, Version: m.cfg.Version, CorrelationID: r.setID},
	}
	m.logger.Warn(ctx, "goal failed", zap.String("goal.name", s.goal.UniqueName()), zap.String("where", where), zap.Error(err))
	ev, ok := m.updater.Apply(context.WithoutCancel(ctx), cur.Key, d)
	if !ok {
		next, aerr := goal.Apply(cur, d, time.Now())
		if aerr != nil {
			next = cur
			next.State = goal.StateFailure
		}
		ev = next
	}
	m.executor.ReportFailure(ctx, ev, &execution.GoalFailure{Where: where, Err: err})
	return ev
}
