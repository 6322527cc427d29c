// Package planning turns a push into the goal set that applies to it.
//
// Rules are evaluated in order. The first matching exclusive rule
// contributes its goals and later exclusive rules are skipped; every
// matching enrichment rule adds its goals as well. Contributions are
// unioned, keeping first-occurrence order, so the same push always yields
// the same set.
package planning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
)

var tracer = otel.Tracer("sdmd/planning")

// ErrUnplanned marks a push whose goals could not be determined.
var ErrUnplanned = errors.New("push could not be planned")

// PlanningError reports a push test or goal set failure during planning.
// A push that fails planning gets no goals; it is never treated as an
// empty plan.
type PlanningError struct {
	Push string
	Rule string
	Err  error
}

func (e *PlanningError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("planning goals for %s: %v", e.Push, e.Err)
	}
	return fmt.Sprintf("planning goals for %s: rule %q: %v", e.Push, e.Rule, e.Err)
}

func (e *PlanningError) Unwrap() []error { return []error{ErrUnplanned, e.Err} }

// PushRule contributes Goals when Test holds.
type PushRule struct {
	Name string
	Test pushtest.Predicate
	// Goals are contributed in this order.
	Goals []*goal.Goal
	// Enrichment rules contribute alongside the winning exclusive rule.
	Enrichment bool
}

// Plan is the outcome of planning one push.
type Plan struct {
	Set *goal.Set
	// Matched names the contributing rules in evaluation order.
	Matched []string
}

// Planned reports whether any goals apply.
func (p *Plan) Planned() bool { return p != nil && p.Set != nil && p.Set.Len() > 0 }

// Setter plans goal sets from push rules.
type Setter struct {
	rules   []PushRule
	logger  *zap.Logger
	metrics *Metrics
}

// NewSetter validates rules and returns a Setter.
func NewSetter(rules []PushRule, logger *zap.Logger) (*Setter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("push rule %d has no name", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate push rule %q", r.Name)
		}
		seen[r.Name] = true
		if len(r.Goals) == 0 {
			return nil, fmt.Errorf("push rule %q contributes no goals", r.Name)
		}
	}
	return &Setter{rules: append([]PushRule(nil), rules...), logger: logger}, nil
}

// SetMetrics enables planning metrics.
func (s *Setter) SetMetrics(m *Metrics) { s.metrics = m }

// Rules returns the configured rules in evaluation order.
func (s *Setter) Rules() []PushRule { return append([]PushRule(nil), s.rules...) }

// Plan evaluates the rules against inv. memo may be nil.
func (s *Setter) Plan(ctx context.Context, inv *pushtest.Invocation, memo *pushtest.Memo) (*Plan, error) {
	if inv == nil || inv.Push == nil {
		return nil, &PlanningError{Push: "<none>", Err: errors.New("no push")}
	}
	if memo == nil {
		memo = pushtest.NewMemo()
	}
	pushName := inv.Push.Repo.Slug() + "@" + inv.Push.ShortSha()

	ctx, span := tracer.Start(ctx, "planning.plan")
	defer span.End()
	span.SetAttributes(
		attribute.String("push.repo", inv.Push.Repo.Slug()),
		attribute.String("push.sha", inv.Push.Sha),
		attribute.Int("rules", len(s.rules)),
	)
	start := time.Now()

	var (
		contributions [][]*goal.Goal
		matched       []string
		exclusiveWon  bool
	)
	for _, r := range s.rules {
		if !r.Enrichment && exclusiveWon {
			continue
		}
		test := r.Test
		if test == nil {
			test = pushtest.Always
		}
		ok, err := memo.Evaluate(ctx, test, inv)
		if err != nil {
			perr := &PlanningError{Push: pushName, Rule: r.Name, Err: err}
			span.RecordError(perr)
			span.SetStatus(codes.Error, "push test failed")
			s.record("error", start)
			return nil, perr
		}
		if !ok {
			continue
		}
		if !r.Enrichment {
			exclusiveWon = true
		}
		matched = append(matched, r.Name)
		contributions = append(contributions, r.Goals)
	}

	set, err := goal.NewSet(strings.Join(matched, ", "), goal.Union(contributions...)...)
	if err != nil {
		perr := &PlanningError{Push: pushName, Err: err}
		span.RecordError(perr)
		span.SetStatus(codes.Error, "invalid goal set")
		s.record("error", start)
		return nil, perr
	}

	plan := &Plan{Set: set, Matched: matched}
	span.SetAttributes(attribute.Int("goals", set.Len()))
	if plan.Planned() {
		s.record("planned", start)
		s.logger.Info("planned goals",
			zap.String("push", pushName),
			zap.Strings("rules", matched),
			zap.Strings("goals", set.Names()))
	} else {
		s.record("no_goals", start)
		s.logger.Debug("no push rule matched", zap.String("push", pushName))
	}
	return plan, nil
}

func (s *Setter) record(outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.PlansTotal.WithLabelValues(outcome).Inc()
	s.metrics.PlanDuration.Observe(time.Since(start).Seconds())
}
