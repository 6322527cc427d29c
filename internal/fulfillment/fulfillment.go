// Package fulfillment maps goals to the code that satisfies them.
//
// A goal is fulfilled either by an Implementation, which the executor
// runs, or by a SideEffect, which some other system is trusted to
// complete. Registrations are tried in order and the first whose push test
// passes wins.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
)

// ErrNoFulfillment is returned when no registration matches a goal.
var ErrNoFulfillment = errors.New("no fulfillment")

// Log receives progress output from a running goal.
type Log interface {
	Write(msg string)
}

// Invocation is what an implementation runs with.
type Invocation struct {
	pushtest.Invocation
	Goal  *goal.Goal
	Event goal.Event
	Log   Log
}

// Result is what an implementation reports. A zero Code with no
// explicit State means success.
type Result struct {
	Code            int
	Message         string
	TargetURL       string
	Phase           string
	RequireApproval bool
	// State overrides the state derived from Code when set.
	State goal.State
}

// ExecuteGoal runs one goal.
type ExecuteGoal func(ctx context.Context, inv *Invocation) (*Result, error)

// InterpretedLog is the part of a goal log worth showing a user.
type InterpretedLog struct {
	RelevantPart   string
	Message        string
	IncludeFullLog bool
	// DoNotReport suppresses failure notification entirely.
	DoNotReport bool
}

// LogInterpreter extracts the relevant part of a failed goal's log. It
// returns nil when it does not recognise the log.
type LogInterpreter func(log string) *InterpretedLog

// Implementation runs inside this process or is dispatched as a job.
type Implementation struct {
	Name    string
	Execute ExecuteGoal
	// Test restricts the pushes this implementation applies to. Nil
	// matches every push.
	Test        pushtest.Predicate
	Interpreter LogInterpreter
	// ReadOnly lets executions share a cached checkout of the commit.
	// Implementations that modify the project must leave it false.
	ReadOnly bool
}

// SideEffect marks a goal as fulfilled elsewhere.
type SideEffect struct {
	Name string
	Test pushtest.Predicate
}

// Fulfillment is the resolved way a goal will be satisfied. Exactly one of
// Implementation or SideEffect is set.
type Fulfillment struct {
	Goal           *goal.Goal
	Implementation *Implementation
	SideEffect     *SideEffect
}

// Method returns goal.MethodSDM or goal.MethodSideEffect.
func (f Fulfillment) Method() string {
	if f.SideEffect != nil {
		return goal.MethodSideEffect
	}
	return goal.MethodSDM
}

func (f Fulfillment) Name() string {
	if f.SideEffect != nil {
		return f.SideEffect.Name
	}
	if f.Implementation != nil {
		return f.Implementation.Name
	}
	return ""
}

// Record returns the value persisted on goal events.
func (f Fulfillment) Record() goal.Fulfillment {
	return goal.Fulfillment{Method: f.Method(), Name: f.Name()}
}

type registration struct {
	test pushtest.Predicate
	impl *Implementation
	se   *SideEffect
}

// Mapper holds fulfillment registrations per goal.
type Mapper struct {
	mu      sync.RWMutex
	entries map[string][]registration
}

func NewMapper() *Mapper {
	return &Mapper{entries: make(map[string][]registration)}
}

// AddImplementation registers impl for g after any existing registrations.
func (m *Mapper) AddImplementation(g *goal.Goal, impl Implementation) error {
	if g == nil {
		return errors.New("nil goal")
	}
	if impl.Name == "" {
		return fmt.Errorf("goal %s: implementation needs a name", g)
	}
	if impl.Execute == nil {
		return fmt.Errorf("goal %s: implementation %q has no executor", g, impl.Name)
	}
	m.add(g, registration{test: impl.Test, impl: &impl})
	return nil
}

// AddSideEffect registers se for g after any existing registrations.
func (m *Mapper) AddSideEffect(g *goal.Goal, se SideEffect) error {
	if g == nil {
		return errors.New("nil goal")
	}
	if se.Name == "" {
		return fmt.Errorf("goal %s: side effect needs a name", g)
	}
	m.add(g, registration{test: se.Test, se: &se})
	return nil
}

func (m *Mapper) add(g *goal.Goal, r registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[g.UniqueName()] = append(m.entries[g.UniqueName()], r)
}

// Registered reports whether g has any registration at all.
func (m *Mapper) Registered(g *goal.Goal) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[g.UniqueName()]) > 0
}

// Resolve returns the first registration for g whose push test passes.
// memo may be nil.
func (m *Mapper) Resolve(ctx context.Context, g *goal.Goal, inv *pushtest.Invocation, memo *pushtest.Memo) (Fulfillment, error) {
	m.mu.RLock()
	regs := append([]registration(nil), m.entries[g.UniqueName()]...)
	m.mu.RUnlock()

	for _, r := range regs {
		ok := true
		if r.test != nil {
			var err error
			if memo != nil {
				ok, err = memo.Evaluate(ctx, r.test, inv)
			} else {
				ok, err = pushtest.Evaluate(ctx, r.test, inv)
			}
			if err != nil {
				return Fulfillment{}, fmt.Errorf("resolving fulfillment for goal %s: %w", g, err)
			}
		}
		if ok {
			return Fulfillment{Goal: g, Implementation: r.impl, SideEffect: r.se}, nil
		}
	}
	return Fulfillment{}, fmt.Errorf("%w for goal %s", ErrNoFulfillment, g)
}
