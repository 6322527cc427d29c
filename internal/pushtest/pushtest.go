// Package pushtest decides whether a push qualifies for a goal or an
// implementation.
//
// A Predicate is one of And, Or, Not or Leaf. Composites are plain data,
// so rule sets can be printed with Describe and evaluated by Evaluate.
package pushtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/sdmd/internal/project"
	"github.com/fyrsmithlabs/sdmd/internal/push"
)

// Invocation is what a predicate sees.
type Invocation struct {
	Push        *push.Event
	Project     project.Project
	Credentials project.Credentials
}

// Predicate is a push test.
type Predicate interface {
	predicate()
}

// LeafFunc evaluates a single condition.
type LeafFunc func(ctx context.Context, inv *Invocation) (bool, error)

// And holds when every predicate holds. An empty And holds.
type And struct{ Preds []Predicate }

// Or holds when any predicate holds. An empty Or does not.
type Or struct{ Preds []Predicate }

// Not negates Pred.
type Not struct{ Pred Predicate }

// Leaf is a named condition.
type Leaf struct {
	Name string
	Fn   LeafFunc
}

func (And) predicate()  {}
func (Or) predicate()   {}
func (Not) predicate()  {}
func (Leaf) predicate() {}

// AllOf is shorthand for And.
func AllOf(preds ...Predicate) Predicate { return And{Preds: preds} }

// AnyOf is shorthand for Or.
func AnyOf(preds ...Predicate) Predicate { return Or{Preds: preds} }

// NotOf is shorthand for Not.
func NotOf(p Predicate) Predicate { return Not{Pred: p} }

// Evaluate interprets p against inv. And and Or short-circuit; the first
// error aborts evaluation.
func Evaluate(ctx context.Context, p Predicate, inv *Invocation) (bool, error) {
	return evaluate(ctx, p, inv, nil)
}

func evaluate(ctx context.Context, p Predicate, inv *Invocation, memo *Memo) (bool, error) {
	switch p := p.(type) {
	case And:
		for _, sub := range p.Preds {
			ok, err := evaluate(ctx, sub, inv, memo)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Or:
		for _, sub := range p.Preds {
			ok, err := evaluate(ctx, sub, inv, memo)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case Not:
		ok, err := evaluate(ctx, p.Pred, inv, memo)
		return !ok && err == nil, err
	case Leaf:
		if memo != nil {
			return memo.leaf(ctx, p, inv)
		}
		return runLeaf(ctx, p, inv)
	case nil:
		return false, fmt.Errorf("nil push test")
	default:
		return false, fmt.Errorf("unknown push test %T", p)
	}
}

func runLeaf(ctx context.Context, l Leaf, inv *Invocation) (bool, error) {
	if l.Fn == nil {
		return false, fmt.Errorf("push test %q has no function", l.Name)
	}
	ok, err := l.Fn(ctx, inv)
	if err != nil {
		return false, fmt.Errorf("push test %q: %w", l.Name, err)
	}
	return ok, nil
}

// Describe renders p for logs and planning output.
func Describe(p Predicate) string {
	switch p := p.(type) {
	case And:
		return join("and", p.Preds)
	case Or:
		return join("or", p.Preds)
	case Not:
		return "not " + Describe(p.Pred)
	case Leaf:
		return p.Name
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%T", p)
	}
}

func join(op string, preds []Predicate) string {
	if len(preds) == 0 {
		if op == "and" {
			return "true"
		}
		return "false"
	}
	parts := make([]string, len(preds))
	for i, sub := range preds {
		parts[i] = Describe(sub)
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

// Memo caches leaf results per push sha, so a leaf shared by many rules
// runs once per push. Unnamed leaves are never cached.
type Memo struct {
	mu      sync.Mutex
	results map[string]bool
}

func NewMemo() *Memo {
	return &Memo{results: make(map[string]bool)}
}

// Evaluate is Evaluate with leaf results cached.
func (m *Memo) Evaluate(ctx context.Context, p Predicate, inv *Invocation) (bool, error) {
	return evaluate(ctx, p, inv, m)
}

func (m *Memo) leaf(ctx context.Context, l Leaf, inv *Invocation) (bool, error) {
	if l.Name == "" || inv == nil || inv.Push == nil {
		return runLeaf(ctx, l, inv)
	}
	key := inv.Push.Repo.Slug() + "@" + inv.Push.Sha + "/" + l.Name

	m.mu.Lock()
	ok, cached := m.results[key]
	m.mu.Unlock()
	if cached {
		return ok, nil
	}

	ok, err := runLeaf(ctx, l, inv)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	m.results[key] = ok
	m.mu.Unlock()
	return ok, nil
}

// Len returns the number of cached results.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}
