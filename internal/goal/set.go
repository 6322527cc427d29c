package goal

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSet = errors.New("invalid goal set")
	ErrCycleFound = errors.New("goal cycle detected")
)

// SetError wraps goal set validation failures.
type SetError struct {
	Kind error
	Msg  string
}

func (e *SetError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *SetError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &SetError{Kind: ErrInvalidSet, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	return &SetError{Kind: ErrCycleFound, Msg: "cycle: " + strings.Join(path, " -> ")}
}

// Edge is a precondition relationship: To runs only after From succeeds.
type Edge struct {
	From, To string
}

// Set is the ordered, acyclic collection of goals planned for one push.
type Set struct {
	name  string
	goals []*Goal
	index map[string]int
}

// NewSet validates goals as a DAG and preserves their order. Every
// precondition must name a goal in the set.
func NewSet(name string, goals ...*Goal) (*Set, error) {
	s := &Set{name: name, index: make(map[string]int, len(goals))}
	for _, g := range goals {
		if g == nil {
			return nil, invalidf("nil goal")
		}
		if _, dup := s.index[g.uniqueName]; dup {
			return nil, invalidf("duplicate goal %q", g.uniqueName)
		}
		s.index[g.uniqueName] = len(s.goals)
		s.goals = append(s.goals, g)
	}
	for _, g := range s.goals {
		for _, p := range g.preconditions {
			if _, ok := s.index[p]; !ok {
				return nil, invalidf("goal %q requires %q which is not planned", g.uniqueName, p)
			}
		}
	}
	if err := s.checkAcyclic(); err != nil {
		return nil, err
	}
	return s, nil
}

// Union concatenates goal lists, keeping the first occurrence of each name.
func Union(lists ...[]*Goal) []*Goal {
	seen := make(map[string]bool)
	var out []*Goal
	for _, list := range lists {
		for _, g := range list {
			if g == nil || seen[g.uniqueName] {
				continue
			}
			seen[g.uniqueName] = true
			out = append(out, g)
		}
	}
	return out
}

func (s *Set) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	color := make([]int, len(s.goals))
	var stack []string

	var visit func(i int) error
	visit = func(i int) error {
		color[i] = visiting
		stack = append(stack, s.goals[i].uniqueName)
		for _, p := range s.goals[i].preconditions {
			j := s.index[p]
			switch color[j] {
			case visiting:
				start := 0
				for k, n := range stack {
					if n == p {
						start = k
					}
				}
				return cycleError(append(append([]string{}, stack[start:]...), p))
			case unvisited:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = done
		return nil
	}

	for i := range s.goals {
		if color[i] == unvisited {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Set) Name() string { return s.name }
func (s *Set) Len() int     { return len(s.goals) }

// Goals returns the goals in planning order.
func (s *Set) Goals() []*Goal {
	return append([]*Goal(nil), s.goals...)
}

// Get returns the goal with the given unique name.
func (s *Set) Get(name string) (*Goal, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.goals[i], true
}

// Names returns unique names in planning order.
func (s *Set) Names() []string {
	out := make([]string, len(s.goals))
	for i, g := range s.goals {
		out[i] = g.uniqueName
	}
	return out
}

// Edges returns precondition edges in planning order.
func (s *Set) Edges() []Edge {
	var out []Edge
	for _, g := range s.goals {
		for _, p := range g.preconditions {
			out = append(out, Edge{From: p, To: g.uniqueName})
		}
	}
	return out
}

// Dependants returns goals that list name as a direct precondition.
func (s *Set) Dependants(name string) []*Goal {
	var out []*Goal
	for _, g := range s.goals {
		for _, p := range g.preconditions {
			if p == name {
				out = append(out, g)
				break
			}
		}
	}
	return out
}
