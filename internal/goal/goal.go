// Package goal models delivery goals, the goal sets planned for a push and
// the persisted goal events whose state the executor advances.
package goal

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Environment groups goals by delivery stage. Values carry an ordinal
// prefix ("0-code") so they sort in pipeline order.
type Environment string

const (
	EnvironmentCode    Environment = "0-code"
	EnvironmentStaging Environment = "1-staging"
	EnvironmentProd    Environment = "2-prod"
)

// Name returns the environment without its ordinal prefix.
func (e Environment) Name() string {
	s := string(e)
	if len(s) > 2 && s[0] >= '0' && s[0] <= '9' && s[1] == '-' {
		return s[2:]
	}
	return s
}

// Descriptions holds the user-visible text for each state. Empty entries
// fall back to defaults derived from the goal's display name.
type Descriptions struct {
	Requested          string `yaml:"requested"`
	InProcess          string `yaml:"in_process"`
	Completed          string `yaml:"completed"`
	Failed             string `yaml:"failed"`
	WaitingForApproval string `yaml:"waiting_for_approval"`
	Stopped            string `yaml:"stopped"`
}

// Definition is the input to Registry.Define.
type Definition struct {
	UniqueName    string
	DisplayName   string
	Environment   Environment
	Descriptions  Descriptions
	Preconditions []string
	// Isolated goals are dispatched to the job fan-out instead of running
	// inside the orchestrator process.
	Isolated bool
}

// Goal is an immutable goal definition.
type Goal struct {
	uniqueName    string
	displayName   string
	environment   Environment
	descriptions  Descriptions
	preconditions []string
	isolated      bool
}

// New builds a goal without registry checks. GoalSet construction still
// rejects unknown preconditions and cycles.
func New(def Definition) *Goal {
	env := def.Environment
	if env == "" {
		env = EnvironmentCode
	}
	return &Goal{
		uniqueName:    def.UniqueName,
		displayName:   def.DisplayName,
		environment:   env,
		descriptions:  def.Descriptions,
		preconditions: append([]string(nil), def.Preconditions...),
		isolated:      def.Isolated,
	}
}

func (g *Goal) UniqueName() string       { return g.uniqueName }
func (g *Goal) Environment() Environment { return g.environment }
func (g *Goal) Isolated() bool           { return g.isolated }

// DisplayName returns the human name, defaulting to the unique name.
func (g *Goal) DisplayName() string {
	if g.displayName != "" {
		return g.displayName
	}
	return g.uniqueName
}

// Preconditions returns the unique names of goals that must succeed first.
func (g *Goal) Preconditions() []string {
	out := make([]string, len(g.preconditions))
	copy(out, g.preconditions)
	return out
}

// Describe returns the description for state.
func (g *Goal) Describe(state State) string {
	d, name := g.descriptions, g.DisplayName()
	pick := func(custom, def string) string {
		if custom != "" {
			return custom
		}
		return def + ": " + name
	}
	switch state {
	case StateRequested:
		return pick(d.Requested, "Ready")
	case StateInProcess:
		return pick(d.InProcess, "Working")
	case StateSuccess:
		return pick(d.Completed, "Complete")
	case StateFailure:
		return pick(d.Failed, "Failed")
	case StateWaitingForApproval:
		return pick(d.WaitingForApproval, "Approval required")
	case StateStopped:
		return pick(d.Stopped, "Stopped")
	default:
		return name
	}
}

// HookName returns the script name for a pre or post hook of this goal:
// {stage}-{environment}-{goal}, lower-cased with spaces as underscores.
func (g *Goal) HookName(stage string) string {
	name := strings.ReplaceAll(strings.ToLower(g.uniqueName), " ", "_")
	return fmt.Sprintf("%s-%s-%s", stage, strings.ToLower(g.environment.Name()), name)
}

func (g *Goal) String() string { return g.uniqueName }

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]{0,127}$`)

// Registry holds goal definitions. A goal may only name preconditions that
// were defined before it, so every registry is acyclic by construction.
type Registry struct {
	mu    sync.RWMutex
	goals map[string]*Goal
	order []string
}

func NewRegistry() *Registry {
	return &Registry{goals: make(map[string]*Goal)}
}

// Define validates def and registers the resulting goal.
func (r *Registry) Define(def Definition) (*Goal, error) {
	if !namePattern.MatchString(def.UniqueName) {
		return nil, fmt.Errorf("invalid goal name %q", def.UniqueName)
	}
	env := def.Environment
	if env == "" {
		env = EnvironmentCode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.goals[def.UniqueName]; exists {
		return nil, fmt.Errorf("goal %q already defined", def.UniqueName)
	}
	seen := make(map[string]bool, len(def.Preconditions))
	for _, p := range def.Preconditions {
		if p == def.UniqueName {
			return nil, fmt.Errorf("goal %q cannot depend on itself", p)
		}
		if _, ok := r.goals[p]; !ok {
			return nil, fmt.Errorf("goal %q: precondition %q is not defined", def.UniqueName, p)
		}
		if seen[p] {
			return nil, fmt.Errorf("goal %q: duplicate precondition %q", def.UniqueName, p)
		}
		seen[p] = true
	}

	def.Environment = env
	g := New(def)
	r.goals[g.uniqueName] = g
	r.order = append(r.order, g.uniqueName)
	return g, nil
}

// MustDefine is Define for static wiring; it panics on error.
func (r *Registry) MustDefine(def Definition) *Goal {
	g, err := r.Define(def)
	if err != nil {
		panic(err)
	}
	return g
}

// Get returns a defined goal by unique name.
func (r *Registry) Get(name string) (*Goal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.goals[name]
	return g, ok
}

// Goals returns all goals in definition order.
func (r *Registry) Goals() []*Goal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Goal, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.goals[name])
	}
	return out
}
