package goal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) (*Registry, *Goal, *Goal, *Goal) {
	t.Helper()
	r := NewRegistry()
	build := r.MustDefine(Definition{UniqueName: "build"})
	test := r.MustDefine(Definition{UniqueName: "test", Preconditions: []string{"build"}})
	deploy := r.MustDefine(Definition{
		UniqueName:    "deploy",
		DisplayName:   "Deploy to staging",
		Environment:   EnvironmentStaging,
		Preconditions: []string{"build", "test"},
		Descriptions:  Descriptions{Completed: "Deployed"},
	})
	return r, build, test, deploy
}

func TestRegistry_Define(t *testing.T) {
	r, build, _, deploy := testRegistry(t)

	got, ok := r.Get("build")
	require.True(t, ok)
	assert.Same(t, build, got)
	assert.Equal(t, EnvironmentCode, build.Environment())
	assert.Equal(t, []string{"build", "test"}, deploy.Preconditions())
	assert.Len(t, r.Goals(), 3)

	_, err := r.Define(Definition{UniqueName: "build"})
	assert.Error(t, err, "duplicate")

	_, err = r.Define(Definition{UniqueName: "publish", Preconditions: []string{"missing"}})
	assert.Error(t, err, "undefined precondition")

	_, err = r.Define(Definition{UniqueName: "loop", Preconditions: []string{"loop"}})
	assert.Error(t, err)

	_, err = r.Define(Definition{UniqueName: "bad/name"})
	assert.Error(t, err)
}

func TestGoal_PreconditionsAreCopies(t *testing.T) {
	_, _, _, deploy := testRegistry(t)
	pre := deploy.Preconditions()
	pre[0] = "mutated"
	assert.Equal(t, "build", deploy.Preconditions()[0])
}

func TestGoal_Describe(t *testing.T) {
	_, build, _, deploy := testRegistry(t)

	assert.Equal(t, "Working: build", build.Describe(StateInProcess))
	assert.Equal(t, "Failed: build", build.Describe(StateFailure))
	assert.Equal(t, "Deployed", deploy.Describe(StateSuccess))
	assert.Equal(t, "Approval required: Deploy to staging", deploy.Describe(StateWaitingForApproval))
}

func TestGoal_HookName(t *testing.T) {
	g := New(Definition{UniqueName: "Docker Build", Environment: EnvironmentStaging})
	assert.Equal(t, "pre-staging-docker_build", g.HookName("pre"))
	assert.Equal(t, "post-staging-docker_build", g.HookName("post"))
	assert.Equal(t, "code", EnvironmentCode.Name())
	assert.Equal(t, "custom", Environment("custom").Name())
}

func TestNewSet(t *testing.T) {
	_, build, test, deploy := testRegistry(t)

	set, err := NewSet("default", build, test, deploy)
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "test", "deploy"}, set.Names())
	assert.Equal(t, []Edge{
		{From: "build", To: "test"},
		{From: "build", To: "deploy"},
		{From: "test", To: "deploy"},
	}, set.Edges())
	assert.Equal(t, []*Goal{test, deploy}, set.Dependants("build"))

	_, err = NewSet("partial", build, deploy)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSet))

	_, err = NewSet("dup", build, build)
	assert.True(t, errors.Is(err, ErrInvalidSet))
}

func TestNewSet_Cycle(t *testing.T) {
	a := New(Definition{UniqueName: "a", Preconditions: []string{"c"}})
	b := New(Definition{UniqueName: "b", Preconditions: []string{"a"}})
	c := New(Definition{UniqueName: "c", Preconditions: []string{"b"}})

	_, err := NewSet("cyclic", a, b, c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleFound))
	assert.Contains(t, err.Error(), "a -> c -> b -> a")
}

func TestUnion(t *testing.T) {
	_, build, test, deploy := testRegistry(t)
	got := Union([]*Goal{build, test}, []*Goal{test, deploy}, nil)
	assert.Equal(t, []*Goal{build, test, deploy}, got)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateRequested, StateInProcess, true},
		{StateRequested, StateSuccess, false},
		{StateInProcess, StateSuccess, true},
		{StateInProcess, StateWaitingForApproval, true},
		{StateInProcess, StateRequested, false},
		{StateWaitingForApproval, StateSuccess, true},
		{StateSuccess, StateFailure, false},
		{StateFailure, StateInProcess, false},
		{StateInProcess, StateInProcess, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func testEvent(t *testing.T) Event {
	t.Helper()
	_, build, test, deploy := testRegistry(t)
	set, err := NewSet("default", build, test, deploy)
	require.NoError(t, err)

	c := Commit{Owner: "acme", Repo: "api", Branch: "main", Sha: "0123456789abcdef0123456789abcdef01234567"}
	prov := Provenance{Name: "sdmd", Ts: time.Unix(100, 0)}
	return NewRequestedEvent("ev-1", set, "set-1", deploy, c, Fulfillment{Method: MethodSDM, Name: "deployer"}, prov)
}

func TestNewRequestedEvent(t *testing.T) {
	ev := testEvent(t)

	assert.Equal(t, StateRequested, ev.State)
	assert.Equal(t, "Ready: Deploy to staging", ev.Description)
	assert.Equal(t, "deploy", ev.Key.Name)
	assert.Equal(t, EnvironmentStaging, ev.Key.Environment)
	require.Len(t, ev.PreConditions, 2)
	assert.Equal(t, "build", ev.PreConditions[0].Name)
	assert.Equal(t, "acme/api@0123456:staging/deploy", ev.Key.String())
	assert.Equal(t, 1, ev.Version)
}

func TestApply(t *testing.T) {
	ev := testEvent(t)
	now := time.Unix(200, 0)

	next, err := Apply(ev, Delta{
		State:       StateInProcess,
		Description: "Working: deploy",
		Provenance:  &Provenance{Name: "executor"},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, StateInProcess, next.State)
	assert.Equal(t, "Working: deploy", next.Description)
	assert.Len(t, next.Provenance, 2)
	assert.Equal(t, now, next.Provenance[1].Ts)
	assert.Equal(t, 2, next.Version)

	assert.Equal(t, StateRequested, ev.State, "input unchanged")
	assert.Len(t, ev.Provenance, 1, "provenance of input unchanged")

	_, err = Apply(next, Delta{State: StateRequested}, now)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StateInProcess, terr.From)

	_, err = Apply(next, Delta{State: "exploded"}, now)
	assert.Error(t, err)
}

func TestApply_SideEffectOutcome(t *testing.T) {
	now := time.Unix(200, 0)
	tests := []struct {
		name   string
		method string
		to     State
		ok     bool
	}{
		{"side effect succeeds directly", MethodSideEffect, StateSuccess, true},
		{"side effect awaits approval directly", MethodSideEffect, StateWaitingForApproval, true},
		{"side effect fails directly", MethodSideEffect, StateFailure, true},
		{"sdm goal must be in process first", MethodSDM, StateSuccess, false},
		{"sdm goal approval needs in process", MethodSDM, StateWaitingForApproval, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := testEvent(t)
			ev.Fulfillment = Fulfillment{Method: tt.method, Name: "external-ci"}

			next, err := Apply(ev, Delta{State: tt.to}, now)
			if !tt.ok {
				var terr *TransitionError
				require.ErrorAs(t, err, &terr)
				assert.Equal(t, StateRequested, next.State)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, next.State)
		})
	}

	ev := testEvent(t)
	ev.Fulfillment = Fulfillment{Method: MethodSideEffect, Name: "external-ci"}
	done, err := Apply(ev, Delta{State: StateSuccess}, now)
	require.NoError(t, err)
	_, err = Apply(done, Delta{State: StateFailure}, now)
	assert.Error(t, err, "terminal side effect stays terminal")
}
