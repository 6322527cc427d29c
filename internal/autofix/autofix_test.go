package autofix

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sdmd/internal/execution"
	"github.com/fyrsmithlabs/sdmd/internal/fulfillment"
	"github.com/fyrsmithlabs/sdmd/internal/github"
	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/project"
	"github.com/fyrsmithlabs/sdmd/internal/project/projecttest"
	"github.com/fyrsmithlabs/sdmd/internal/push"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
)

const sha = "0123456789abcdef0123456789abcdef01234567"

func newProject(files map[string]string) *projecttest.Project {
	return projecttest.New(project.RepoRef{Owner: "acme", Repo: "api", Branch: "main", Sha: sha}, files)
}

func invocation(p project.Project, messages ...string) *pushtest.Invocation {
	ev := &push.Event{Repo: push.Repo{Owner: "acme", Name: "api"}, Branch: "main", Sha: sha}
	for _, m := range messages {
		ev.Commits = append(ev.Commits, push.Commit{Message: m})
	}
	return &pushtest.Invocation{Push: ev, Project: p}
}

func writeFile(path, content string) Transform {
	return func(ctx context.Context, p project.Project, _ *pushtest.Invocation) (TransformResult, error) {
		return TransformResult{Edited: true}, p.WriteFile(ctx, path, []byte(content))
	}
}

func failing(path string, err error) Transform {
	return func(ctx context.Context, p project.Project, _ *pushtest.Invocation) (TransformResult, error) {
		_ = p.WriteFile(ctx, path, []byte("half done"))
		return TransformResult{}, err
	}
}

func TestCommitMessage(t *testing.T) {
	assert.Equal(t, "Autofix: Add License\n\n[atomist:generated] [atomist:autofix=add-license]", CommitMessage("Add License"))
	assert.Equal(t, "tslint-fix", Slug("  TSLint   fix! "))
}

func TestRun_CommitsEachTransformAndPushesOnce(t *testing.T) {
	p := newProject(map[string]string{"README.md": "hi"})
	pl := NewPipeline(Config{Author: &project.Author{Name: "bot", Email: "bot@example.com"}}, nil)

	res, err := pl.Run(context.Background(), p, invocation(p), []Registration{
		{Name: "license", Transform: writeFile("LICENSE", "MIT")},
		{Name: "noop", Transform: func(context.Context, project.Project, *pushtest.Invocation) (TransformResult, error) {
			return TransformResult{}, nil
		}},
		{Name: "headers", Transform: writeFile("README.md", "# hi")},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Edited)
	assert.Equal(t, []string{"license", "headers"}, res.Applied)
	require.Len(t, p.Commits, 2)
	assert.Equal(t, CommitMessage("license"), p.Commits[0].Message)
	assert.Equal(t, "bot", p.Commits[0].Author.Name)
	assert.Equal(t, []string{"main"}, p.Pushes)
}

func TestRun_FailFast(t *testing.T) {
	p := newProject(nil)
	pl := NewPipeline(Config{}, nil)
	ran := false

	res, err := pl.Run(context.Background(), p, invocation(p), []Registration{
		{Name: "first", Transform: writeFile("a.txt", "a")},
		{Name: "broken", Transform: failing("b.txt", errors.New("boom"))},
		{Name: "never", Transform: func(context.Context, project.Project, *pushtest.Invocation) (TransformResult, error) {
			ran = true
			return TransformResult{}, nil
		}},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, ran, "later transforms do not run")
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "broken", res.Failures[0].Name)
	assert.False(t, res.Failures[0].Ignored)
	assert.Empty(t, p.Pushes, "nothing is pushed after a fatal failure")

	require.Len(t, p.Commits, 1, "the first edit stays committed")
	assert.Equal(t, CommitMessage("first"), p.Commits[0].Message)
	assert.Equal(t, 1, p.Reverts)
	assert.Equal(t, "a", p.Content("a.txt"))
	assert.Empty(t, p.Content("b.txt"), "the failed edit is reverted")
}

func TestRun_IgnoreFailureRevertsAndContinues(t *testing.T) {
	p := newProject(nil)
	pl := NewPipeline(Config{}, nil)

	res, err := pl.Run(context.Background(), p, invocation(p), []Registration{
		{Name: "broken", Transform: failing("b.txt", errors.New("boom")), Options: Options{IgnoreFailure: true}},
		{Name: "reported", Transform: func(ctx context.Context, p project.Project, _ *pushtest.Invocation) (TransformResult, error) {
			_ = p.WriteFile(ctx, "c.txt", []byte("c"))
			return TransformResult{Failed: true, Message: "lint errors remain"}, nil
		}, Options: Options{IgnoreFailure: true}},
		{Name: "good", Transform: writeFile("a.txt", "a")},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Edited)
	assert.Equal(t, []string{"good"}, res.Applied)
	require.Len(t, res.Failures, 2)
	assert.True(t, res.Failures[0].Ignored)
	assert.Contains(t, res.Failures[1].Error(), "lint errors remain")
	assert.Equal(t, 2, p.Reverts)
	assert.Empty(t, p.Content("b.txt"))
	assert.Empty(t, p.Content("c.txt"))
	require.Len(t, p.Commits, 1)
	assert.Equal(t, []string{"main"}, p.Pushes)
}

func TestRun_SkipsAutofixesAlreadyInPush(t *testing.T) {
	p := newProject(nil)
	pl := NewPipeline(Config{}, nil)
	regs := []Registration{{Name: "license", Transform: writeFile("LICENSE", "MIT")}}

	res, err := pl.Run(context.Background(), p, invocation(p, "fix typo", CommitMessage("license")), regs)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Edited)
	assert.Empty(t, p.Commits)
}

func TestRun_SlugCollisionDoesNotSkip(t *testing.T) {
	p := newProject(nil)
	pl := NewPipeline(Config{}, nil)
	require.Equal(t, Slug("Add License"), Slug("add-license!"))
	regs := []Registration{{Name: "add-license!", Transform: writeFile("LICENSE", "MIT")}}

	res, err := pl.Run(context.Background(), p, invocation(p, CommitMessage("Add License")), regs)
	require.NoError(t, err)
	assert.True(t, res.Edited)
	assert.Equal(t, []string{"add-license!"}, res.Applied)
	require.Len(t, p.Commits, 1)
}

func TestRun_Idempotent(t *testing.T) {
	p := newProject(nil)
	pl := NewPipeline(Config{}, nil)
	regs := []Registration{{Name: "license", Transform: writeFile("LICENSE", "MIT")}}

	first, err := pl.Run(context.Background(), p, invocation(p), regs)
	require.NoError(t, err)
	require.True(t, first.Edited)

	second, err := pl.Run(context.Background(), p, invocation(p), regs)
	require.NoError(t, err)
	assert.False(t, second.Edited, "a second run over fixed content changes nothing")
	assert.Len(t, p.Commits, 1)
	assert.Len(t, p.Pushes, 1)
}

func TestRun_PushTestFiltersOnce(t *testing.T) {
	p := newProject(map[string]string{"package.json": "{}"})
	pl := NewPipeline(Config{}, nil)
	calls := 0
	isNode := pushtest.Leaf{Name: "isNode", Fn: func(ctx context.Context, inv *pushtest.Invocation) (bool, error) {
		calls++
		return inv.Project.HasFile(ctx, "package.json")
	}}

	res, err := pl.Run(context.Background(), p, invocation(p), []Registration{
		{Name: "eslint", Transform: writeFile("a.js", "a"), Test: isNode},
		{Name: "prettier", Transform: writeFile("b.js", "b"), Test: isNode},
		{Name: "gofmt", Transform: writeFile("c.go", "c"), Test: pushtest.NotOf(isNode)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"eslint", "prettier"}, res.Applied)
	assert.Equal(t, 1, calls)
}

type fakePRs struct {
	raised []github.PullRequest
}

func (f *fakePRs) RaisePullRequest(_ context.Context, pr github.PullRequest) (*github.PullRequestResult, error) {
	f.raised = append(f.raised, pr)
	return &github.PullRequestResult{Number: 4, URL: "https://github.com/acme/api/pull/4", Created: true}, nil
}

func TestRun_PullRequest(t *testing.T) {
	p := newProject(nil)
	prs := &fakePRs{}
	pl := NewPipeline(Config{PullRequest: true}, nil)
	pl.SetPullRequests(prs)

	res, err := pl.Run(context.Background(), p, invocation(p), []Registration{
		{Name: "license", Transform: writeFile("LICENSE", "MIT")},
	})
	require.NoError(t, err)
	assert.Equal(t, "autofix-main-0123456", res.Branch)
	assert.Equal(t, []string{"autofix-main-0123456"}, p.Branches)
	assert.Equal(t, []string{"autofix-main-0123456"}, p.Pushes)
	require.Len(t, prs.raised, 1)
	assert.Equal(t, "main", prs.raised[0].Base)
	assert.Contains(t, prs.raised[0].Body, "- license")
	assert.Equal(t, "https://github.com/acme/api/pull/4", res.PullRequestURL)
}

func goalInvocation(p *projecttest.Project, log execution.ProgressLog) *fulfillment.Invocation {
	return &fulfillment.Invocation{
		Invocation: *invocation(p),
		Goal:       goal.New(goal.Definition{UniqueName: "autofix"}),
		Log:        log,
	}
}

func TestExecutor_GoalSignal(t *testing.T) {
	regs := []Registration{{Name: "license", Transform: writeFile("LICENSE", "MIT")}}

	t.Run("same branch succeeds", func(t *testing.T) {
		p := newProject(nil)
		log := execution.NewBufferedLog(0)
		res, err := NewPipeline(Config{}, nil).Executor(regs...)(context.Background(), goalInvocation(p, log))
		require.NoError(t, err)
		assert.Equal(t, goal.State(""), res.State)
		assert.Equal(t, "Autofixes applied", res.Message)
	})

	t.Run("other branch stops", func(t *testing.T) {
		p := newProject(nil)
		log := execution.NewBufferedLog(0)
		res, err := NewPipeline(Config{PullRequest: true}, nil).Executor(regs...)(context.Background(), goalInvocation(p, log))
		require.NoError(t, err)
		assert.Equal(t, goal.StateStopped, res.State)
		assert.Contains(t, log.Log(), "Applied autofixes on autofix-main-0123456: license")
	})

	t.Run("no changes", func(t *testing.T) {
		p := newProject(map[string]string{"LICENSE": "MIT"})
		log := execution.NewBufferedLog(0)
		res, err := NewPipeline(Config{}, nil).Executor(regs...)(context.Background(), goalInvocation(p, log))
		require.NoError(t, err)
		assert.Equal(t, "No changes", res.Message)
		assert.Contains(t, log.Log(), "No autofixes applied")
	})

	t.Run("fatal failure", func(t *testing.T) {
		p := newProject(nil)
		log := execution.NewBufferedLog(0)
		res, err := NewPipeline(Config{}, nil).Executor(Registration{
			Name: "broken", Transform: failing("x", errors.New("boom")),
		})(context.Background(), goalInvocation(p, log))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Code)
		assert.Contains(t, res.Message, "autofix broken: boom")
	})
}
