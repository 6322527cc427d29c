package autofix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sdmd/internal/github"
	"github.com/fyrsmithlabs/sdmd/internal/project"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
)

var tracer = otel.Tracer("sdmd/autofix")

// PullRequestRaiser opens pull requests. *github.Client implements it.
type PullRequestRaiser interface {
	RaisePullRequest(ctx context.Context, pr github.PullRequest) (*github.PullRequestResult, error)
}

// Config controls where fixes go.
type Config struct {
	// Author signs autofix commits. Nil uses the project's default.
	Author *project.Author
	// PullRequest commits fixes to a new branch and raises a pull request
	// against the push branch instead of pushing to it.
	PullRequest bool
	// BranchPrefix names pull request branches. Default "autofix".
	BranchPrefix string
}

// Pipeline runs registrations against a project.
type Pipeline struct {
	cfg     Config
	prs     PullRequestRaiser
	logger  *zap.Logger
	metrics *Metrics
}

func NewPipeline(cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "autofix"
	}
	return &Pipeline{cfg: cfg, logger: logger}
}

// SetPullRequests sets the pull request client used when Config.PullRequest
// is on.
func (p *Pipeline) SetPullRequests(r PullRequestRaiser) { p.prs = r }

// SetMetrics enables autofix metrics.
func (p *Pipeline) SetMetrics(m *Metrics) { p.metrics = m }

// relevant filters regs by push test and drops those whose commits are
// already part of the push.
func (p *Pipeline) relevant(ctx context.Context, inv *pushtest.Invocation, regs []Registration) ([]Registration, error) {
	var messages []string
	if inv != nil && inv.Push != nil {
		messages = inv.Push.CommitMessages()
	}
	memo := pushtest.NewMemo()
	var out []Registration
	for _, r := range regs {
		if alreadyApplied(r.Name, messages) {
			p.logger.Debug("autofix already in push", zap.String("autofix", r.Name))
			p.record(r.Name, "skipped")
			continue
		}
		if r.Test != nil {
			ok, err := memo.Evaluate(ctx, r.Test, inv)
			if err != nil {
				return nil, fmt.Errorf("autofix %s push test: %w", r.Name, err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// Run applies regs in order. A failing transform without IgnoreFailure
// stops the run and nothing is pushed; with IgnoreFailure its changes are
// reverted and the run continues. When anything was committed the project
// is pushed once.
//
// The returned error is non-nil only when the project itself could not be
// used or pushed; transform failures are reported in the EditResult.
func (p *Pipeline) Run(ctx context.Context, proj project.Project, inv *pushtest.Invocation, regs []Registration) (EditResult, error) {
	ctx, span := tracer.Start(ctx, "autofix.run")
	defer span.End()

	res := EditResult{Success: true}
	todo, err := p.relevant(ctx, inv, regs)
	if err != nil {
		return EditResult{}, err
	}
	span.SetAttributes(attribute.Int("autofix.count", len(todo)))
	if len(todo) == 0 {
		return res, nil
	}

	base, err := proj.CurrentBranch(ctx)
	if err != nil {
		return EditResult{}, fmt.Errorf("reading branch: %w", err)
	}
	res.Branch = base
	if inv != nil && inv.Push != nil && inv.Push.Branch != "" {
		base = inv.Push.Branch
	}

	for _, r := range todo {
		edited, terr := p.apply(ctx, proj, inv, r, &res)
		if terr != nil {
			res.Failures = append(res.Failures, terr)
			if !terr.Ignored {
				res.Success = false
				p.logger.Warn("autofix failed", zap.String("autofix", r.Name), zap.Error(terr.Err))
				return res, nil
			}
			p.logger.Info("autofix failed, ignoring", zap.String("autofix", r.Name), zap.Error(terr.Err))
			continue
		}
		if edited {
			res.Edited = true
			res.Applied = append(res.Applied, r.Name)
		}
	}

	if !res.Edited {
		return res, nil
	}
	if err := proj.Push(ctx); err != nil {
		return res, fmt.Errorf("pushing autofixes: %w", err)
	}
	if p.metrics != nil {
		p.metrics.Pushes.Inc()
	}
	p.logger.Info("pushed autofixes",
		zap.String("branch", res.Branch),
		zap.Strings("autofixes", res.Applied))

	if p.cfg.PullRequest && p.prs != nil && res.Branch != base && inv != nil && inv.Push != nil {
		pr, err := p.prs.RaisePullRequest(ctx, github.PullRequest{
			Owner: inv.Push.Repo.Owner,
			Repo:  inv.Push.Repo.Name,
			Head:  res.Branch,
			Base:  base,
			Title: "Autofixes: " + strings.Join(res.Applied, ", "),
			Body:  PullRequestBody(res.Applied),
		})
		if err != nil {
			return res, fmt.Errorf("raising autofix pull request: %w", err)
		}
		res.PullRequestURL = pr.URL
	}
	return res, nil
}

// apply runs one transform and commits its changes.
func (p *Pipeline) apply(ctx context.Context, proj project.Project, inv *pushtest.Invocation, r Registration, res *EditResult) (bool, *TransformError) {
	fail := func(err error) (bool, *TransformError) {
		te := &TransformError{Name: r.Name, Ignored: r.Options.IgnoreFailure, Err: err}
		if rerr := proj.Revert(ctx); rerr != nil {
			te.Err = errors.Join(err, fmt.Errorf("reverting: %w", rerr))
			te.Ignored = false
		}
		if te.Ignored {
			p.record(r.Name, "ignored")
		} else {
			p.record(r.Name, "failed")
		}
		return false, te
	}

	if r.Transform == nil {
		return fail(errors.New("no transform"))
	}
	tr, err := r.Transform(ctx, proj, inv)
	if err != nil {
		return fail(err)
	}
	if tr.Failed {
		msg := tr.Message
		if msg == "" {
			msg = "transform reported failure"
		}
		return fail(errors.New(msg))
	}

	clean, err := proj.IsClean(ctx)
	if err != nil {
		return fail(fmt.Errorf("reading status: %w", err))
	}
	if clean {
		p.record(r.Name, "unchanged")
		return false, nil
	}

	if p.cfg.PullRequest && !res.Edited {
		branch := p.branchName(inv)
		if err := proj.CreateBranch(ctx, branch); err != nil {
			return fail(err)
		}
		res.Branch = branch
	}
	if _, err := proj.Commit(ctx, CommitMessage(r.Name), p.cfg.Author); err != nil {
		return fail(fmt.Errorf("committing: %w", err))
	}
	p.record(r.Name, "applied")
	return true, nil
}

func (p *Pipeline) branchName(inv *pushtest.Invocation) string {
	if inv == nil || inv.Push == nil {
		return p.cfg.BranchPrefix
	}
	return fmt.Sprintf("%s-%s-%s", p.cfg.BranchPrefix, Slug(inv.Push.Branch), inv.Push.ShortSha())
}

func (p *Pipeline) record(name, outcome string) {
	if p.metrics != nil {
		p.metrics.Transforms.WithLabelValues(name, outcome).Inc()
	}
}
