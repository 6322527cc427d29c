package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/gobwas/glob"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("sdmd/project")

// GitProject is a checkout on local disk.
type GitProject struct {
	ref   RepoRef
	dir   string
	repo  *git.Repository
	creds Credentials
}

// OpenGitProject wraps an existing checkout.
func OpenGitProject(ref RepoRef, dir string, creds Credentials) (*GitProject, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dir, err)
	}
	return &GitProject{ref: ref, dir: dir, repo: repo, creds: creds}, nil
}

func (p *GitProject) ID() RepoRef { return p.ref }

func (p *GitProject) BaseDir(context.Context) (string, error) { return p.dir, nil }

// Dir returns the checkout directory.
func (p *GitProject) Dir() string { return p.dir }

func (p *GitProject) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return filepath.Join(p.dir, clean), nil
}

func (p *GitProject) HasFile(_ context.Context, path string) (bool, error) {
	full, err := p.resolve(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func (p *GitProject) ReadFile(_ context.Context, path string) ([]byte, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	return data, err
}

func (p *GitProject) WriteFile(_ context.Context, path string, data []byte) error {
	full, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (p *GitProject) Files(_ context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid file pattern %q: %w", pattern, err)
	}
	var out []string
	err = filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(p.dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if g.Match(rel) {
			out = append(out, rel)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (p *GitProject) Status(context.Context) (Status, error) {
	wt, err := p.repo.Worktree()
	if err != nil {
		return Status{}, err
	}
	st, err := wt.Status()
	if err != nil {
		return Status{}, fmt.Errorf("reading status: %w", err)
	}
	out := Status{Clean: st.IsClean()}
	for path, fst := range st {
		if fst.Worktree != git.Unmodified || fst.Staging != git.Unmodified {
			out.Changed = append(out.Changed, path)
		}
	}
	sort.Strings(out.Changed)
	if head, err := p.repo.Head(); err == nil {
		out.Sha = head.Hash().String()
		if head.Name().IsBranch() {
			out.Branch = head.Name().Short()
		}
	}
	return out, nil
}

func (p *GitProject) IsClean(ctx context.Context) (bool, error) {
	st, err := p.Status(ctx)
	return st.Clean, err
}

func (p *GitProject) CurrentBranch(context.Context) (string, error) {
	head, err := p.repo.Head()
	if err != nil {
		return "", err
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

func (p *GitProject) HeadSha(context.Context) (string, error) {
	head, err := p.repo.Head()
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}

func (p *GitProject) Commit(_ context.Context, message string, author *Author) (string, error) {
	wt, err := p.repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	opts := &git.CommitOptions{}
	if author != nil {
		opts.Author = &object.Signature{Name: author.Name, Email: author.Email, When: time.Now()}
	} else {
		opts.Author = &object.Signature{Name: "sdmd", Email: "sdmd@localhost", When: time.Now()}
	}
	h, err := wt.Commit(message, opts)
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return h.String(), nil
}

func (p *GitProject) Revert(context.Context) error {
	wt, err := p.repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}
	return wt.Clean(&git.CleanOptions{Dir: true})
}

func (p *GitProject) Push(ctx context.Context) error {
	head, err := p.repo.Head()
	if err != nil {
		return err
	}
	if !head.Name().IsBranch() {
		return fmt.Errorf("cannot push detached HEAD at %s", head.Hash())
	}
	spec := gitconfig.RefSpec(fmt.Sprintf("%s:%s", head.Name(), head.Name()))
	err = p.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       authFor(p.creds),
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pushing %s: %w", head.Name().Short(), err)
	}
	return nil
}

func (p *GitProject) Checkout(_ context.Context, ref string) error {
	wt, err := p.repo.Worktree()
	if err != nil {
		return err
	}
	opts := &git.CheckoutOptions{}
	if exactShaRegex.MatchString(ref) {
		opts.Hash = plumbing.NewHash(ref)
	} else {
		opts.Branch = plumbing.NewBranchReferenceName(ref)
	}
	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("checking out %s: %w", ref, err)
	}
	return nil
}

func (p *GitProject) CreateBranch(_ context.Context, name string) error {
	wt, err := p.repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
		Keep:   true,
	})
	if err != nil {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}
	return nil
}

func authFor(c Credentials) transport.AuthMethod {
	if c.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: c.Token}
}

// GitCloner clones repositories into fresh temporary directories. Used
// directly as a Loader it clones on every call and removes the checkout
// when the action returns.
type GitCloner struct {
	baseDir string
	logger  *zap.Logger
	metrics *Metrics
}

// NewGitCloner clones under baseDir, or the system temp dir when empty.
func NewGitCloner(baseDir string, logger *zap.Logger) *GitCloner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitCloner{baseDir: baseDir, logger: logger}
}

// SetMetrics enables clone metrics.
func (c *GitCloner) SetMetrics(m *Metrics) { c.metrics = m }

func (c *GitCloner) Clone(ctx context.Context, params Params) (Project, error) {
	ref := params.ID
	ctx, span := tracer.Start(ctx, "project.clone")
	defer span.End()
	span.SetAttributes(
		attribute.String("repo", ref.Slug()),
		attribute.String("branch", ref.Branch),
		attribute.String("sha", ref.Sha),
	)

	if c.baseDir != "" {
		if err := os.MkdirAll(c.baseDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating clone base dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(c.baseDir, "sdmd-"+ref.Owner+"-"+ref.Repo+"-")
	if err != nil {
		return nil, fmt.Errorf("creating clone dir: %w", err)
	}

	start := time.Now()
	p, err := c.cloneInto(ctx, params, dir)
	if c.metrics != nil {
		c.metrics.recordClone(err, time.Since(start).Seconds())
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.logger.Debug("cloned project",
		zap.String("repo", ref.Slug()),
		zap.String("sha", ref.Sha),
		zap.String("dir", dir),
		zap.Duration("duration", time.Since(start)))
	return p, nil
}

func (c *GitCloner) cloneInto(ctx context.Context, params Params, dir string) (*GitProject, error) {
	ref := params.ID
	opts := &git.CloneOptions{
		URL:          ref.URL,
		Auth:         authFor(params.Credentials),
		SingleBranch: !params.CloneOptions.NoSingleBranch && ref.Branch != "",
		Depth:        params.CloneOptions.Depth,
	}
	if ref.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref.Branch)
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", ref.Slug(), err)
	}

	if ref.Sha != "" {
		head, err := repo.Head()
		if err != nil {
			return nil, err
		}
		if head.Hash().String() != ref.Sha {
			wt, err := repo.Worktree()
			if err != nil {
				return nil, err
			}
			hash := plumbing.NewHash(ref.Sha)
			if params.CloneOptions.Detach {
				err = wt.Checkout(&git.CheckoutOptions{Hash: hash})
			} else {
				err = wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset})
			}
			if err != nil {
				return nil, fmt.Errorf("checking out %s: %w", ref.Sha, err)
			}
		}
	}
	return &GitProject{ref: ref, dir: dir, repo: repo, creds: params.Credentials}, nil
}

// DoWithProject clones, runs action and removes the checkout.
func (c *GitCloner) DoWithProject(ctx context.Context, params Params, action Action) error {
	p, err := c.Clone(ctx, params)
	if err != nil {
		return err
	}
	dir, _ := p.BaseDir(ctx)
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("removing checkout", zap.String("dir", dir), zap.Error(err))
		}
	}()
	return action(ctx, p)
}
