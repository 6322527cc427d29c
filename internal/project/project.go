// Package project materializes working copies of repositories at a commit
// and shares them between goal executions.
//
// Loaders form a stack: GitCloner clones, CachingLoader reuses read-only
// checkouts of exact commits, and LazyLoader defers cloning until a goal
// touches more than a single file.
package project

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrFileNotFound is returned when a path does not exist in the project.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidPath is returned for paths escaping the project root.
	ErrInvalidPath = errors.New("invalid project path")
)

var exactShaRegex = regexp.MustCompile(`^[0-9a-f]{40}$`)

// RepoRef identifies a repository at a revision.
type RepoRef struct {
	Owner  string
	Repo   string
	Branch string
	// Sha is the revision to check out. Only a full 40 character sha makes
	// a checkout cacheable.
	Sha string
	// URL is the clone URL.
	URL string
}

// Slug returns owner/repo.
func (r RepoRef) Slug() string { return r.Owner + "/" + r.Repo }

// IsExactSha reports whether Sha pins an immutable commit.
func (r RepoRef) IsExactSha() bool { return exactShaRegex.MatchString(r.Sha) }

// Credentials authenticate clone and push.
type Credentials struct {
	Token string
}

func (c Credentials) String() string {
	if c.Token == "" {
		return "Credentials{}"
	}
	return "Credentials{Token:[REDACTED]}"
}

// CloneOptions tune how a checkout is materialized.
type CloneOptions struct {
	// Depth limits history; 0 clones everything.
	Depth int
	// NoSingleBranch fetches every branch instead of only RepoRef.Branch.
	NoSingleBranch bool
	// Detach leaves HEAD detached at Sha instead of on the branch.
	Detach bool
}

func (o CloneOptions) key() string {
	return fmt.Sprintf("depth=%d,all=%t,detach=%t", o.Depth, o.NoSingleBranch, o.Detach)
}

// Disposer lets the caller's context own cleanup of an ephemeral checkout.
type Disposer interface {
	OnDispose(fn func() error)
}

// Params describe one project acquisition.
type Params struct {
	ID           RepoRef
	Credentials  Credentials
	ReadOnly     bool
	CloneOptions CloneOptions
	// Disposer, when set, receives cleanup of non-cached checkouts.
	Disposer Disposer
}

// Cacheable reports whether the checkout may be shared: read-only and
// pinned to an exact commit.
func (p Params) Cacheable() bool {
	return p.ReadOnly && p.ID.IsExactSha()
}

// CacheKey is owner:repo:branch:sha:cloneOptions.
func (p Params) CacheKey() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", p.ID.Owner, p.ID.Repo, p.ID.Branch, p.ID.Sha, p.CloneOptions.key())
}

// Author signs commits.
type Author struct {
	Name  string
	Email string
}

// Status is the working tree state.
type Status struct {
	Branch  string
	Sha     string
	Clean   bool
	Changed []string
}

// Project is a working copy of a repository.
type Project interface {
	ID() RepoRef
	// BaseDir returns the checkout directory, materializing if needed.
	BaseDir(ctx context.Context) (string, error)

	HasFile(ctx context.Context, path string) (bool, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	// Files lists paths matching a glob, relative to the root.
	Files(ctx context.Context, pattern string) ([]string, error)

	Status(ctx context.Context) (Status, error)
	IsClean(ctx context.Context) (bool, error)
	CurrentBranch(ctx context.Context) (string, error)
	HeadSha(ctx context.Context) (string, error)

	// Commit stages everything and commits. Returns the new sha.
	Commit(ctx context.Context, message string, author *Author) (string, error)
	// Revert discards uncommitted changes.
	Revert(ctx context.Context) error
	Push(ctx context.Context) error
	Checkout(ctx context.Context, ref string) error
	CreateBranch(ctx context.Context, name string) error
}

// Action runs against an acquired project.
type Action func(ctx context.Context, p Project) error

// Loader acquires a project for the duration of an action.
type Loader interface {
	DoWithProject(ctx context.Context, params Params, action Action) error
}

// Cloner materializes a fresh working copy.
type Cloner interface {
	Clone(ctx context.Context, params Params) (Project, error)
}

// DisposerFunc collects cleanup functions; Dispose runs them in reverse.
type DisposerFunc struct {
	fns []func() error
}

func (d *DisposerFunc) OnDispose(fn func() error) { d.fns = append(d.fns, fn) }

// Dispose runs registered cleanups, returning the first error.
func (d *DisposerFunc) Dispose() error {
	var first error
	for i := len(d.fns) - 1; i >= 0; i-- {
		if err := d.fns[i](); err != nil && first == nil {
			first = err
		}
	}
	d.fns = nil
	return first
}

// DefaultCleanupDelay is how long ephemeral checkouts live when nobody
// disposes of them.
const DefaultCleanupDelay = 2 * time.Minute
