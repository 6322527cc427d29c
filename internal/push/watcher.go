package push

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotGitRepo indicates the watched directory is not a git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// maxWatchedCommits caps how far back a local push walks history.
const maxWatchedCommits = 50

// LocalWatcher turns commits made in a local repository into push events,
// so goal sets can be planned without a hosted provider.
type LocalWatcher struct {
	path    string
	repo    *git.Repository
	ident   Repo
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	events chan Event
	stop   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	lastSha string
}

// NewLocalWatcher opens the repository at path.
func NewLocalWatcher(path string, logger *zap.Logger) (*LocalWatcher, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotGitRepo, path, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	lw := &LocalWatcher{
		path:    path,
		repo:    repo,
		ident:   localIdentity(repo, path),
		watcher: w,
		logger:  logger,
		events:  make(chan Event, 10),
		stop:    make(chan struct{}),
	}
	if head, err := repo.Head(); err == nil {
		lw.lastSha = head.Hash().String()
	}
	return lw, nil
}

// Start watches the reflog for new commits until ctx ends or Stop is called.
func (w *LocalWatcher) Start(ctx context.Context) error {
	gitDir := filepath.Join(w.path, ".git")
	for _, p := range []string{filepath.Join(gitDir, "logs", "HEAD"), filepath.Join(gitDir, "HEAD")} {
		if err := w.watcher.Add(p); err != nil {
			w.logger.Debug("not watching path", zap.String("path", p), zap.Error(err))
		}
	}
	if len(w.watcher.WatchList()) == 0 {
		return fmt.Errorf("no git metadata to watch under %s", gitDir)
	}
	go w.run(ctx)
	return nil
}

// Stop releases the filesystem watcher. Safe to call more than once.
func (w *LocalWatcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

// Root returns the top of the working tree.
func (w *LocalWatcher) Root() string {
	wt, err := w.repo.Worktree()
	if err != nil {
		return w.path
	}
	return wt.Filesystem.Root()
}

// Repo identifies the watched repository.
func (w *LocalWatcher) Repo() Repo { return w.ident }

// Events delivers push events for new commits.
func (w *LocalWatcher) Events() <-chan Event {
	return w.events
}

func (w *LocalWatcher) run(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p, err := w.Poll()
			if err != nil {
				w.logger.Warn("reading local push", zap.Error(err))
				continue
			}
			if p == nil {
				continue
			}
			select {
			case w.events <- *p:
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))
		}
	}
}

// Poll returns a push for commits made since the last poll, or nil when
// HEAD has not moved.
func (w *LocalWatcher) Poll() (*Event, error) {
	head, err := w.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	sha := head.Hash().String()

	w.mu.Lock()
	before := w.lastSha
	if sha == before {
		w.mu.Unlock()
		return nil, nil
	}
	w.lastSha = sha
	w.mu.Unlock()
	return w.eventFor(head, before)
}

// Current returns a push for HEAD alone, as if it had just been pushed.
// Its changed files are unknown.
func (w *LocalWatcher) Current() (*Event, error) {
	head, err := w.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	ev, err := w.eventFor(head, "")
	if err != nil {
		return nil, err
	}
	if n := len(ev.Commits); n > 1 {
		ev.Commits = ev.Commits[n-1:]
	}
	return ev, nil
}

func (w *LocalWatcher) eventFor(head *plumbing.Reference, before string) (*Event, error) {
	sha := head.Hash().String()
	ev := &Event{
		ID:        uuid.NewString(),
		Repo:      w.ident,
		Branch:    head.Name().Short(),
		Sha:       sha,
		Before:    before,
		Timestamp: time.Now(),
	}
	if !head.Name().IsBranch() {
		ev.Branch = "HEAD"
	}

	iter, err := w.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	var commits []Commit
	for len(commits) < maxWatchedCommits {
		c, err := iter.Next()
		if err != nil || c.Hash.String() == before {
			break
		}
		commits = append(commits, Commit{
			Sha:       c.Hash.String(),
			Message:   c.Message,
			Author:    Author{Name: c.Author.Name, Email: c.Author.Email},
			Timestamp: c.Author.When,
		})
	}
	iter.Close()
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	ev.Commits = commits

	files, err := changedFiles(w.repo, before, sha)
	if err != nil {
		w.logger.Debug("computing changed files", zap.Error(err))
	}
	ev.ChangedFiles = files
	return ev, nil
}

func changedFiles(repo *git.Repository, from, to string) ([]string, error) {
	if from == "" {
		return nil, nil
	}
	treeOf := func(sha string) (*object.Tree, error) {
		c, err := repo.CommitObject(plumbing.NewHash(sha))
		if err != nil {
			return nil, err
		}
		return c.Tree()
	}
	oldTree, err := treeOf(from)
	if err != nil {
		return nil, err
	}
	newTree, err := treeOf(to)
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(oldTree, newTree)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, ch := range changes {
		for _, name := range []string{ch.From.Name, ch.To.Name} {
			if name != "" && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

var remotePathRegex = regexp.MustCompile(`[:/]([^/:]+)/([^/]+?)(\.git)?/?$`)
var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// localIdentity derives owner/name from the origin remote, falling back to
// "local/<dir>".
func localIdentity(repo *git.Repository, path string) Repo {
	ident := Repo{Owner: "local", Name: unsafeNameChars.ReplaceAllString(filepath.Base(path), "_")}
	if abs, err := filepath.Abs(path); err == nil {
		ident.Name = unsafeNameChars.ReplaceAllString(filepath.Base(abs), "_")
		ident.CloneURL = "file://" + abs
	}
	if remote, err := repo.Remote("origin"); err == nil && len(remote.Config().URLs) > 0 {
		url := remote.Config().URLs[0]
		if m := remotePathRegex.FindStringSubmatch(url); m != nil {
			ident.Owner, ident.Name = m[1], strings.TrimSuffix(m[2], ".git")
		}
	}
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		ident.DefaultBranch = head.Name().Short()
	}
	return ident
}
