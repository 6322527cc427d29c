// Package projecttest provides an in-memory project.Project for tests.
package projecttest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/fyrsmithlabs/sdmd/internal/project"
)

// Commit is a commit recorded by Project.
type Commit struct {
	Sha     string
	Message string
	Author  *project.Author
	Branch  string
}

// Project keeps files in memory and records git operations.
type Project struct {
	mu sync.Mutex

	ref       project.RepoRef
	dir       string
	committed map[string]string
	files     map[string]string
	branch    string
	head      string

	Commits  []Commit
	Pushes   []string
	Reverts  int
	Branches []string

	// Err, when set, fails every operation.
	Err error
}

// New returns a project on ref.Branch at ref.Sha holding files.
func New(ref project.RepoRef, files map[string]string) *Project {
	committed := make(map[string]string, len(files))
	for k, v := range files {
		committed[k] = v
	}
	p := &Project{
		ref:       ref,
		dir:       "/mem/" + ref.Owner + "/" + ref.Repo,
		committed: committed,
		branch:    ref.Branch,
		head:      ref.Sha,
	}
	p.files = p.copyCommitted()
	return p
}

func (p *Project) copyCommitted() map[string]string {
	out := make(map[string]string, len(p.committed))
	for k, v := range p.committed {
		out[k] = v
	}
	return out
}

// SetBaseDir overrides the directory returned by BaseDir.
func (p *Project) SetBaseDir(dir string) { p.dir = dir }

func (p *Project) ID() project.RepoRef { return p.ref }

func (p *Project) BaseDir(context.Context) (string, error) { return p.dir, p.Err }

func (p *Project) HasFile(_ context.Context, path string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.files[path]
	return ok, p.Err
}

func (p *Project) ReadFile(_ context.Context, path string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	content, ok := p.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", project.ErrFileNotFound, path)
	}
	return []byte(content), nil
}

func (p *Project) WriteFile(_ context.Context, path string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.files[path] = string(data)
	return nil
}

// DeleteFile removes path from the working tree.
func (p *Project) DeleteFile(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files, path)
}

// Content returns the working tree content of path.
func (p *Project) Content(path string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files[path]
}

func (p *Project) Files(_ context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for f := range p.files {
		if g.Match(f) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, p.Err
}

func (p *Project) changed() []string {
	var out []string
	for k, v := range p.files {
		if old, ok := p.committed[k]; !ok || old != v {
			out = append(out, k)
		}
	}
	for k := range p.committed {
		if _, ok := p.files[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Project) Status(context.Context) (project.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := p.changed()
	return project.Status{Branch: p.branch, Sha: p.head, Clean: len(changed) == 0, Changed: changed}, p.Err
}

func (p *Project) IsClean(ctx context.Context) (bool, error) {
	st, err := p.Status(ctx)
	return st.Clean, err
}

func (p *Project) CurrentBranch(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.branch, p.Err
}

func (p *Project) HeadSha(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head, p.Err
}

func (p *Project) Commit(_ context.Context, message string, author *project.Author) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	if len(p.changed()) == 0 {
		return "", fmt.Errorf("nothing to commit")
	}
	sum := sha1.Sum([]byte(p.head + message + strings.Join(p.changed(), ",")))
	sha := hex.EncodeToString(sum[:])
	p.committed = make(map[string]string, len(p.files))
	for k, v := range p.files {
		p.committed[k] = v
	}
	p.head = sha
	p.Commits = append(p.Commits, Commit{Sha: sha, Message: message, Author: author, Branch: p.branch})
	return sha, nil
}

func (p *Project) Revert(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.files = p.copyCommitted()
	p.Reverts++
	return nil
}

func (p *Project) Push(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Pushes = append(p.Pushes, p.branch)
	return nil
}

func (p *Project) Checkout(_ context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.branch = ref
	return nil
}

func (p *Project) CreateBranch(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.branch = name
	p.Branches = append(p.Branches, name)
	return nil
}

var _ project.Project = (*Project)(nil)
