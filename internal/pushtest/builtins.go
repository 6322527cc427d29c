package pushtest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// ErrNoProject is returned by project-inspecting tests when the invocation
// carries no project.
var ErrNoProject = errors.New("no project in invocation")

// Always holds for every push.
var Always Predicate = Leaf{Name: "always", Fn: func(context.Context, *Invocation) (bool, error) { return true, nil }}

// Never holds for no push.
var Never Predicate = Leaf{Name: "never", Fn: func(context.Context, *Invocation) (bool, error) { return false, nil }}

// ToDefaultBranch holds for pushes to the repository's default branch.
var ToDefaultBranch Predicate = Leaf{Name: "toDefaultBranch", Fn: func(_ context.Context, inv *Invocation) (bool, error) {
	if inv == nil || inv.Push == nil {
		return false, nil
	}
	return inv.Push.IsDefaultBranch(), nil
}}

// Named gives p a name in Describe output and memoization.
func Named(name string, p Predicate) Predicate {
	return Leaf{Name: name, Fn: func(ctx context.Context, inv *Invocation) (bool, error) {
		return Evaluate(ctx, p, inv)
	}}
}

// IsBranch holds when the pushed branch matches a glob.
func IsBranch(pattern string) (Predicate, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("isBranch %q: %w", pattern, err)
	}
	return Leaf{Name: fmt.Sprintf("isBranch(%s)", pattern), Fn: func(_ context.Context, inv *Invocation) (bool, error) {
		return inv != nil && inv.Push != nil && g.Match(inv.Push.Branch), nil
	}}, nil
}

// IsRepo holds when owner/repo matches a glob.
func IsRepo(pattern string) (Predicate, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("isRepo %q: %w", pattern, err)
	}
	return Leaf{Name: fmt.Sprintf("isRepo(%s)", pattern), Fn: func(_ context.Context, inv *Invocation) (bool, error) {
		return inv != nil && inv.Push != nil && g.Match(inv.Push.Repo.Slug()), nil
	}}, nil
}

// HasFile holds when path exists in the project.
func HasFile(path string) Predicate {
	return Leaf{Name: fmt.Sprintf("hasFile(%s)", path), Fn: func(ctx context.Context, inv *Invocation) (bool, error) {
		if inv == nil || inv.Project == nil {
			return false, ErrNoProject
		}
		return inv.Project.HasFile(ctx, path)
	}}
}

// HasFileMatching holds when any project file matches a glob.
func HasFileMatching(pattern string) (Predicate, error) {
	if _, err := glob.Compile(pattern, '/'); err != nil {
		return nil, fmt.Errorf("hasFileMatching %q: %w", pattern, err)
	}
	return Leaf{Name: fmt.Sprintf("hasFileMatching(%s)", pattern), Fn: func(ctx context.Context, inv *Invocation) (bool, error) {
		if inv == nil || inv.Project == nil {
			return false, ErrNoProject
		}
		files, err := inv.Project.Files(ctx, pattern)
		return len(files) > 0, err
	}}, nil
}

// HasFileContaining holds when any file matching pattern has content
// matching re.
func HasFileContaining(pattern, re string) (Predicate, error) {
	if _, err := glob.Compile(pattern, '/'); err != nil {
		return nil, fmt.Errorf("hasFileContaining %q: %w", pattern, err)
	}
	rx, err := regexp.Compile(re)
	if err != nil {
		return nil, fmt.Errorf("hasFileContaining %q: %w", re, err)
	}
	return Leaf{Name: fmt.Sprintf("hasFileContaining(%s, /%s/)", pattern, re), Fn: func(ctx context.Context, inv *Invocation) (bool, error) {
		if inv == nil || inv.Project == nil {
			return false, ErrNoProject
		}
		files, err := inv.Project.Files(ctx, pattern)
		if err != nil {
			return false, err
		}
		for _, f := range files {
			data, err := inv.Project.ReadFile(ctx, f)
			if err != nil {
				return false, err
			}
			if rx.Match(data) {
				return true, nil
			}
		}
		return false, nil
	}}, nil
}

// MaterialChange holds when any changed file matches one of the globs.
// Pushes without change information are treated as material.
func MaterialChange(patterns ...string) (Predicate, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("materialChange %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	name := fmt.Sprintf("materialChange(%s)", strings.Join(patterns, ", "))
	return Leaf{Name: name, Fn: func(_ context.Context, inv *Invocation) (bool, error) {
		if inv == nil || inv.Push == nil {
			return false, nil
		}
		if len(inv.Push.ChangedFiles) == 0 {
			return true, nil
		}
		for _, f := range inv.Push.ChangedFiles {
			for _, g := range globs {
				if g.Match(f) {
					return true, nil
				}
			}
		}
		return false, nil
	}}, nil
}

// HasCommitMessage holds when any commit message matches re.
func HasCommitMessage(re string) (Predicate, error) {
	rx, err := regexp.Compile(re)
	if err != nil {
		return nil, fmt.Errorf("hasCommitMessage %q: %w", re, err)
	}
	return Leaf{Name: fmt.Sprintf("hasCommitMessage(/%s/)", re), Fn: func(_ context.Context, inv *Invocation) (bool, error) {
		if inv == nil || inv.Push == nil {
			return false, nil
		}
		for _, m := range inv.Push.CommitMessages() {
			if rx.MatchString(m) {
				return true, nil
			}
		}
		return false, nil
	}}, nil
}

// MustPredicate panics on err. For package-level declarations.
func MustPredicate(p Predicate, err error) Predicate {
	if err != nil {
		panic(err)
	}
	return p
}
