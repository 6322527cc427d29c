// Package autofix applies code-mutating transforms to a pushed commit and
// pushes the fixes back.
//
// Transforms run strictly in registration order against one project. Each
// transform that changes files gets its own commit carrying a marker, so a
// push made of autofix commits does not trigger the same autofix again.
package autofix

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/sdmd/internal/project"
	"github.com/fyrsmithlabs/sdmd/internal/pushtest"
)

// TransformResult reports what a transform did.
type TransformResult struct {
	// Edited is advisory; the working tree status decides whether a
	// commit is made.
	Edited bool
	// Failed fails the transform without an error value; Message says why.
	Failed  bool
	Message string
}

// Transform mutates the project's working tree.
type Transform func(ctx context.Context, p project.Project, inv *pushtest.Invocation) (TransformResult, error)

// Options tune how a failing transform is treated.
type Options struct {
	// IgnoreFailure reverts the transform's changes and continues.
	IgnoreFailure bool
}

// Registration is a named transform with an optional push test. A nil Test
// applies to every push.
type Registration struct {
	Name      string
	Transform Transform
	Test      pushtest.Predicate
	Options   Options
}

// TransformError is a transform failure.
type TransformError struct {
	Name    string
	Ignored bool
	Err     error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("autofix %s: %v", e.Name, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// EditResult summarizes a pipeline run.
type EditResult struct {
	// Success is false when a transform without IgnoreFailure failed.
	Success bool
	// Edited is true when any transform committed changes.
	Edited bool
	// Applied lists autofixes that committed changes, in order.
	Applied []string
	// Failures lists every failed transform, ignored or not.
	Failures []*TransformError
	// Branch is where the edits were committed.
	Branch string
	// PullRequestURL is set when a pull request was raised.
	PullRequestURL string
}

var slugRegex = regexp.MustCompile(`[^a-z0-9]+`)

// Slug returns name lower-cased with runs of other characters as '-'.
func Slug(name string) string {
	return strings.Trim(slugRegex.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// CommitMessage is the message of an autofix commit.
func CommitMessage(name string) string {
	return fmt.Sprintf("Autofix: %s\n\n[atomist:generated] [atomist:autofix=%s]", name, Slug(name))
}

// alreadyApplied reports whether a commit in the push carries name's full
// commit message. Names sharing a slug do not match each other.
func alreadyApplied(name string, messages []string) bool {
	m := CommitMessage(name)
	for _, msg := range messages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// PullRequestBody lists the applied autofixes.
func PullRequestBody(names []string) string {
	var b strings.Builder
	b.WriteString("Applied autofixes:\n\n")
	for _, n := range names {
		fmt.Fprintf(&b, "- %s\n", n)
	}
	b.WriteString("\n[atomist:generated]")
	return b.String()
}
