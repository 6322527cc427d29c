// Package push defines the push events that trigger goal planning and the
// sources that produce them.
package push

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	validSHARegex  = regexp.MustCompile(`^[0-9a-f]{40}$`)
	// Git ref names: no spaces, no "..", no control characters.
	validBranchRegex = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
)

// ErrInvalidPush is returned for pushes that cannot be planned.
var ErrInvalidPush = errors.New("invalid push")

// Repo identifies a repository on a git provider.
type Repo struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	CloneURL      string `json:"clone_url,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
	ProviderURL   string `json:"provider_url,omitempty"`
}

// Slug returns owner/name.
func (r Repo) Slug() string { return r.Owner + "/" + r.Name }

type Author struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Login string `json:"login,omitempty"`
}

// Commit is one commit carried by a push.
type Commit struct {
	Sha       string    `json:"sha"`
	Message   string    `json:"message"`
	Author    Author    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a push: a branch moving from Before to Sha. Treat as read-only.
type Event struct {
	ID           string    `json:"id"`
	Repo         Repo      `json:"repo"`
	Branch       string    `json:"branch"`
	Sha          string    `json:"sha"`
	Before       string    `json:"before,omitempty"`
	Commits      []Commit  `json:"commits"`
	ChangedFiles []string  `json:"changed_files,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsExactSha reports whether s is a full 40 character lowercase hex sha.
func IsExactSha(s string) bool {
	return validSHARegex.MatchString(s)
}

// Validate checks identity fields before the push reaches planning.
func (e *Event) Validate() error {
	if !validNameRegex.MatchString(e.Repo.Owner) {
		return fmt.Errorf("%w: repository owner %q", ErrInvalidPush, e.Repo.Owner)
	}
	if !validNameRegex.MatchString(e.Repo.Name) {
		return fmt.Errorf("%w: repository name %q", ErrInvalidPush, e.Repo.Name)
	}
	if !IsExactSha(e.Sha) {
		return fmt.Errorf("%w: sha %q", ErrInvalidPush, e.Sha)
	}
	if e.Branch == "" || !validBranchRegex.MatchString(e.Branch) {
		return fmt.Errorf("%w: branch %q", ErrInvalidPush, e.Branch)
	}
	return nil
}

// IsDefaultBranch reports whether the push targets the repository's
// default branch.
func (e *Event) IsDefaultBranch() bool {
	def := e.Repo.DefaultBranch
	if def == "" {
		def = "main"
	}
	return e.Branch == def
}

// CommitMessages returns the messages of all commits in push order.
func (e *Event) CommitMessages() []string {
	out := make([]string, len(e.Commits))
	for i, c := range e.Commits {
		out[i] = c.Message
	}
	return out
}

// HeadCommit returns the commit matching Sha, or the last commit.
func (e *Event) HeadCommit() (Commit, bool) {
	for _, c := range e.Commits {
		if c.Sha == e.Sha {
			return c, true
		}
	}
	if n := len(e.Commits); n > 0 {
		return e.Commits[n-1], true
	}
	return Commit{}, false
}

// ShortSha returns the first seven characters of Sha.
func (e *Event) ShortSha() string {
	if len(e.Sha) > 7 {
		return e.Sha[:7]
	}
	return e.Sha
}
