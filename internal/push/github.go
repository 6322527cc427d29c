package push

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-github/v57/github"
)

const branchRefPrefix = "refs/heads/"

// ErrNotBranchPush marks pushes of tags or branch deletions, which are
// acknowledged but never planned.
var ErrNotBranchPush = fmt.Errorf("%w: not a branch update", ErrInvalidPush)

// FromGitHub converts a GitHub push webhook payload.
func FromGitHub(e *github.PushEvent, deliveryID string) (*Event, error) {
	if e == nil || e.Repo == nil {
		return nil, fmt.Errorf("%w: missing repository", ErrInvalidPush)
	}
	ref := e.GetRef()
	if !strings.HasPrefix(ref, branchRefPrefix) || e.GetDeleted() {
		return nil, ErrNotBranchPush
	}

	repo := e.GetRepo()
	owner := repo.GetOwner().GetLogin()
	if owner == "" {
		// Push payloads sometimes carry only owner.name.
		owner = repo.GetOwner().GetName()
	}

	ev := &Event{
		ID: deliveryID,
		Repo: Repo{
			Owner:         owner,
			Name:          repo.GetName(),
			CloneURL:      repo.GetCloneURL(),
			DefaultBranch: repo.GetDefaultBranch(),
			ProviderURL:   providerURL(repo.GetHTMLURL()),
		},
		Branch: strings.TrimPrefix(ref, branchRefPrefix),
		Sha:    e.GetAfter(),
		Before: e.GetBefore(),
	}

	changed := make(map[string]bool)
	for _, c := range e.Commits {
		author := c.GetAuthor()
		ev.Commits = append(ev.Commits, Commit{
			Sha:     c.GetID(),
			Message: c.GetMessage(),
			Author: Author{
				Name:  author.GetName(),
				Email: author.GetEmail(),
				Login: author.GetLogin(),
			},
			Timestamp: c.GetTimestamp().Time,
		})
		for _, files := range [][]string{c.Added, c.Modified, c.Removed} {
			for _, f := range files {
				changed[f] = true
			}
		}
	}
	for f := range changed {
		ev.ChangedFiles = append(ev.ChangedFiles, f)
	}
	sort.Strings(ev.ChangedFiles)

	if head := e.GetHeadCommit(); head != nil {
		ev.Timestamp = head.GetTimestamp().Time
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// providerURL strips owner/repo from an HTML URL, leaving the host root.
func providerURL(htmlURL string) string {
	scheme := ""
	rest := htmlURL
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme, rest = rest[:i+3], rest[i+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return ""
	}
	return scheme + rest + "/"
}
