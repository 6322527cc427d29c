package github

import (
	"context"
	"errors"
	"fmt"

	gh "github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// PullRequest describes a pull request to open or refresh.
type PullRequest struct {
	Owner string
	Repo  string
	// Head is the branch carrying the changes.
	Head  string
	Base  string
	Title string
	Body  string
}

// PullRequestResult reports what RaisePullRequest did.
type PullRequestResult struct {
	Number  int
	URL     string
	Created bool
}

// RaisePullRequest opens a pull request from Head to Base, or updates the
// title and body of the open one if it already exists.
func (c *Client) RaisePullRequest(ctx context.Context, pr PullRequest) (*PullRequestResult, error) {
	if pr.Head == "" || pr.Base == "" {
		return nil, errors.New("pull request needs head and base branches")
	}
	if pr.Head == pr.Base {
		return nil, fmt.Errorf("pull request head and base are both %q", pr.Head)
	}

	var open []*gh.PullRequest
	_, err := retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
		prs, resp, err := c.api.PullRequests.List(ctx, pr.Owner, pr.Repo, &gh.PullRequestListOptions{
			State: "open",
			Head:  pr.Owner + ":" + pr.Head,
			Base:  pr.Base,
		})
		open = prs
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing pull requests: %w", err)
	}

	if len(open) > 0 {
		existing := open[0]
		var updated *gh.PullRequest
		_, err := retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
			p, resp, err := c.api.PullRequests.Edit(ctx, pr.Owner, pr.Repo, existing.GetNumber(), &gh.PullRequest{
				Title: gh.String(pr.Title),
				Body:  gh.String(pr.Body),
			})
			updated = p
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("updating pull request #%d: %w", existing.GetNumber(), err)
		}
		c.logger.Info("updated pull request",
			zap.String("repo", pr.Owner+"/"+pr.Repo),
			zap.Int("number", updated.GetNumber()))
		return &PullRequestResult{Number: updated.GetNumber(), URL: updated.GetHTMLURL()}, nil
	}

	var created *gh.PullRequest
	_, err = retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
		p, resp, err := c.api.PullRequests.Create(ctx, pr.Owner, pr.Repo, &gh.NewPullRequest{
			Title: gh.String(pr.Title),
			Head:  gh.String(pr.Head),
			Base:  gh.String(pr.Base),
			Body:  gh.String(pr.Body),
		})
		created = p
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}
	c.logger.Info("raised pull request",
		zap.String("repo", pr.Owner+"/"+pr.Repo),
		zap.Int("number", created.GetNumber()))
	return &PullRequestResult{Number: created.GetNumber(), URL: created.GetHTMLURL(), Created: true}, nil
}
