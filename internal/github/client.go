// Package github talks to the GitHub REST API on behalf of goals: single
// file reads that spare a clone, and pull requests raised by autofixes.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/sdmd/internal/config"
	"github.com/fyrsmithlabs/sdmd/internal/project"
)

// ErrTokenNotSet is returned when no API token is configured.
var ErrTokenNotSet = errors.New("GitHub token not set")

// Client wraps the go-github client with retries.
type Client struct {
	api    *gh.Client
	retry  *RetryConfig
	logger *zap.Logger
}

// NewClient creates an authenticated client. baseURL selects a GitHub
// Enterprise host; empty means github.com.
func NewClient(ctx context.Context, token config.Secret, baseURL string, logger *zap.Logger) (*Client, error) {
	if !token.IsSet() {
		return nil, ErrTokenNotSet
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	api := gh.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL != "" {
		var err error
		api, err = api.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
	}
	return Wrap(api, logger), nil
}

// Wrap uses an existing go-github client.
func Wrap(api *gh.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, retry: DefaultRetryConfig(), logger: logger}
}

// SetRetryConfig overrides retry behavior.
func (c *Client) SetRetryConfig(rc *RetryConfig) {
	rc.ApplyDefaults()
	c.retry = rc
}

// ReadFile returns the content of path at ref without cloning. Missing
// files and directories wrap project.ErrFileNotFound.
func (c *Client) ReadFile(ctx context.Context, owner, repo, ref, path string) ([]byte, error) {
	var file *gh.RepositoryContent
	resp, err := retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
		fc, _, resp, err := c.api.Repositories.GetContents(ctx, owner, repo, path, &gh.RepositoryContentGetOptions{Ref: ref})
		file = fc
		return resp, err
	})
	if statusCode(resp) == http.StatusNotFound {
		return nil, fmt.Errorf("%s/%s@%s: %w: %s", owner, repo, ref, project.ErrFileNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s from %s/%s: %w", path, owner, repo, err)
	}
	if file == nil {
		return nil, fmt.Errorf("%s/%s@%s: %w: %s is a directory", owner, repo, ref, project.ErrFileNotFound, path)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return []byte(content), nil
}

var _ project.RemoteFileReader = (*Client)(nil)
