package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
)

// Target names the commit whose goals are shown.
type Target struct {
	Owner string
	Repo  string
	Sha   string
}

// ParseTarget reads "owner/repo@sha".
func ParseTarget(s string) (Target, error) {
	slug, sha, ok := strings.Cut(s, "@")
	if !ok || sha == "" {
		return Target{}, fmt.Errorf("target %q: want owner/repo@sha", s)
	}
	owner, repo, ok := strings.Cut(slug, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return Target{}, fmt.Errorf("target %q: want owner/repo@sha", s)
	}
	return Target{Owner: owner, Repo: repo, Sha: sha}, nil
}

func (t Target) String() string {
	sha := t.Sha
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return t.Owner + "/" + t.Repo + "@" + sha
}

// GoalClient reads goal events from a running sdmd.
type GoalClient struct {
	baseURL string
	client  *http.Client
}

type goalsResponse struct {
	Goals []goal.Event `json:"goals"`
}

// NewGoalClient creates a client for the goal API at baseURL.
func NewGoalClient(baseURL string) *GoalClient {
	return &GoalClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Goals returns every goal recorded for t.
func (c *GoalClient) Goals(ctx context.Context, t Target) ([]goal.Event, error) {
	u := fmt.Sprintf("%s/api/v1/goals/%s/%s/%s", c.baseURL,
		url.PathEscape(t.Owner), url.PathEscape(t.Repo), url.PathEscape(t.Sha))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var out goalsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Goals, nil
}
