package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sdmd/internal/config"
	"github.com/fyrsmithlabs/sdmd/internal/project"
)

func testClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	api := gh.NewClient(nil)
	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	api.BaseURL = u

	c := Wrap(api, nil)
	c.SetRetryConfig(&RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	return c
}

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(context.Background(), config.Secret(""), "", nil)
	assert.ErrorIs(t, err, ErrTokenNotSet)

	c, err := NewClient(context.Background(), config.Secret("ghp_x"), "https://ghe.example.com/", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://ghe.example.com/api/v3/", c.api.BaseURL.String())
}

func TestReadFile(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/contents/pom.xml", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc123", r.URL.Query().Get("ref"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte("<project/>")),
		})
	})
	mux.HandleFunc("/repos/acme/api/contents/missing.txt", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	c := testClient(t, mux)
	ctx := context.Background()

	data, err := c.ReadFile(ctx, "acme", "api", "abc123", "pom.xml")
	require.NoError(t, err)
	assert.Equal(t, "<project/>", string(data))
	assert.Equal(t, int32(2), calls.Load(), "502 is retried")

	calls.Store(0)
	_, err = c.ReadFile(ctx, "acme", "api", "abc123", "missing.txt")
	assert.ErrorIs(t, err, project.ErrFileNotFound)
	assert.Equal(t, int32(1), calls.Load(), "404 is not retried")
}

func TestReadFile_GivesUp(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/contents/a", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := testClient(t, mux)

	_, err := c.ReadFile(context.Background(), "acme", "api", "main", "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, int32(3), calls.Load())
}

func TestRaisePullRequest_Creates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "acme:autofix/lint", r.URL.Query().Get("head"))
			fmt.Fprint(w, `[]`)
		case http.MethodPost:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "autofix/lint", body["head"])
			assert.Equal(t, "main", body["base"])
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"number": 7, "html_url": "https://github.com/acme/api/pull/7"}`)
		}
	})
	c := testClient(t, mux)

	res, err := c.RaisePullRequest(context.Background(), PullRequest{
		Owner: "acme", Repo: "api", Head: "autofix/lint", Base: "main", Title: "Autofixes", Body: "lint",
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 7, res.Number)
	assert.Equal(t, "https://github.com/acme/api/pull/7", res.URL)
}

func TestRaisePullRequest_UpdatesExisting(t *testing.T) {
	var edited atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method, "no new pull request")
		fmt.Fprint(w, `[{"number": 3}]`)
	})
	mux.HandleFunc("/repos/acme/api/pulls/3", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		edited.Store(true)
		fmt.Fprint(w, `{"number": 3, "html_url": "https://github.com/acme/api/pull/3"}`)
	})
	c := testClient(t, mux)

	res, err := c.RaisePullRequest(context.Background(), PullRequest{
		Owner: "acme", Repo: "api", Head: "autofix/lint", Base: "main", Title: "Autofixes",
	})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 3, res.Number)
	assert.True(t, edited.Load())

	_, err = c.RaisePullRequest(context.Background(), PullRequest{Owner: "acme", Repo: "api", Head: "main", Base: "main"})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	resp := func(code int) *gh.Response {
		return &gh.Response{Response: &http.Response{StatusCode: code}}
	}
	err := fmt.Errorf("x")

	assert.True(t, isRetryable(err, nil))
	assert.True(t, isRetryable(err, resp(429)))
	assert.True(t, isRetryable(err, resp(500)))
	assert.False(t, isRetryable(err, resp(404)))
	assert.False(t, isRetryable(err, resp(403)))
	assert.False(t, isRetryable(nil, resp(500)))

	limited := resp(403)
	limited.Rate = gh.Rate{Limit: 5000, Remaining: 0, Reset: gh.Timestamp{Time: time.Now().Add(time.Hour)}}
	assert.True(t, isRetryable(err, limited))
	assert.Equal(t, 30*time.Second, rateLimitBackoff(limited, 30*time.Second))
}
