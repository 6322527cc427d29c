package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
)

func TestParseTarget(t *testing.T) {
	got, err := ParseTarget("acme/widgets@0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)
	assert.Equal(t, Target{Owner: "acme", Repo: "widgets", Sha: "0123456789abcdef0123456789abcdef01234567"}, got)
	assert.Equal(t, "acme/widgets@0123456", got.String())

	for _, bad := range []string{"", "acme/widgets", "acme@abc", "/widgets@abc", "a/b/c@abc", "acme/widgets@"} {
		_, err := ParseTarget(bad)
		assert.Error(t, err, bad)
	}
}

func TestGoalClient_Goals(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/goals/acme/widgets/abc", r.URL.Path)
		_ = json.NewEncoder(w).Encode(goalsResponse{Goals: []goal.Event{
			{Key: goal.Key{Name: "build"}, State: goal.StateSuccess},
		}})
	}))
	defer server.Close()

	got, err := NewGoalClient(server.URL+"/").Goals(context.Background(), Target{Owner: "acme", Repo: "widgets", Sha: "abc"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "build", got[0].Key.Name)
	assert.Equal(t, goal.StateSuccess, got[0].State)
}

func TestGoalClient_Errors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := NewGoalClient(server.URL).Goals(context.Background(), Target{Owner: "a", Repo: "b", Sha: "c"})
		assert.ErrorContains(t, err, "unexpected status code 500")
	})

	t.Run("body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer server.Close()

		_, err := NewGoalClient(server.URL).Goals(context.Background(), Target{Owner: "a", Repo: "b", Sha: "c"})
		assert.ErrorContains(t, err, "failed to decode response")
	})
}
