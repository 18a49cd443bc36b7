package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckVerifiedParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "a@b.com", r.URL.Query().Get("email"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]bool{"verified": true})
	}))
	defer srv.Close()

	c, err := New(srv.URL, srv.Client())
	require.NoError(t, err)
	verified, err := c.CheckVerified(context.Background(), "tok", "a@b.com")
	require.NoError(t, err)
	require.True(t, verified)
}

func TestDoesNotRetryOn401(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New(srv.URL, srv.Client())
	require.NoError(t, err)
	_, err = c.Profile(context.Background(), "bad-token")
	require.Error(t, err)
	require.Equal(t, 1, hits, "expected exactly one request on 401")
}

func TestUpsertTaskSendsJSONBody(t *testing.T) {
	var received TaskEntry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, srv.Client())
	require.NoError(t, err)
	task := TaskEntry{ID: "task-1", Tool: "claude", Status: "completed", Credits: 2.5}
	require.NoError(t, c.UpsertTask(context.Background(), "tok", task))
	require.Equal(t, "task-1", received.ID)
	require.Equal(t, "completed", received.Status)
}

func TestCancelTaskBuildsPathFromTaskID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, srv.Client())
	require.NoError(t, err)
	require.NoError(t, c.CancelTask(context.Background(), "tok", "task-42"))
	require.Equal(t, "/api/tasks/task-42/cancel", gotPath)
}
