package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torxed/github-autorun/pkg/config"
)

const testSHA = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0"

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	s := httptest.NewServer(handler)
	t.Cleanup(s.Close)

	c, err := NewClient(config.GithubConfig{
		AccessToken: "testtoken",
		Repository:  "testowner/testrepo",
		API:         s.URL,
	})
	require.NoError(t, err)
	return c
}

func TestListRunsForHeadSHA(t *testing.T) {
	assert := assert.New(t)

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/repos/testowner/testrepo/actions/runs", r.URL.Path)
		assert.Equal("pull_request", r.URL.Query().Get("event"))
		assert.Equal(testSHA, r.URL.Query().Get("head_sha"))
		assert.Equal("Bearer testtoken", r.Header.Get("Authorization"))
		assert.Equal("2022-11-28", r.Header.Get("X-GitHub-Api-Version"))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"total_count": 2,
			"workflow_runs": [
				{"id": 101, "name": "ci", "status": "queued", "head_sha": "` + testSHA + `"},
				{"id": 102, "name": "release", "status": "completed", "head_sha": "` + testSHA + `"}
			]
		}`))
	})

	runs, err := c.ListRunsForHeadSHA(context.Background(), testSHA)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(WorkflowRun{ID: 101, Name: "ci", Status: "queued", HeadSHA: testSHA}, runs[0])
	assert.Equal(WorkflowRun{ID: 102, Name: "release", Status: "completed", HeadSHA: testSHA}, runs[1])
	assert.False(runs[0].Completed())
	assert.True(runs[1].Completed())
}

func TestListRunsForHeadSHAIntegrityViolation(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"total_count": 2,
			"workflow_runs": [
				{"id": 101, "name": "ci", "status": "queued", "head_sha": "` + testSHA + `"},
				{"id": 102, "name": "ci", "status": "queued", "head_sha": "d3f4567890abcdef1234567890abcdef12345678"}
			]
		}`))
	})

	runs, err := c.ListRunsForHeadSHA(context.Background(), testSHA)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrityViolation), "Expected ErrIntegrityViolation, got: %v", err)
	assert.Nil(t, runs, "No runs may be returned from a compromised listing")
}

func TestApprove(t *testing.T) {
	assert := assert.New(t)

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/repos/testowner/testrepo/actions/runs/101/approve", r.URL.Path)
		assert.Equal(http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
	})

	assert.NoError(c.Approve(context.Background(), 101))
}

func TestApproveFailure(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	assert.Error(t, c.Approve(context.Background(), 101), "Non-2xx must surface as an error")
}

func TestCancel(t *testing.T) {
	assert := assert.New(t)

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/repos/testowner/testrepo/actions/runs/102/cancel", r.URL.Path)
		assert.Equal(http.MethodPost, r.Method)
		w.WriteHeader(http.StatusAccepted)
	})

	assert.NoError(c.Cancel(context.Background(), 102))
}

func TestValidateRepository(t *testing.T) {
	assert := assert.New(t)

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/repos/testowner/testrepo", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id": 1, "full_name": "testowner/testrepo"}`))
	})

	assert.NoError(c.ValidateRepository(context.Background()))
}

func TestValidateRepositoryMismatch(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id": 1, "full_name": "someone/else"}`))
	})

	assert.Error(t, c.ValidateRepository(context.Background()), "A repository resolving to a different identity must fail validation")
}

func TestValidateRepositoryUnauthorized(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	assert.Error(t, c.ValidateRepository(context.Background()))
}

func TestNewClientRejectsMalformedRepository(t *testing.T) {
	_, err := NewClient(config.GithubConfig{
		AccessToken: "testtoken",
		Repository:  "not-a-repo",
	})
	assert.Error(t, err)
}
