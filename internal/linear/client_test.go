package linear

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraphQLServer(t *testing.T, handler func(query string, variables map[string]interface{}) (string, int)) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)

		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		body, status := handler(req.Query, req.Variables)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestViewerCachesResult(t *testing.T) {
	srv, calls := newGraphQLServer(t, func(query string, _ map[string]interface{}) (string, int) {
		assert.Contains(t, query, "viewer")
		return `{"data":{"viewer":{"id":"user-1","name":"Agent","displayName":"agent","email":"agent@example.com"}}}`, http.StatusOK
	})

	client := NewClient("test-token", srv.URL)

	user, err := client.Viewer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "Agent", user.Name)

	again, err := client.Viewer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, user, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls), "second Viewer call should be served from cache")
}

func TestIssueFlattensLabels(t *testing.T) {
	srv, _ := newGraphQLServer(t, func(query string, variables map[string]interface{}) (string, int) {
		assert.Contains(t, query, "issue(id: $id)")
		assert.Equal(t, "issue-abc", variables["id"])
		return `{"data":{"issue":{
			"id":"issue-abc","identifier":"ENG-42","title":"Fix login bug",
			"description":"...","url":"https://linear.app/x/issue/ENG-42",
			"branchName":"eng-42-fix-login-bug","priority":2,"estimate":3,
			"state":{"id":"st-1","name":"In Progress","type":"started"},
			"assignee":{"id":"user-1","name":"Agent","displayName":"agent","email":""},
			"team":{"id":"team-1","key":"ENG","name":"Engineering"},
			"labels":{"nodes":[{"id":"l1","name":"bug"},{"id":"l2","name":"auth"}]}
		}}}`, http.StatusOK
	})

	client := NewClient("test-token", srv.URL)

	issue, err := client.Issue(context.Background(), "issue-abc")
	require.NoError(t, err)
	assert.Equal(t, "ENG-42", issue.Identifier)
	assert.Equal(t, "Fix login bug", issue.Title)
	require.NotNil(t, issue.Estimate)
	assert.Equal(t, float64(3), *issue.Estimate)
	require.Len(t, issue.Labels, 2)
	assert.Equal(t, "bug", issue.Labels[0].Name)
	require.NotNil(t, issue.Team)
	assert.Equal(t, "ENG", issue.Team.Key)
}

func TestIssueNotFound(t *testing.T) {
	srv, _ := newGraphQLServer(t, func(string, map[string]interface{}) (string, int) {
		return `{"data":{"issue":null}}`, http.StatusOK
	})

	client := NewClient("test-token", srv.URL)

	_, err := client.Issue(context.Background(), "missing")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, apiErr.Message, "not found")
}

func TestCreateComment(t *testing.T) {
	srv, _ := newGraphQLServer(t, func(query string, variables map[string]interface{}) (string, int) {
		assert.Contains(t, query, "commentCreate")
		input := variables["input"].(map[string]interface{})
		assert.Equal(t, "issue-abc", input["issueId"])
		assert.Equal(t, "on it", input["body"])
		assert.Equal(t, "parent-1", input["parentId"])
		return `{"data":{"commentCreate":{"success":true,"comment":{"id":"c-1","body":"on it"}}}}`, http.StatusOK
	})

	client := NewClient("test-token", srv.URL)

	comment, err := client.CreateComment(context.Background(), "issue-abc", "on it", "parent-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", comment.ID)
}

func TestCreateCommentOmitsEmptyParent(t *testing.T) {
	srv, _ := newGraphQLServer(t, func(_ string, variables map[string]interface{}) (string, int) {
		input := variables["input"].(map[string]interface{})
		_, hasParent := input["parentId"]
		assert.False(t, hasParent, "parentId should be omitted when empty")
		return `{"data":{"commentCreate":{"success":true,"comment":{"id":"c-2","body":"hi"}}}}`, http.StatusOK
	})

	client := NewClient("test-token", srv.URL)

	_, err := client.CreateComment(context.Background(), "issue-abc", "hi", "")
	require.NoError(t, err)
}

func TestUpdateComment(t *testing.T) {
	srv, _ := newGraphQLServer(t, func(query string, variables map[string]interface{}) (string, int) {
		assert.Contains(t, query, "commentUpdate")
		assert.Equal(t, "c-1", variables["id"])
		return `{"data":{"commentUpdate":{"success":true,"comment":{"id":"c-1","body":"done"}}}}`, http.StatusOK
	})

	client := NewClient("test-token", srv.URL)

	comment, err := client.UpdateComment(context.Background(), "c-1", "done")
	require.NoError(t, err)
	assert.Equal(t, "done", comment.Body)
}

func TestHTTPErrorSurfacesStatus(t *testing.T) {
	srv, _ := newGraphQLServer(t, func(string, map[string]interface{}) (string, int) {
		return `{"errors":[{"message":"authentication failed"}]}`, http.StatusUnauthorized
	})

	client := NewClient("test-token", srv.URL)

	_, err := client.Viewer(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestGraphQLErrorsSurfaceMessages(t *testing.T) {
	srv, _ := newGraphQLServer(t, func(string, map[string]interface{}) (string, int) {
		return `{"data":null,"errors":[{"message":"rate limited"},{"message":"try later"}]}`, http.StatusOK
	})

	client := NewClient("test-token", srv.URL)

	_, err := client.Viewer(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, apiErr.Message, "rate limited")
	assert.Contains(t, apiErr.Message, "try later")
}
