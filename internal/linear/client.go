package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAPIURL = "https://api.linear.app/graphql"

// APIError reports a failed Linear API call. A zero StatusCode with a
// non-empty Message means the HTTP exchange succeeded but the GraphQL
// response carried errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("linear API returned %d: %s", e.StatusCode, e.Message)
	}
	return "linear API error: " + e.Message
}

// Client calls the Linear GraphQL API using a personal API token.
type Client struct {
	token      string
	endpoint   string
	httpClient *http.Client
	viewer     *User // cached after first Viewer call
}

// NewClient creates a Linear client. An empty endpoint selects the public API.
func NewClient(token, endpoint string) *Client {
	if endpoint == "" {
		endpoint = defaultAPIURL
	}
	return &Client{
		token:    token,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Viewer returns the user the API token authenticates as. The result is
// cached for the lifetime of the client.
func (c *Client) Viewer(ctx context.Context) (*User, error) {
	if c.viewer != nil {
		return c.viewer, nil
	}
	var result struct {
		Viewer User `json:"viewer"`
	}
	query := `query { viewer { id name displayName email } }`
	if err := c.post(ctx, query, nil, &result); err != nil {
		return nil, fmt.Errorf("get viewer: %w", err)
	}
	c.viewer = &result.Viewer
	return c.viewer, nil
}

// Issue fetches an issue by its Linear ID.
func (c *Client) Issue(ctx context.Context, issueID string) (*Issue, error) {
	var result struct {
		Issue gqlIssue `json:"issue"`
	}
	query := `query($id: String!) {
		issue(id: $id) {
			id identifier title description url branchName priority estimate
			state { id name type }
			assignee { id name displayName email }
			team { id key name }
			labels { nodes { id name } }
		}
	}`
	if err := c.post(ctx, query, map[string]interface{}{"id": issueID}, &result); err != nil {
		return nil, fmt.Errorf("get issue %s: %w", issueID, err)
	}
	if result.Issue.ID == "" {
		return nil, &APIError{Message: fmt.Sprintf("issue %s not found", issueID)}
	}
	return result.Issue.toIssue(), nil
}

// CreateComment posts a comment on an issue. A non-empty parentID makes the
// comment a threaded reply.
func (c *Client) CreateComment(ctx context.Context, issueID, body, parentID string) (*Comment, error) {
	input := map[string]interface{}{
		"issueId": issueID,
		"body":    body,
	}
	if parentID != "" {
		input["parentId"] = parentID
	}
	var result struct {
		CommentCreate struct {
			Success bool    `json:"success"`
			Comment Comment `json:"comment"`
		} `json:"commentCreate"`
	}
	query := `mutation($input: CommentCreateInput!) {
		commentCreate(input: $input) {
			success
			comment { id body url createdAt user { id name displayName email } }
		}
	}`
	if err := c.post(ctx, query, map[string]interface{}{"input": input}, &result); err != nil {
		return nil, fmt.Errorf("create comment on %s: %w", issueID, err)
	}
	if !result.CommentCreate.Success {
		return nil, &APIError{Message: "comment creation was not accepted"}
	}
	return &result.CommentCreate.Comment, nil
}

// UpdateComment replaces the body of an existing comment.
func (c *Client) UpdateComment(ctx context.Context, commentID, body string) (*Comment, error) {
	var result struct {
		CommentUpdate struct {
			Success bool    `json:"success"`
			Comment Comment `json:"comment"`
		} `json:"commentUpdate"`
	}
	query := `mutation($id: String!, $input: CommentUpdateInput!) {
		commentUpdate(id: $id, input: $input) {
			success
			comment { id body url createdAt user { id name displayName email } }
		}
	}`
	vars := map[string]interface{}{
		"id":    commentID,
		"input": map[string]interface{}{"body": body},
	}
	if err := c.post(ctx, query, vars, &result); err != nil {
		return nil, fmt.Errorf("update comment %s: %w", commentID, err)
	}
	if !result.CommentUpdate.Success {
		return nil, &APIError{Message: "comment update was not accepted"}
	}
	return &result.CommentUpdate.Comment, nil
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) post(ctx context.Context, query string, variables map[string]interface{}, result interface{}) error {
	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	// Linear personal API keys go in the Authorization header as-is.
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var gqlResp graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		msgs := make([]string, len(gqlResp.Errors))
		for i, e := range gqlResp.Errors {
			msgs[i] = e.Message
		}
		return &APIError{Message: strings.Join(msgs, "; ")}
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(gqlResp.Data, result)
}

// gqlIssue is the JSON shape of an issue as returned by the GraphQL API.
// Label connections arrive nested under nodes.
type gqlIssue struct {
	ID          string         `json:"id"`
	Identifier  string         `json:"identifier"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	URL         string         `json:"url"`
	BranchName  string         `json:"branchName"`
	Priority    int            `json:"priority"`
	Estimate    *float64       `json:"estimate"`
	State       *WorkflowState `json:"state"`
	Assignee    *User          `json:"assignee"`
	Team        *Team          `json:"team"`
	Labels      struct {
		Nodes []Label `json:"nodes"`
	} `json:"labels"`
}

func (r *gqlIssue) toIssue() *Issue {
	return &Issue{
		ID:          r.ID,
		Identifier:  r.Identifier,
		Title:       r.Title,
		Description: r.Description,
		URL:         r.URL,
		BranchName:  r.BranchName,
		Priority:    r.Priority,
		Estimate:    r.Estimate,
		State:       r.State,
		Assignee:    r.Assignee,
		Team:        r.Team,
		Labels:      r.Labels.Nodes,
	}
}
