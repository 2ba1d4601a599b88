package boss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentbridge/agentbridge/internal/common/stringutil"
)

// TaskContext is the structured context submitted alongside the prompt.
type TaskContext struct {
	IssueID         string   `json:"issueId"`
	IssueIdentifier string   `json:"issueIdentifier"`
	Repository      string   `json:"repository,omitempty"`
	BranchName      string   `json:"branchName,omitempty"`
	TaskType        string   `json:"taskType"`
	Priority        string   `json:"priority"`
	Complexity      int      `json:"complexity"`
	Scope           []string `json:"scope,omitempty"`
}

// Runner is the outbound surface of the external task executor.
type Runner interface {
	CreateTask(ctx context.Context, prompt string, taskCtx TaskContext) (*TaskHandle, error)
	CancelTask(ctx context.Context, taskID string) error
	GetTask(ctx context.Context, taskID string) (*TaskStatus, error)
}

// CodegenClient talks JSON-over-HTTP to the codegen runner with a bearer
// token.
type CodegenClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ Runner = (*CodegenClient)(nil)

// NewCodegenClient creates a runner client.
func NewCodegenClient(baseURL, token string) *CodegenClient {
	return &CodegenClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// CreateTask submits a task and returns the runner's handle for it.
func (c *CodegenClient) CreateTask(ctx context.Context, prompt string, taskCtx TaskContext) (*TaskHandle, error) {
	payload := struct {
		Prompt  string      `json:"prompt"`
		Context TaskContext `json:"context"`
	}{Prompt: prompt, Context: taskCtx}

	var handle TaskHandle
	if err := c.do(ctx, "POST", "/tasks", payload, &handle); err != nil {
		return nil, fmt.Errorf("failed to create runner task: %w", err)
	}
	if handle.TaskID == "" {
		return nil, fmt.Errorf("runner accepted the task but returned no task id")
	}
	return &handle, nil
}

// CancelTask asks the runner to stop a task. Safe on finished tasks.
func (c *CodegenClient) CancelTask(ctx context.Context, taskID string) error {
	if err := c.do(ctx, "POST", "/tasks/"+taskID+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("failed to cancel runner task %s: %w", taskID, err)
	}
	return nil
}

// GetTask fetches the current status of a task. Used by the poll fallback.
func (c *CodegenClient) GetTask(ctx context.Context, taskID string) (*TaskStatus, error) {
	var status TaskStatus
	if err := c.do(ctx, "GET", "/tasks/"+taskID, nil, &status); err != nil {
		return nil, fmt.Errorf("failed to fetch runner task %s: %w", taskID, err)
	}
	return &status, nil
}

func (c *CodegenClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("runner returned status %d: %s", resp.StatusCode, stringutil.TruncateStringWithEllipsis(string(respBody), 200))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse runner response: %w", err)
		}
	}
	return nil
}
