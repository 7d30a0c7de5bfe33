// Package client is a small HTTP client for the roledesk daemon, shared by
// the CLI and the monitor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"roledesk/internal/domain"
	"roledesk/internal/orchestrator"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// HTTPError carries a non-2xx response from the daemon.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// CaptureResult mirrors the daemon's capture response.
type CaptureResult struct {
	TaskID      string             `json:"task_id"`
	Reused      bool               `json:"reused"`
	Disposition domain.Disposition `json:"disposition"`
	Task        domain.Task        `json:"task"`
}

// DelegateInput is the body of a delegate call.
type DelegateInput struct {
	TargetRole     string          `json:"target_role"`
	Title          string          `json:"title,omitempty"`
	Description    string          `json:"description,omitempty"`
	ContextPayload json.RawMessage `json:"context_payload,omitempty"`
	// Priority of the child task. Nil inherits the source priority.
	Priority *int `json:"priority,omitempty"`
}

func (c *Client) WaitHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := c.getJSON(ctx, "/healthz", &map[string]any{}); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(400 * time.Millisecond):
		}
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func (c *Client) Capture(ctx context.Context, in orchestrator.CaptureInput) (CaptureResult, error) {
	var out CaptureResult
	err := c.postJSON(ctx, "/tasks", in, &out)
	return out, err
}

func (c *Client) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	q := url.Values{}
	if filter.ProjectID != "" {
		q.Set("project_id", filter.ProjectID)
	}
	if filter.AssigneeRole != "" {
		q.Set("role", filter.AssigneeRole)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.ParentTaskID != "" {
		q.Set("parent_task_id", filter.ParentTaskID)
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprint(filter.Limit))
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []domain.Task
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	var out domain.Task
	err := c.getJSON(ctx, taskPath(taskID, ""), &out)
	return out, err
}

func (c *Client) StartTask(ctx context.Context, taskID string, steps []string) (domain.ChecklistSnapshot, error) {
	var out domain.ChecklistSnapshot
	err := c.postJSON(ctx, taskPath(taskID, "start"), map[string]any{"steps": steps}, &out)
	return out, err
}

func (c *Client) AdvanceStep(ctx context.Context, taskID string) (orchestrator.AdvanceResult, error) {
	var out orchestrator.AdvanceResult
	err := c.postJSON(ctx, taskPath(taskID, "advance"), nil, &out)
	return out, err
}

func (c *Client) CompleteTask(ctx context.Context, taskID string) (domain.TaskStatus, error) {
	var out struct {
		Status domain.TaskStatus `json:"status"`
	}
	err := c.postJSON(ctx, taskPath(taskID, "complete"), nil, &out)
	return out.Status, err
}

func (c *Client) AcceptReview(ctx context.Context, taskID string) error {
	return c.postJSON(ctx, taskPath(taskID, "accept"), nil, nil)
}

func (c *Client) RequestRework(ctx context.Context, taskID string, steps []string) (domain.ChecklistSnapshot, error) {
	var out domain.ChecklistSnapshot
	err := c.postJSON(ctx, taskPath(taskID, "rework"), map[string]any{"steps": steps}, &out)
	return out, err
}

func (c *Client) AbandonTask(ctx context.Context, taskID, reason string) error {
	return c.postJSON(ctx, taskPath(taskID, "abandon"), map[string]string{"reason": reason}, nil)
}

func (c *Client) Delegate(ctx context.Context, sourceTaskID string, in DelegateInput) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	err := c.postJSON(ctx, taskPath(sourceTaskID, "delegate"), in, &out)
	return out.TaskID, err
}

func (c *Client) Checklist(ctx context.Context, taskID string) (domain.ChecklistSnapshot, error) {
	var out domain.ChecklistSnapshot
	err := c.getJSON(ctx, taskPath(taskID, "checklist"), &out)
	return out, err
}

func (c *Client) ListDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(ctx, fmt.Sprintf("%s?limit=%d", taskPath(taskID, "decisions"), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListDelegations(ctx context.Context, taskID string) ([]domain.DelegationRecord, error) {
	var out []domain.DelegationRecord
	if err := c.getJSON(ctx, taskPath(taskID, "delegations"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Next asks the scheduler for the next task. ok is false when the queue is
// empty.
func (c *Client) Next(ctx context.Context) (domain.Task, bool, error) {
	var out domain.Task
	if err := c.postJSON(ctx, "/scheduler/next", nil, &out); err != nil {
		return domain.Task{}, false, err
	}
	return out, out.ID != "", nil
}

func (c *Client) SchedulerState(ctx context.Context) (orchestrator.SchedulerState, error) {
	var out orchestrator.SchedulerState
	err := c.getJSON(ctx, "/scheduler", &out)
	return out, err
}

func (c *Client) Roles(ctx context.Context) ([]domain.Role, error) {
	var out []domain.Role
	if err := c.getJSON(ctx, "/roles", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func taskPath(taskID, action string) string {
	p := "/tasks/" + url.PathEscape(taskID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &HTTPError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
