package tui

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/foreman/internal/bridge"
	"github.com/fentz26/foreman/internal/controlplane"
	"github.com/fentz26/foreman/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the foreman API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListAgents fetches the roster with live state.
func (c *Client) ListAgents() ([]controlplane.AgentView, error) {
	var agents []controlplane.AgentView
	return agents, c.do(http.MethodGet, "/agents", nil, &agents)
}

// Status fetches the fleet overview.
func (c *Client) Status() (*controlplane.StatusReport, error) {
	var st controlplane.StatusReport
	if err := c.do(http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Task fetches an agent's active task. A nil record means the agent is idle.
func (c *Client) Task(agent string) (*models.TaskRecord, error) {
	var rec models.TaskRecord
	err := c.do(http.MethodGet, "/agents/"+url.PathEscape(agent)+"/task", nil, &rec)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// History fetches an agent's finished tasks.
func (c *Client) History(agent string, limit int) ([]models.TaskRecord, error) {
	var tasks []models.TaskRecord
	path := fmt.Sprintf("/agents/%s/history?limit=%d", url.PathEscape(agent), limit)
	return tasks, c.do(http.MethodGet, path, nil, &tasks)
}

// Locks fetches the locks held by agent, or all locks when agent is empty.
func (c *Client) Locks(agent string) ([]models.FileLock, error) {
	path := "/locks"
	if agent != "" {
		path += "?agent=" + url.QueryEscape(agent)
	}
	var held []models.FileLock
	return held, c.do(http.MethodGet, path, nil, &held)
}

// PendingRequests fetches the file requests awaiting a decision.
func (c *Client) PendingRequests() ([]models.FileRequest, error) {
	var reqs []models.FileRequest
	return reqs, c.do(http.MethodGet, "/requests?status=pending", nil, &reqs)
}

// Hire adds an agent to the roster.
func (c *Client) Hire(name, role string) error {
	return c.do(http.MethodPost, "/agents", models.Agent{Name: name, Role: role}, nil)
}

// Fire removes an agent from the roster.
func (c *Client) Fire(name string) (*controlplane.FireResult, error) {
	var res controlplane.FireResult
	if err := c.do(http.MethodDelete, "/agents/"+url.PathEscape(name), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Assign hands a task to an agent.
func (c *Client) Assign(agent, description string, files []string) (*bridge.AssignResult, error) {
	body := map[string]interface{}{"description": description, "files": files}
	var res bridge.AssignResult
	if err := c.do(http.MethodPost, "/agents/"+url.PathEscape(agent)+"/assign", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Stop ends an agent's task.
func (c *Client) Stop(agent string) error {
	return c.do(http.MethodPost, "/agents/"+url.PathEscape(agent)+"/stop", struct{}{}, nil)
}

// Resolve approves or denies a pending request and reports whether it applied.
func (c *Client) Resolve(id string, approve bool) (bool, error) {
	action, key := "deny", "denied"
	if approve {
		action, key = "approve", "approved"
	}
	var res map[string]bool
	if err := c.do(http.MethodPost, "/requests/"+url.PathEscape(id)+"/"+action, struct{}{}, &res); err != nil {
		return false, err
	}
	return res[key], nil
}

// Recover attempts recovery of an agent.
func (c *Client) Recover(agent string) (*models.RecoveryAttempt, error) {
	var attempt models.RecoveryAttempt
	if err := c.do(http.MethodPost, "/agents/"+url.PathEscape(agent)+"/recover", struct{}{}, &attempt); err != nil {
		return nil, err
	}
	return &attempt, nil
}

// ClearEscalation lifts an agent's escalation.
func (c *Client) ClearEscalation(agent string) (bool, error) {
	var res map[string]bool
	if err := c.do(http.MethodPost, "/agents/"+url.PathEscape(agent)+"/clear-escalation", struct{}{}, &res); err != nil {
		return false, err
	}
	return res["cleared"], nil
}

// CheckHealthNow runs one health classification pass.
func (c *Client) CheckHealthNow() ([]models.HealthRecord, error) {
	var recs []models.HealthRecord
	return recs, c.do(http.MethodPost, "/health/check", struct{}{}, &recs)
}

// CheckHealth checks if the daemon is healthy.
func (c *Client) CheckHealth() (bool, error) {
	var health controlplane.HealthResponse
	if err := c.do(http.MethodGet, "/health", nil, &health); err != nil {
		return false, err
	}
	return health.OK, nil
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

func (c *Client) do(method, path string, data, out interface{}) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
