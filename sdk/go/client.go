package stewardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal steward admin API client.
type Client struct {
	BaseURL     string
	BearerToken string
	APIKey      string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     30 * time.Second,
	}
}

// Ability describes a registered ability.
type Ability struct {
	Name               string `json:"name"`
	Label              string `json:"label"`
	Description        string `json:"description,omitempty"`
	RequiredCapability string `json:"required_capability"`
	RequiresApproval   bool   `json:"requires_approval"`
	InputSchema        string `json:"input_schema,omitempty"`
	Enabled            bool   `json:"enabled"`
}

// DispatchResult is either executed (Data set) or deferred (QueueID set).
type DispatchResult struct {
	Status  string         `json:"status"`
	QueueID string         `json:"queue_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Deferred reports whether the invocation was queued for approval.
func (r DispatchResult) Deferred() bool { return r.Status == "deferred" }

type QueueItem struct {
	ID          string         `json:"id"`
	AbilityName string         `json:"ability_name"`
	Input       map[string]any `json:"input"`
	ActorID     string         `json:"requesting_actor"`
	QueuedAt    time.Time      `json:"queued_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Status      string         `json:"status"`
}

type AuditRecord struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	ActorID   string         `json:"actor_id,omitempty"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditFilter narrows an audit query. Zero values are ignored.
type AuditFilter struct {
	EventType string
	Source    string
	ActorID   string
	Since     time.Time
	BeforeID  int64
	Limit     int
}

// AuditPage is one page of audit records, newest first.
type AuditPage struct {
	Items        []AuditRecord `json:"items"`
	NextBeforeID int64         `json:"next_before_id,omitempty"`
}

type Flag struct {
	Key       string    `json:"key"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Task struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
}

type TaskResult struct {
	Key           string   `json:"key"`
	Outcome       string   `json:"outcome"`
	Findings      int      `json:"findings"`
	Summary       string   `json:"summary,omitempty"`
	Failures      []string `json:"failures,omitempty"`
	Error         string   `json:"error,omitempty"`
	DeliveryError string   `json:"delivery_error,omitempty"`
}

type BatchResult struct {
	Results  []TaskResult `json:"results"`
	Warnings []string     `json:"warnings,omitempty"`
}

type CircuitState struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures uint       `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

type GatewayStatus struct {
	Backend    string       `json:"backend"`
	Configured bool         `json:"configured"`
	Circuit    CircuitState `json:"circuit"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given envelope code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Abilities lists registered abilities.
func (c *Client) Abilities(ctx context.Context) ([]Ability, error) {
	var resp struct {
		Items []Ability `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "abilities", nil, &resp)
	return resp.Items, err
}

// Dispatch invokes an ability by its category/action name.
func (c *Client) Dispatch(ctx context.Context, name string, input map[string]any) (DispatchResult, error) {
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, abilityPath(name, "dispatch"), map[string]any{"input": input}, &resp)
	return resp, err
}

// SetAbilityEnabled enables or disables an ability.
func (c *Client) SetAbilityEnabled(ctx context.Context, name string, enabled bool) error {
	verb := "enable"
	if !enabled {
		verb = "disable"
	}
	return c.do(ctx, http.MethodPost, abilityPath(name, verb), nil, nil)
}

// Pending lists pending approval queue items, oldest first.
func (c *Client) Pending(ctx context.Context) ([]QueueItem, error) {
	var resp struct {
		Items []QueueItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "queue", nil, &resp)
	return resp.Items, err
}

// Approve approves a queue item and returns the ability's result.
func (c *Client) Approve(ctx context.Context, id string) (map[string]any, error) {
	var resp struct {
		Result map[string]any `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("queue/%s/approve", url.PathEscape(id)), nil, &resp)
	return resp.Result, err
}

func (c *Client) Reject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("queue/%s/reject", url.PathEscape(id)), nil, nil)
}

// Audit returns one page of audit records.
func (c *Client) Audit(ctx context.Context, f AuditFilter) (AuditPage, error) {
	q := url.Values{}
	if f.EventType != "" {
		q.Set("event_type", f.EventType)
	}
	if f.Source != "" {
		q.Set("source", f.Source)
	}
	if f.ActorID != "" {
		q.Set("actor_id", f.ActorID)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.BeforeID > 0 {
		q.Set("before_id", fmt.Sprint(f.BeforeID))
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	endpoint := "audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Flags(ctx context.Context) ([]Flag, error) {
	var resp struct {
		Items []Flag `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "flags", nil, &resp)
	return resp.Items, err
}

func (c *Client) SetFlag(ctx context.Context, key string, enabled bool) (Flag, error) {
	var resp Flag
	err := c.do(ctx, http.MethodPut, "flags/"+url.PathEscape(key), map[string]any{"enabled": enabled}, &resp)
	return resp, err
}

// FlushCache empties the gateway response cache and returns the number of
// entries removed.
func (c *Client) FlushCache(ctx context.Context) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "cache/flush", nil, &resp)
	return resp.Removed, err
}

func (c *Client) GovernanceTasks(ctx context.Context) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "governance/tasks", nil, &resp)
	return resp.Items, err
}

func (c *Client) RunTask(ctx context.Context, key string) (TaskResult, error) {
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("governance/tasks/%s/run", url.PathEscape(key)), nil, &resp)
	return resp, err
}

// RunBatch runs the given tasks, or every enabled task when keys is empty.
func (c *Client) RunBatch(ctx context.Context, keys ...string) (BatchResult, error) {
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, "governance/run", map[string]any{"keys": keys}, &resp)
	return resp, err
}

func (c *Client) GatewayStatus(ctx context.Context) (GatewayStatus, error) {
	var resp GatewayStatus
	err := c.do(ctx, http.MethodGet, "gateway/status", nil, &resp)
	return resp, err
}

func (c *Client) ResetCircuit(ctx context.Context) (CircuitState, error) {
	var resp CircuitState
	err := c.do(ctx, http.MethodPost, "gateway/reset", nil, &resp)
	return resp, err
}

func abilityPath(name, verb string) string {
	return fmt.Sprintf("abilities/%s/%s", strings.Trim(name, "/"), verb)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
