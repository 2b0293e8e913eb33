// Package client is the HTTP client for a courierd server. It satisfies
// agent.Queue, so a remote consumer polls through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/courier/comms"
	"github.com/GoCodeAlone/courier/dispatch"
	"github.com/GoCodeAlone/courier/server/api"
	"github.com/GoCodeAlone/courier/task"
)

// Client holds HTTP client state.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New returns a Client for baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx response. It matches the task and dispatch
// sentinels for the status codes that carry them.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto sentinel errors.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == task.ErrNotFound
	case http.StatusConflict:
		return target == task.ErrConflict
	case http.StatusServiceUnavailable:
		return target == dispatch.ErrSubmissionFailed
	case http.StatusBadRequest:
		return target == dispatch.ErrInvalidArgument
	}
	return false
}

// do sends a request and decodes a JSON response into v (may be nil).
func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header, v any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	for k := range header {
		req.Header.Set(k, header.Get(k))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(b))
		var e api.ErrorResponse
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Status returns server health and queue counts.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login exchanges admin credentials for a token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// Submit queues an instruction or control command.
func (c *Client) Submit(ctx context.Context, sub dispatch.Submission) (dispatch.Receipt, error) {
	var rcpt dispatch.Receipt
	err := c.do(ctx, http.MethodPost, "/tasks", sub, nil, &rcpt)
	return rcpt, err
}

// Stop submits a stop command from source.
func (c *Client) Stop(ctx context.Context, source string) (dispatch.Receipt, error) {
	return c.Submit(ctx, dispatch.Submission{CommandType: task.CommandStop, Source: source})
}

// Resume submits a resume command from source.
func (c *Client) Resume(ctx context.Context, source string) (dispatch.Receipt, error) {
	return c.Submit(ctx, dispatch.Submission{CommandType: task.CommandResume, Source: source})
}

// List returns tasks matching filter.
func (c *Client) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	q := url.Values{}
	if filter.Status != nil {
		q.Set("status", string(*filter.Status))
	}
	if filter.Source != "" {
		q.Set("source", filter.Source)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var tasks []*task.Task
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListUnclaimed returns pending tasks oldest first.
func (c *Client) ListUnclaimed(ctx context.Context) ([]*task.Task, error) {
	pending := task.StatusPending
	return c.List(ctx, task.Filter{Status: &pending})
}

// Get returns one task.
func (c *Client) Get(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Claim starts a task for consumer. A lost race matches task.ErrConflict.
func (c *Client) Claim(ctx context.Context, id, consumer string) (*task.Task, error) {
	var out api.StartResponse
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/start", nil, consumerHeader(consumer), &out)
	if err != nil {
		return nil, err
	}
	return out.Task, nil
}

// Complete resolves a task this consumer owns.
func (c *Client) Complete(ctx context.Context, id, consumer string, outcome task.Status, detail string) (*task.Task, error) {
	var t task.Task
	body := api.CompleteRequest{Outcome: outcome, Detail: detail}
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/complete", body, consumerHeader(consumer), &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RecentEvents returns recent lifecycle events, for one task when taskID
// is set.
func (c *Client) RecentEvents(ctx context.Context, taskID string, limit int) ([]*comms.Event, error) {
	q := url.Values{}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/events/recent"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var events []*comms.Event
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func consumerHeader(consumer string) http.Header {
	if consumer == "" {
		return nil
	}
	h := http.Header{}
	h.Set(api.ConsumerHeader, consumer)
	return h
}
