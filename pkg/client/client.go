// Package client talks to the historia HTTP API. It satisfies the submitter,
// status fetcher and public reader interfaces of package lifecycle.
package client

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

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/stream"
)

const (
	AnonymousHeader = "X-Anonymous-Id"
	defaultTimeout  = 15 * time.Second
)

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("error (%d): %s", e.Status, e.Message)
}

type Client struct {
	baseURL     string
	token       string
	anonymousID string
	httpClient  *http.Client
	timeout     time.Duration
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

func WithAnonymousID(id string) Option {
	return func(c *Client) { c.anonymousID = strings.TrimSpace(id) }
}

// WithHTTPClient replaces the transport. The client must not set a total
// timeout, since research streams stay open for minutes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRequestTimeout bounds every non-streaming call.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.anonymousID != "" {
		req.Header.Set(AnonymousHeader, c.anonymousID)
	}
	return req, nil
}

// Submit starts a research task and returns the event stream. Transport
// failures and error responses come back as a body holding one error frame.
func (c *Client) Submit(ctx context.Context, location domain.Location, instructions string) (io.ReadCloser, error) {
	body := domain.SubmitRequest{
		Messages:     []domain.ChatMessage{{Role: domain.RoleUser, Content: domain.ResearchPrompt(location.Name)}},
		Location:     location,
		Instructions: instructions,
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/research", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return stream.ErrorBody(err.Error()), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return stream.ErrorBody(readAPIError(resp).Message), nil
	}
	return resp.Body, nil
}

// Poll reads the current status of a task.
func (c *Client) Poll(ctx context.Context, taskID string) (domain.StatusSnapshot, error) {
	var out domain.StatusSnapshot
	err := c.do(ctx, http.MethodGet, "/v1/research/poll?taskId="+url.QueryEscape(taskID), nil, &out)
	return out, err
}

// PublicTask resolves a share token. A 404 wraps domain.ErrNotShared.
func (c *Client) PublicTask(ctx context.Context, token string) (domain.PublicTask, error) {
	var out struct {
		Task domain.PublicTask `json:"task"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/research/public/"+url.PathEscape(token), nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return domain.PublicTask{}, fmt.Errorf("%w: %s", domain.ErrNotShared, apiErr.Message)
	}
	return out.Task, err
}

func (c *Client) Share(ctx context.Context, taskID string, images []string) (domain.ShareResult, error) {
	var out domain.ShareResult
	body := map[string]any{"taskId": taskID}
	if len(images) > 0 {
		body["images"] = images
	}
	err := c.do(ctx, http.MethodPost, "/v1/research/share", body, &out)
	return out, err
}

func (c *Client) Unshare(ctx context.Context, taskID string) error {
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodDelete, "/v1/research/share?taskId="+url.QueryEscape(taskID), nil, &out); err != nil {
		return err
	}
	if !out.Success {
		return errors.New("unshare was not acknowledged")
	}
	return nil
}

func (c *Client) ListTasks(ctx context.Context) ([]domain.ResearchTask, error) {
	var out struct {
		Tasks []domain.ResearchTask `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/research/tasks", nil, &out)
	return out.Tasks, err
}

// GetTask reads one of the caller's tasks by local or external id.
func (c *Client) GetTask(ctx context.Context, id string) (domain.ResearchTask, error) {
	var out domain.ResearchTask
	err := c.do(ctx, http.MethodGet, "/v1/research/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Usage(ctx context.Context) (domain.Usage, error) {
	var out domain.Usage
	err := c.do(ctx, http.MethodGet, "/v1/usage", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
