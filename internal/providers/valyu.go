package providers

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

	"github.com/osvaldoandrade/historia/internal/tracing"
	"github.com/osvaldoandrade/historia/pkg/domain"
)

// ResearchAPI is the upstream deep-research service.
type ResearchAPI interface {
	CreateTask(ctx context.Context, query string, instructions string) (string, error)
	Status(ctx context.Context, externalID string) (domain.StatusSnapshot, error)
}

// ErrUpstream wraps non-2xx answers of the research API.
var ErrUpstream = errors.New("research api error")

type ValyuConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type valyuClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func NewValyuClient(cfg ValyuConfig) ResearchAPI {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "standard"
	}
	return &valyuClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

type createTaskRequest struct {
	Input         string   `json:"input"`
	Model         string   `json:"model"`
	OutputFormats []string `json:"output_formats"`
	Strategy      string   `json:"strategy,omitempty"`
}

type createTaskResponse struct {
	DeepResearchID string `json:"deepresearch_id"`
	Status         string `json:"status"`
	Error          string `json:"error"`
}

func (c *valyuClient) CreateTask(ctx context.Context, query string, instructions string) (string, error) {
	body, _ := json.Marshal(createTaskRequest{
		Input:         query,
		Model:         c.model,
		OutputFormats: []string{"markdown"},
		Strategy:      strings.TrimSpace(instructions),
	})
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out createTaskResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("create research task: %w", err)
	}
	if out.DeepResearchID == "" {
		if out.Error != "" {
			return "", fmt.Errorf("create research task: %w: %s", ErrUpstream, out.Error)
		}
		return "", fmt.Errorf("create research task: %w: missing deepresearch_id", ErrUpstream)
	}
	return out.DeepResearchID, nil
}

func (c *valyuClient) Status(ctx context.Context, externalID string) (domain.StatusSnapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/tasks/"+url.PathEscape(externalID)+"/status", nil)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	var snap domain.StatusSnapshot
	if err := c.do(req, &snap); err != nil {
		return domain.StatusSnapshot{}, fmt.Errorf("get task status: %w", err)
	}
	return snap, nil
}

func (c *valyuClient) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	tracing.InjectHeaders(ctx, req.Header)
	return req, nil
}

func (c *valyuClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(b))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return fmt.Errorf("%w (%d): %s", ErrUpstream, resp.StatusCode, msg)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
