package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/historia/pkg/client"
	"github.com/osvaldoandrade/historia/pkg/config"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/lifecycle"
	"github.com/osvaldoandrade/historia/pkg/stream"

	"github.com/alicebob/miniredis/v2"
)

// fakeValyu hands out sequential ids. Each task reports running for its first
// running status reads (one when unset) and completed afterwards.
type fakeValyu struct {
	mu      sync.Mutex
	next    int
	polls   map[string]int
	running int
}

func (f *fakeValyu) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-API-Key") != "valyu-key" {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "bad key"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/tasks":
		f.next++
		id := fmt.Sprintf("dr-%d", f.next)
		_ = json.NewEncoder(w).Encode(map[string]any{"deepresearch_id": id, "status": "queued"})
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/status"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/status")
		f.polls[id]++
		if f.polls[id] <= max(f.running, 1) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "running", "current_step": 1, "total_steps": 2})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "completed",
			"output": "Founded in 753 BC.",
			"sources": []map[string]any{
				{"title": "Livy", "url": "https://example.org/livy"},
			},
		})
	default:
		http.NotFound(w, r)
	}
}

func TestHTTPIntegrationFlow(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)

	valyuSrv := httptest.NewServer(&fakeValyu{polls: map[string]int{}})
	t.Cleanup(valyuSrv.Close)

	callbackCh := make(chan map[string]any, 4)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(b, &payload)
		select {
		case callbackCh <- payload:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(hookSrv.Close)

	cfg := &config.Config{
		Port:                   8080,
		Env:                    "test",
		Timezone:               "UTC",
		LogLevel:               "error",
		LogFormat:              "json",
		RedisAddr:              mr.Addr(),
		PersistenceProvider:    "redis",
		AuthProvider:           "static",
		AuthConfig:             map[string]any{"token": "user-token", "subject": "u1"},
		ValyuBaseURL:           valyuSrv.URL,
		ValyuAPIKey:            "valyu-key",
		ValyuModel:             "standard",
		PublicBaseURL:          "http://historia.test",
		StreamBudgetSeconds:    10,
		RelayIntervalSeconds:   1,
		UpstreamTimeoutSeconds: 5,
		Quota:                  config.QuotaConfig{Anonymous: 1, Free: 3},
		CompletionWebhookURL:   hookSrv.URL,
		WebhookHmacSecret:      "secret",
		WebhookMaxAttempts:     1,
		BackoffPolicy:          "fixed",
		BackoffBaseSeconds:     1,
		BackoffMaxSeconds:      1,
		LocalArtifactsDir:      t.TempDir(),
		RateLimit: config.RateLimitConfig{
			Poll: config.RateLimitBucketConfig{RequestsPerMinute: 600, BurstSize: 100},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	SetupMappings(app)
	server := httptest.NewServer(app.Engine)
	t.Cleanup(server.Close)

	userHeaders := http.Header{"Authorization": []string{"Bearer user-token"}}

	events := startResearch(t, ctx, server.URL, userHeaders, http.StatusOK)
	if created, ok := events[0].(stream.TaskCreated); !ok || created.TaskID != "dr-1" {
		t.Fatalf("first event = %#v, want task_created dr-1", events[0])
	}
	if _, ok := events[len(events)-1].(stream.Done); !ok {
		t.Fatalf("last event = %#v, want done", events[len(events)-1])
	}
	var content string
	for _, ev := range events {
		if c, ok := ev.(stream.Content); ok {
			content = c.Content
		}
	}
	if content != "Founded in 753 BC." {
		t.Fatalf("content = %q", content)
	}

	select {
	case payload := <-callbackCh:
		if payload["deepresearchId"] != "dr-1" {
			t.Fatalf("callback deepresearchId mismatch: %v", payload["deepresearchId"])
		}
		if payload["status"] != string(domain.StatusCompleted) {
			t.Fatalf("callback status mismatch: %v", payload["status"])
		}
		if payload["reportUrl"] == nil || payload["reportUrl"] == "" {
			t.Fatalf("callback missing reportUrl: %v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected completion callback")
	}

	var list struct {
		Tasks []domain.ResearchTask `json:"tasks"`
	}
	status, body := doJSON(t, ctx, http.MethodGet, server.URL+"/v1/research/tasks", userHeaders, nil, &list)
	if status != http.StatusOK {
		t.Fatalf("list status %d body=%s", status, body)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].Status != domain.StatusCompleted {
		t.Fatalf("list = %+v", list.Tasks)
	}

	var snap domain.StatusSnapshot
	status, body = doJSON(t, ctx, http.MethodGet, server.URL+"/v1/research/poll?taskId=dr-1", nil, nil, &snap)
	if status != http.StatusOK || snap.Status != domain.StatusCompleted {
		t.Fatalf("poll status %d body=%s", status, body)
	}

	var shared domain.ShareResult
	status, body = doJSON(t, ctx, http.MethodPost, server.URL+"/v1/research/share", userHeaders,
		map[string]any{"taskId": "dr-1", "images": []string{"https://img.test/a.jpg"}}, &shared)
	if status != http.StatusOK {
		t.Fatalf("share status %d body=%s", status, body)
	}
	if shared.ShareToken == "" || shared.ShareURL != "http://historia.test/share/"+shared.ShareToken {
		t.Fatalf("share result = %+v", shared)
	}

	var public struct {
		Task domain.PublicTask `json:"task"`
	}
	status, body = doJSON(t, ctx, http.MethodGet, server.URL+"/v1/research/public/"+shared.ShareToken, nil, nil, &public)
	if status != http.StatusOK {
		t.Fatalf("public status %d body=%s", status, body)
	}
	if public.Task.LocationName != "Rome" || len(public.Task.LocationImages) != 1 {
		t.Fatalf("public task = %+v", public.Task)
	}

	status, body = doJSON(t, ctx, http.MethodDelete, server.URL+"/v1/research/share?taskId=dr-1", userHeaders, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("unshare status %d body=%s", status, body)
	}
	status, body = doJSON(t, ctx, http.MethodGet, server.URL+"/v1/research/public/"+shared.ShareToken, nil, nil, nil)
	if status != http.StatusNotFound || !strings.Contains(body, domain.NotSharedMessage) {
		t.Fatalf("public after unshare status %d body=%s", status, body)
	}

	var usage domain.Usage
	status, body = doJSON(t, ctx, http.MethodGet, server.URL+"/v1/usage", userHeaders, nil, &usage)
	if status != http.StatusOK {
		t.Fatalf("usage status %d body=%s", status, body)
	}
	if usage.Used != 1 || usage.Limit != 3 || usage.Tier != domain.TierFree {
		t.Fatalf("usage = %+v", usage)
	}

	anonHeaders := http.Header{"X-Anonymous-Id": []string{"anon-1"}}
	startResearch(t, ctx, server.URL, anonHeaders, http.StatusOK)
	startResearch(t, ctx, server.URL, anonHeaders, http.StatusTooManyRequests)

	status, _ = doJSON(t, ctx, http.MethodPost, server.URL+"/v1/research/share", anonHeaders, map[string]any{"taskId": "dr-2"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("anonymous share status %d, want 401", status)
	}

	status, body = doJSON(t, ctx, http.MethodGet, server.URL+"/healthz", nil, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("healthz status %d body=%s", status, body)
	}
	status, body = doJSON(t, ctx, http.MethodGet, server.URL+"/metrics", nil, nil, nil)
	if status != http.StatusOK || !strings.Contains(body, "historia_research_started_total") {
		t.Fatalf("metrics status %d", status)
	}
}

func TestResearchRequiresOwner(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := &config.Config{
		Port:                8080,
		Env:                 "dev",
		Timezone:            "UTC",
		LogLevel:            "error",
		RedisAddr:           mr.Addr(),
		PersistenceProvider: "memory",
		ValyuBaseURL:        "http://valyu.invalid",
		PublicBaseURL:       "http://historia.test",
		Quota:               config.QuotaConfig{Anonymous: 1, Free: 3},
	}
	app, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	if app.Redis != nil {
		t.Fatalf("memory store without rate limits should not open redis")
	}
	SetupMappings(app)
	server := httptest.NewServer(app.Engine)
	t.Cleanup(server.Close)

	status, _ := doJSON(t, context.Background(), http.MethodPost, server.URL+"/v1/research", nil,
		map[string]any{"location": map[string]any{"name": "Rome"}}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", status)
	}
	status, _ = doJSON(t, context.Background(), http.MethodGet, server.URL+"/v1/research/tasks",
		http.Header{"Authorization": []string{"Bearer whatever"}}, nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("bearer without validator: status %d, want 401", status)
	}
}

func TestClientControllerFollowsHandoffToPolling(t *testing.T) {
	valyu := &fakeValyu{polls: map[string]int{}, running: 2}
	valyuSrv := httptest.NewServer(valyu)
	t.Cleanup(valyuSrv.Close)

	cfg := &config.Config{
		Port:                   8080,
		Env:                    "test",
		Timezone:               "UTC",
		LogLevel:               "error",
		LogFormat:              "json",
		PersistenceProvider:    "memory",
		AuthProvider:           "static",
		AuthConfig:             map[string]any{"token": "user-token", "subject": "u1"},
		ValyuBaseURL:           valyuSrv.URL,
		ValyuAPIKey:            "valyu-key",
		ValyuModel:             "standard",
		PublicBaseURL:          "http://historia.test",
		StreamBudgetSeconds:    1,
		RelayIntervalSeconds:   1,
		UpstreamTimeoutSeconds: 5,
		Quota:                  config.QuotaConfig{Anonymous: 1, Free: 3},
		LocalArtifactsDir:      t.TempDir(),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	app, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	SetupMappings(app)
	server := httptest.NewServer(app.Engine)
	t.Cleanup(server.Close)

	c := client.New(server.URL, client.WithToken("user-token"))
	ctrl := lifecycle.NewController(c, c, lifecycle.WithPollInterval(20*time.Millisecond))

	var mu sync.Mutex
	var authorities []lifecycle.Authority
	ctrl.Subscribe(func(vm lifecycle.ViewModel) {
		mu.Lock()
		authorities = append(authorities, vm.Authority)
		mu.Unlock()
	})

	if err := ctrl.Start(context.Background(), domain.Location{Name: "Rome", Lat: 41.9028, Lng: 12.4964}, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	vm, err := ctrl.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if vm.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, error = %q", vm.Status, vm.Error)
	}
	if vm.TaskID != "dr-1" || vm.Authority != lifecycle.AuthorityPoller {
		t.Fatalf("task %q authority %q, want dr-1 via poller", vm.TaskID, vm.Authority)
	}
	if vm.Output != "Founded in 753 BC." || len(vm.Sources) != 1 {
		t.Fatalf("output %q sources %v", vm.Output, vm.Sources)
	}

	mu.Lock()
	sawStream := len(authorities) > 0 && authorities[0] == lifecycle.AuthorityStream
	mu.Unlock()
	if !sawStream {
		t.Fatalf("expected the stream to lead before the handoff, got %v", authorities)
	}

	stored, err := app.Store.TaskStorage().GetByExternalID(context.Background(), "dr-1")
	if err != nil {
		t.Fatalf("stored task: %v", err)
	}
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

// startResearch submits a research run for Rome and, on a 200, reads the
// whole event stream.
func startResearch(t *testing.T, ctx context.Context, baseURL string, headers http.Header, wantStatus int) []stream.Event {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"location": map[string]any{"name": "Rome", "lat": 41.9028, "lng": 12.4964},
	})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/research", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("research request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("research status %d, want %d body=%s", resp.StatusCode, wantStatus, b)
	}
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	dec := stream.NewDecoder(resp.Body, nil)
	var events []stream.Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("decode stream: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatalf("empty research stream")
	}
	return events
}

func doJSON(t *testing.T, ctx context.Context, method, url string, headers http.Header, body any, out any) (int, string) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewBuffer(b)
	}
	req, _ := http.NewRequestWithContext(ctx, method, url, buf)
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_ = json.Unmarshal(b, out)
	}
	return resp.StatusCode, string(b)
}
