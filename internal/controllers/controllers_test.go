package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/historia/internal/middleware"
	"github.com/osvaldoandrade/historia/internal/services"
	"github.com/osvaldoandrade/historia/pkg/config"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"
	"github.com/osvaldoandrade/historia/pkg/persistence/memory"
	"github.com/osvaldoandrade/historia/pkg/stream"

	"github.com/gin-gonic/gin"
)

type stubAPI struct {
	mu   sync.Mutex
	snap domain.StatusSnapshot
	err  error
	n    int
}

func (s *stubAPI) CreateTask(ctx context.Context, query string, instructions string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.n++
	return "dr-" + strconv.Itoa(s.n), nil
}

func (s *stubAPI) Status(ctx context.Context, externalID string) (domain.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.err
}

type fixture struct {
	router *gin.Engine
	store  persistence.PluginPersistence
	api    *stubAPI
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := memory.NewPlugin(persistence.PluginConfig{})
	if err != nil {
		t.Fatalf("memory plugin: %v", err)
	}
	api := &stubAPI{snap: domain.StatusSnapshot{Status: domain.StatusCompleted, Output: "report"}}
	usage := services.NewUsageService(store.UsageStorage(), store.AccountStorage(), config.QuotaConfig{Anonymous: 1, Free: 3}, time.UTC, nil, nil)
	status := services.NewStatusService(api, store.TaskStorage(), nil, nil, nil)
	research := services.NewResearchService(api, store.TaskStorage(), usage, status, services.RelayOptions{Interval: time.Millisecond, Budget: time.Second}, nil)
	share := services.NewShareService(store.TaskStorage(), "https://historia.example", nil)
	billing := services.NewBillingService(store.AccountStorage(), services.BillingOptions{SkipVerification: true}, nil)

	r := gin.New()
	r.Use(middleware.OwnerMiddleware(nil))
	owned := r.Group("/v1", middleware.RequireOwner())
	owned.POST("/research", NewResearchController(research).Handle)
	owned.GET("/research/tasks", NewTasksController(research).List)
	owned.GET("/research/tasks/:id", NewTasksController(research).Get)
	owned.GET("/usage", NewUsageController(usage).Handle)
	r.GET("/v1/research/poll", NewPollStatusController(status).Handle)
	sc := NewShareController(share)
	r.POST("/v1/research/share", sc.Share)
	r.DELETE("/v1/research/share", sc.Unshare)
	r.GET("/v1/research/public/:token", sc.Public)
	r.POST("/v1/webhooks/polar", NewPolarWebhookController(billing).Handle)
	r.GET("/healthz", NewHealthController(store).Handle)
	return &fixture{router: r, store: store, api: api}
}

func (f *fixture) do(method, target string, body string, header map[string]string) *httptest.ResponseRecorder {
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func anon(id string) map[string]string {
	return map[string]string{middleware.HeaderAnonymousID: id}
}

func decodeEvents(t *testing.T, body []byte) []stream.Event {
	t.Helper()
	dec := stream.NewDecoder(bytes.NewReader(body), nil)
	var out []stream.Event
	for {
		ev, err := dec.Next()
		if err != nil {
			return out
		}
		out = append(out, ev)
	}
}

func TestResearchStreams(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/research", `{"location":{"name":"Athens","lat":37.9,"lng":23.7}}`, anon("a1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := decodeEvents(t, rec.Body.Bytes())
	if len(events) < 3 {
		t.Fatalf("expected at least 3 events, got %d", len(events))
	}
	if ev, ok := events[0].(stream.TaskCreated); !ok || ev.TaskID != "dr-1" {
		t.Fatalf("expected task_created first, got %#v", events[0])
	}
	if _, ok := events[len(events)-1].(stream.Done); !ok {
		t.Fatalf("expected done last, got %#v", events[len(events)-1])
	}
}

func TestResearchRequiresOwner(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/research", `{"location":{"name":"Athens"}}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestResearchValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/research", `{"location":{"name":"  "}}`, anon("a1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = f.do(http.MethodPost, "/v1/research", `{`, anon("a1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
}

func TestResearchQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	body := `{"location":{"name":"Sparta"}}`
	if rec := f.do(http.MethodPost, "/v1/research", body, anon("a1")); rec.Code != http.StatusOK {
		t.Fatalf("first run: %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/v1/research", body, anon("a1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out["limit"] != float64(1) || out["used"] != float64(1) || out["resetAt"] == nil {
		t.Fatalf("unexpected quota body %v", out)
	}
}

func TestResearchUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.api.err = errors.New("upstream down")
	rec := f.do(http.MethodPost, "/v1/research", `{"location":{"name":"Delphi"}}`, anon("a1"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestPoll(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v1/research/poll", "", nil)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Missing taskId parameter") {
		t.Fatalf("expected missing taskId, got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/v1/research/poll?taskId=dr-9", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-cache, no-store, must-revalidate" {
		t.Fatalf("unexpected cache header %q", rec.Header().Get("Cache-Control"))
	}
	var snap domain.StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil || snap.Output != "report" {
		t.Fatalf("unexpected snapshot %+v (%v)", snap, err)
	}

	f.api.err = errors.New("status 502")
	rec = f.do(http.MethodGet, "/v1/research/poll?taskId=dr-9", "", nil)
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "status 502") {
		t.Fatalf("expected 500, got %d %s", rec.Code, rec.Body.String())
	}
}

func seed(t *testing.T, f *fixture, id string, owner domain.OwnerRef) {
	t.Helper()
	err := f.store.TaskStorage().Create(context.Background(), &domain.ResearchTask{
		ID: id, ExternalID: "ext-" + id, Owner: owner, Location: domain.Location{Name: "Rome"}, Status: domain.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestShareFlow(t *testing.T) {
	f := newFixture(t)
	static := staticValidator{"tok-u1": "u1", "tok-u2": "u2"}
	f.router = gin.New()
	sc := NewShareController(services.NewShareService(f.store.TaskStorage(), "https://historia.example", nil))
	f.router.Use(middleware.OwnerMiddleware(static))
	f.router.POST("/v1/research/share", sc.Share)
	f.router.DELETE("/v1/research/share", sc.Unshare)
	f.router.GET("/v1/research/public/:token", sc.Public)
	seed(t, f, "t1", domain.UserOwner("u1"))

	if rec := f.do(http.MethodPost, "/v1/research/share", `{"taskId":"t1"}`, anon("a1")); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous share: expected 401, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/v1/research/share", `{}`, bearer("tok-u1")); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing taskId: expected 400, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/v1/research/share", `{"taskId":"t1"}`, bearer("tok-u2")); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign share: expected 403, got %d", rec.Code)
	}

	rec := f.do(http.MethodPost, "/v1/research/share", `{"taskId":"ext-t1","images":["https://img/1"]}`, bearer("tok-u1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("share: %d %s", rec.Code, rec.Body.String())
	}
	var res domain.ShareResult
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if res.ShareURL != "https://historia.example/share/"+res.ShareToken {
		t.Fatalf("unexpected share url %q", res.ShareURL)
	}

	rec = f.do(http.MethodGet, "/v1/research/public/"+res.ShareToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("public read: %d", rec.Code)
	}
	var pub struct {
		Task domain.PublicTask `json:"task"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &pub)
	if pub.Task.LocationName != "Rome" || len(pub.Task.LocationImages) != 1 {
		t.Fatalf("unexpected public task %+v", pub.Task)
	}

	if rec := f.do(http.MethodDelete, "/v1/research/share", "", bearer("tok-u1")); rec.Code != http.StatusBadRequest {
		t.Fatalf("unshare without taskId: expected 400, got %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/v1/research/share?taskId=t1", "", bearer("tok-u1")); rec.Code != http.StatusOK {
		t.Fatalf("unshare: %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/v1/research/public/"+res.ShareToken, "", nil)
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), domain.NotSharedMessage) {
		t.Fatalf("expected uniform 404, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestTasksAndUsage(t *testing.T) {
	f := newFixture(t)
	seed(t, f, "t1", domain.AnonymousOwner("a1"))
	seed(t, f, "t2", domain.AnonymousOwner("a2"))

	rec := f.do(http.MethodGet, "/v1/research/tasks", "", anon("a1"))
	var list struct {
		Tasks []domain.ResearchTask `json:"tasks"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if rec.Code != http.StatusOK || len(list.Tasks) != 1 || list.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected list %d %+v", rec.Code, list)
	}
	if rec := f.do(http.MethodGet, "/v1/research/tasks?limit=x", "", anon("a1")); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/research/tasks/t2", "", anon("a1")); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign task, got %d", rec.Code)
	}

	rec = f.do(http.MethodGet, "/v1/usage", "", anon("a1"))
	var u domain.Usage
	_ = json.Unmarshal(rec.Body.Bytes(), &u)
	if rec.Code != http.StatusOK || u.Tier != domain.TierFree || u.Limit != 1 {
		t.Fatalf("unexpected usage %d %+v", rec.Code, u)
	}
}

func TestPolarWebhookAndHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/webhooks/polar", `{"type":"subscription.canceled","data":{"metadata":{"userId":"u1"}}}`, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("expected OK, got %d %q", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodPost, "/v1/webhooks/polar", `nope`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func TestPolarWebhookSignatureRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, _ := memory.NewPlugin(persistence.PluginConfig{})
	r := gin.New()
	r.POST("/hook", NewPolarWebhookController(services.NewBillingService(store.AccountStorage(), services.BillingOptions{WebhookSecret: "s"}, nil)).Handle)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{}`)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	r = gin.New()
	r.POST("/hook", NewPolarWebhookController(services.NewBillingService(store.AccountStorage(), services.BillingOptions{}, nil)).Handle)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{}`)))
	if rec.Code != http.StatusInternalServerError || rec.Body.String() != "Webhook secret not configured" {
		t.Fatalf("expected 500 secret missing, got %d %q", rec.Code, rec.Body.String())
	}
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}
