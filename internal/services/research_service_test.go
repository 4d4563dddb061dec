package services

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/osvaldoandrade/historia/pkg/config"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/stream"
)

func newResearchFixture(t *testing.T, api *fakeAPI, opts RelayOptions) (ResearchService, *recordingCallback) {
	t.Helper()
	store := newMemoryStore(t)
	usage := NewUsageService(store.UsageStorage(), store.AccountStorage(), config.QuotaConfig{Anonymous: 1, Free: 3}, time.UTC, nil, nil)
	cb := &recordingCallback{}
	status := NewStatusService(api, store.TaskStorage(), nil, cb, nil)
	return NewResearchService(api, store.TaskStorage(), usage, status, opts, nil), cb
}

func collect(events *[]stream.Event) func(stream.Event) error {
	return func(ev stream.Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func eventTypes(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type()
	}
	return out
}

func startTask(t *testing.T, svc ResearchService, owner domain.OwnerRef, name string) *domain.ResearchTask {
	t.Helper()
	task, err := svc.Start(context.Background(), owner, domain.SubmitRequest{Location: domain.Location{Name: name}})
	if err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	return task
}

func relayAll(t *testing.T, svc ResearchService, task *domain.ResearchTask) []stream.Event {
	t.Helper()
	var events []stream.Event
	if err := svc.Relay(context.Background(), task, collect(&events)); err != nil {
		t.Fatalf("relay: %v", err)
	}
	return events
}

func TestResearchStartPersistsQueuedTask(t *testing.T) {
	api := &fakeAPI{nextID: "dr-42"}
	svc, _ := newResearchFixture(t, api, RelayOptions{})
	ctx := context.Background()
	owner := domain.UserOwner("u1")

	task, err := svc.Start(ctx, owner, domain.SubmitRequest{Location: domain.Location{Name: "  Carthage ", Lat: 36.8, Lng: 10.3}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if task.ID == "" || task.ExternalID != "dr-42" {
		t.Fatalf("unexpected ids %q %q", task.ID, task.ExternalID)
	}
	if task.Status != domain.StatusQueued || task.Location.Name != "Carthage" {
		t.Fatalf("unexpected task %+v", task)
	}
	if len(api.created) != 1 || api.created[0] != domain.ResearchPrompt("Carthage") {
		t.Fatalf("unexpected upstream queries %q", api.created)
	}

	got, err := svc.Get(ctx, owner, "dr-42")
	if err != nil {
		t.Fatalf("get by external id: %v", err)
	}
	if got.ID != task.ID {
		t.Fatalf("get returned %q, want %q", got.ID, task.ID)
	}

	if _, err := svc.Get(ctx, domain.UserOwner("u2"), task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("foreign get: expected ErrTaskNotFound, got %v", err)
	}

	list, err := svc.List(ctx, owner, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one task, got %d", len(list))
	}
}

func TestResearchStartValidation(t *testing.T) {
	api := &fakeAPI{nextID: "dr-1"}
	svc, _ := newResearchFixture(t, api, RelayOptions{})

	if _, err := svc.Start(context.Background(), domain.UserOwner("u1"), domain.SubmitRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.Start(context.Background(), domain.OwnerRef{}, domain.SubmitRequest{Location: domain.Location{Name: "x"}}); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	if len(api.created) != 0 {
		t.Fatalf("upstream called for invalid requests: %q", api.created)
	}
}

func TestResearchStartQuotaDeniedBeforeUpstream(t *testing.T) {
	api := &fakeAPI{nextID: "dr-1"}
	svc, _ := newResearchFixture(t, api, RelayOptions{})
	anon := domain.AnonymousOwner("a1")

	startTask(t, svc, anon, "Troy")
	_, err := svc.Start(context.Background(), anon, domain.SubmitRequest{Location: domain.Location{Name: "Troy"}})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if len(api.created) != 1 {
		t.Fatalf("denied run reached upstream: %d creates", len(api.created))
	}
}

func TestResearchStartUpstreamFailure(t *testing.T) {
	api := &fakeAPI{createErr: errors.New("boom")}
	svc, _ := newResearchFixture(t, api, RelayOptions{})
	_, err := svc.Start(context.Background(), domain.UserOwner("u1"), domain.SubmitRequest{Location: domain.Location{Name: "Ur"}})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected upstream error verbatim, got %v", err)
	}
}

func TestRelayCompletes(t *testing.T) {
	text := func(s string) domain.MessageContent { return domain.MessageContent{Type: domain.ContentText, Text: s} }
	api := &fakeAPI{nextID: "dr-7", snaps: []domain.StatusSnapshot{
		{Status: domain.StatusQueued},
		{Status: domain.StatusRunning, CurrentStep: 1, TotalSteps: 3, Messages: []domain.Message{
			{Role: domain.RoleUser, Content: []domain.MessageContent{text("q")}},
			{Role: domain.RoleAssistant, Content: []domain.MessageContent{text("a")}},
		}},
		{Status: domain.StatusRunning, CurrentStep: 1, TotalSteps: 3, Messages: []domain.Message{
			{Role: domain.RoleAssistant, Content: []domain.MessageContent{text("a"), {Type: domain.ContentToolCall, ToolCallID: "c1", Input: json.RawMessage(`{}`)}}},
		}},
		{Status: domain.StatusCompleted, Output: "final", Sources: []domain.Source{{Title: "s", URL: "u"}}},
	}}
	svc, cb := newResearchFixture(t, api, RelayOptions{Interval: time.Millisecond, Budget: time.Minute})
	task := startTask(t, svc, domain.UserOwner("u1"), "Giza")
	events := relayAll(t, svc, task)

	want := []stream.EventType{
		stream.TypeTaskCreated,
		stream.TypeStatus,
		stream.TypeProgress,
		stream.TypeMessageUpdate,
		stream.TypeMessageUpdate,
		stream.TypeContent,
		stream.TypeSources,
		stream.TypeDone,
	}
	if got := eventTypes(events); !slices.Equal(got, want) {
		t.Fatalf("event types %v, want %v", got, want)
	}
	if created := events[0].(stream.TaskCreated); created.TaskID != "dr-7" {
		t.Fatalf("task_created carries %q", created.TaskID)
	}
	if mu := events[3].(stream.MessageUpdate); mu.Data.Text != "a" {
		t.Fatalf("first message update %+v", mu)
	}
	if mu := events[4].(stream.MessageUpdate); mu.ContentType != domain.ContentToolCall {
		t.Fatalf("second message update %+v", mu)
	}
	if c := events[5].(stream.Content); c.Content != "final" {
		t.Fatalf("content %q", c.Content)
	}
	if n := len(cb.sent()); n != 1 {
		t.Fatalf("expected one completion callback, got %d", n)
	}

	stored, err := svc.Get(context.Background(), domain.UserOwner("u1"), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("stored status %s", stored.Status)
	}
}

func TestRelayFailure(t *testing.T) {
	api := &fakeAPI{nextID: "dr-8", snaps: []domain.StatusSnapshot{{Status: domain.StatusFailed, Error: "quota upstream"}}}
	svc, _ := newResearchFixture(t, api, RelayOptions{Interval: time.Millisecond, Budget: time.Minute})
	events := relayAll(t, svc, startTask(t, svc, domain.UserOwner("u1"), "Uruk"))

	if len(events) != 2 {
		t.Fatalf("expected task_created and error, got %v", eventTypes(events))
	}
	if f, ok := events[1].(stream.Failure); !ok || f.Error != "quota upstream" {
		t.Fatalf("last event %#v", events[1])
	}
}

func TestRelayUpstreamErrorBecomesFrame(t *testing.T) {
	api := &fakeAPI{nextID: "dr-9", statusErr: errors.New("connection reset")}
	svc, _ := newResearchFixture(t, api, RelayOptions{Interval: time.Millisecond, Budget: time.Minute})
	events := relayAll(t, svc, startTask(t, svc, domain.UserOwner("u1"), "Nineveh"))

	want := []stream.EventType{stream.TypeTaskCreated, stream.TypeError}
	if got := eventTypes(events); !slices.Equal(got, want) {
		t.Fatalf("event types %v, want %v", got, want)
	}
}

func TestRelayHandsOffWhenBudgetRunsOut(t *testing.T) {
	api := &fakeAPI{nextID: "dr-10", snaps: []domain.StatusSnapshot{{Status: domain.StatusRunning}}}
	svc, _ := newResearchFixture(t, api, RelayOptions{Interval: 20 * time.Millisecond, Budget: 50 * time.Millisecond})
	events := relayAll(t, svc, startTask(t, svc, domain.UserOwner("u1"), "Babylon"))

	if cp, ok := events[len(events)-1].(stream.ContinuePolling); !ok || cp.TaskID != "dr-10" {
		t.Fatalf("last event %#v, want continue_polling dr-10", events[len(events)-1])
	}
	// running is announced once however many times it is observed
	n := 0
	for _, ev := range events {
		if ev.Type() == stream.TypeStatus {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected one status frame, got %d", n)
	}
	if api.calls < 2 {
		t.Fatalf("expected at least two upstream polls, got %d", api.calls)
	}
}

func TestRelayStopsOnEmitError(t *testing.T) {
	api := &fakeAPI{nextID: "dr-11", snaps: []domain.StatusSnapshot{{Status: domain.StatusRunning}}}
	svc, _ := newResearchFixture(t, api, RelayOptions{Interval: time.Millisecond, Budget: time.Minute})
	task := startTask(t, svc, domain.UserOwner("u1"), "Akkad")

	gone := errors.New("client gone")
	if err := svc.Relay(context.Background(), task, func(stream.Event) error { return gone }); !errors.Is(err, gone) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if api.calls != 0 {
		t.Fatalf("upstream polled after the client left: %d", api.calls)
	}
}
