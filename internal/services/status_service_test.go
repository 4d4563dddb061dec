package services

import (
	"context"
	"errors"
	"testing"

	"github.com/osvaldoandrade/historia/internal/providers"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"
)

// brokenTasks fails every status write.
type brokenTasks struct {
	persistence.TaskStorage
}

func (brokenTasks) UpdateByExternalID(ctx context.Context, externalID string, u persistence.StatusUpdate) (*domain.ResearchTask, bool, error) {
	return nil, false, errors.New("db down")
}

func TestStatusServiceRecordsTransitions(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	seedTask(t, store.TaskStorage(), "t1", "dr-1", domain.UserOwner("u1"))
	api := &fakeAPI{snaps: []domain.StatusSnapshot{
		{Status: domain.StatusRunning, CurrentStep: 1, TotalSteps: 4},
		{Status: domain.StatusCompleted, Output: "done"},
		{Status: domain.StatusCompleted, Output: "done"},
	}}
	cb := &recordingCallback{}
	reports := NewReportService(store.TaskStorage(), providers.NewLocalUploader(t.TempDir()), nil)
	svc := NewStatusService(api, store.TaskStorage(), reports, cb, nil)

	snap, err := svc.Refresh(ctx, "dr-1")
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if snap.Status != domain.StatusRunning {
		t.Fatalf("expected running snapshot, got %s", snap.Status)
	}
	task, _ := store.TaskStorage().Get(ctx, "t1")
	if task.Status != domain.StatusRunning {
		t.Fatalf("expected stored running, got %s", task.Status)
	}
	if len(cb.sent()) != 0 {
		t.Fatal("callback fired before the task ended")
	}

	if _, err := svc.Refresh(ctx, "dr-1"); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	task, _ = store.TaskStorage().Get(ctx, "t1")
	if task.Status != domain.StatusCompleted || task.CompletedAt == nil {
		t.Fatalf("expected completed with completedAt, got %+v", task)
	}
	if task.ReportURL == "" {
		t.Fatal("expected a report url")
	}

	// terminal is observed again but the side effects ran once
	if _, err := svc.Refresh(ctx, "dr-1"); err != nil {
		t.Fatalf("third refresh: %v", err)
	}
	sent := cb.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one callback, got %d", len(sent))
	}
	if sent[0].ID != "t1" || sent[0].ReportURL != task.ReportURL {
		t.Fatalf("unexpected callback task %+v", sent[0])
	}
}

func TestStatusServiceFailedKeepsReason(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	seedTask(t, store.TaskStorage(), "t1", "dr-1", domain.AnonymousOwner("a1"))
	api := &fakeAPI{snaps: []domain.StatusSnapshot{{Status: domain.StatusFailed}}}
	svc := NewStatusService(api, store.TaskStorage(), nil, nil, nil)

	if _, err := svc.Refresh(ctx, "dr-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	task, _ := store.TaskStorage().Get(ctx, "t1")
	if task.Status != domain.StatusFailed || task.Error != domain.DefaultFailureReason {
		t.Fatalf("expected failed with default reason, got %s %q", task.Status, task.Error)
	}
}

func TestStatusServiceUpstreamError(t *testing.T) {
	store := newMemoryStore(t)
	api := &fakeAPI{statusErr: providers.ErrUpstream}
	svc := NewStatusService(api, store.TaskStorage(), nil, nil, nil)
	if _, err := svc.Refresh(context.Background(), "dr-1"); !errors.Is(err, providers.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestStatusServiceIgnoresStorageFailures(t *testing.T) {
	store := newMemoryStore(t)
	api := &fakeAPI{snaps: []domain.StatusSnapshot{{Status: domain.StatusCompleted, Output: "x"}}}
	svc := NewStatusService(api, brokenTasks{store.TaskStorage()}, nil, nil, nil)
	snap, err := svc.Refresh(context.Background(), "dr-unknown")
	if err != nil {
		t.Fatalf("storage failure leaked into the response: %v", err)
	}
	if snap.Output != "x" {
		t.Fatalf("unexpected output %q", snap.Output)
	}
}

func TestStatusServiceUnknownTask(t *testing.T) {
	store := newMemoryStore(t)
	api := &fakeAPI{snaps: []domain.StatusSnapshot{{Status: domain.StatusRunning}}}
	svc := NewStatusService(api, store.TaskStorage(), nil, nil, nil)
	snap, err := svc.Refresh(context.Background(), "dr-elsewhere")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", snap.Status)
	}
}
