package services

import (
	"context"
	"sync"
	"testing"

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"
	"github.com/osvaldoandrade/historia/pkg/persistence/memory"
)

// fakeAPI replays scripted snapshots; the last one repeats.
type fakeAPI struct {
	mu        sync.Mutex
	nextID    string
	createErr error
	created   []string
	snaps     []domain.StatusSnapshot
	statusErr error
	calls     int
}

func (f *fakeAPI) CreateTask(ctx context.Context, query string, instructions string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, query)
	return f.nextID, nil
}

func (f *fakeAPI) Status(ctx context.Context, externalID string) (domain.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.statusErr != nil {
		return domain.StatusSnapshot{}, f.statusErr
	}
	if len(f.snaps) == 0 {
		return domain.StatusSnapshot{Status: domain.StatusQueued}, nil
	}
	s := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return s, nil
}

type recordingCallback struct {
	mu    sync.Mutex
	tasks []domain.ResearchTask
}

func (r *recordingCallback) Send(ctx context.Context, task domain.ResearchTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

func (r *recordingCallback) Wait() {}

func (r *recordingCallback) sent() []domain.ResearchTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ResearchTask(nil), r.tasks...)
}

func newMemoryStore(t *testing.T) persistence.PluginPersistence {
	t.Helper()
	p, err := memory.NewPlugin(persistence.PluginConfig{})
	if err != nil {
		t.Fatalf("memory plugin: %v", err)
	}
	return p
}

func seedTask(t *testing.T, tasks persistence.TaskStorage, id, ext string, owner domain.OwnerRef) *domain.ResearchTask {
	t.Helper()
	task := &domain.ResearchTask{
		ID:         id,
		ExternalID: ext,
		Owner:      owner,
		Location:   domain.Location{Name: "Rome", Lat: 41.9, Lng: 12.5},
		Status:     domain.StatusQueued,
	}
	if err := tasks.Create(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}
