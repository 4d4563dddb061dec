package redis

import (
	"context"
	"time"

	"github.com/osvaldoandrade/historia/internal/repository"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"
)

// taskStorageAdapter adapts repository.TaskRepository to persistence.TaskStorage
type taskStorageAdapter struct {
	repo repository.TaskRepository
}

func (a *taskStorageAdapter) Create(ctx context.Context, task *domain.ResearchTask) error {
	return a.repo.Create(ctx, task)
}

func (a *taskStorageAdapter) Get(ctx context.Context, id string) (*domain.ResearchTask, error) {
	return a.repo.Get(ctx, id)
}

func (a *taskStorageAdapter) GetByExternalID(ctx context.Context, externalID string) (*domain.ResearchTask, error) {
	return a.repo.GetByExternalID(ctx, externalID)
}

func (a *taskStorageAdapter) UpdateByExternalID(ctx context.Context, externalID string, u persistence.StatusUpdate) (*domain.ResearchTask, bool, error) {
	return a.repo.UpdateStatus(ctx, externalID, u.Status, u.Error, u.At)
}

func (a *taskStorageAdapter) SetReportURL(ctx context.Context, id string, url string) error {
	return a.repo.SetReportURL(ctx, id, url)
}

func (a *taskStorageAdapter) ListByOwner(ctx context.Context, owner domain.OwnerRef, limit int) ([]*domain.ResearchTask, error) {
	return a.repo.ListByOwner(ctx, owner, limit)
}

func (a *taskStorageAdapter) Share(ctx context.Context, id string, token string, locationImages string, at time.Time) (*domain.ResearchTask, error) {
	return a.repo.Share(ctx, id, token, locationImages, at)
}

func (a *taskStorageAdapter) Unshare(ctx context.Context, id string) error {
	return a.repo.Unshare(ctx, id)
}

func (a *taskStorageAdapter) GetPublicByToken(ctx context.Context, token string) (*domain.ResearchTask, error) {
	return a.repo.GetPublicByToken(ctx, token)
}

func (a *taskStorageAdapter) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	return a.repo.CountByStatus(ctx)
}
