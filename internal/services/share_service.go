package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/osvaldoandrade/historia/internal/metrics"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"
)

// ShareService publishes finished research under opaque tokens.
type ShareService interface {
	Share(ctx context.Context, owner domain.OwnerRef, taskID string, images []string) (domain.ShareResult, error)
	Unshare(ctx context.Context, owner domain.OwnerRef, taskID string) error
	// Public never distinguishes unknown tokens from private tasks.
	Public(ctx context.Context, token string) (domain.PublicTask, error)
}

type shareService struct {
	tasks         persistence.TaskStorage
	publicBaseURL string
	newToken      func() string
	now           func() time.Time
	logger        *slog.Logger
}

func NewShareService(tasks persistence.TaskStorage, publicBaseURL string, logger *slog.Logger) ShareService {
	if logger == nil {
		logger = slog.Default()
	}
	return &shareService{
		tasks:         tasks,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		newToken:      uuid.NewString,
		now:           time.Now,
		logger:        logger,
	}
}

func (s *shareService) shareURL(token string) string {
	return s.publicBaseURL + "/share/" + token
}

// owned loads the task and checks ownership before any write happens.
func (s *shareService) owned(ctx context.Context, owner domain.OwnerRef, taskID string) (*domain.ResearchTask, error) {
	if !owner.IsUser() {
		return nil, ErrAuthRequired
	}
	task, err := resolveTask(ctx, s.tasks, strings.TrimSpace(taskID))
	if err != nil {
		return nil, err
	}
	if !task.Owner.Equal(owner) {
		return nil, ErrNotOwner
	}
	return task, nil
}

func (s *shareService) Share(ctx context.Context, owner domain.OwnerRef, taskID string, images []string) (domain.ShareResult, error) {
	task, err := s.owned(ctx, owner, taskID)
	if err != nil {
		metrics.ShareOperationsTotal.WithLabelValues("share", shareOutcome(err)).Inc()
		return domain.ShareResult{}, err
	}
	updated, err := s.tasks.Share(ctx, task.ID, s.newToken(), domain.EncodeLocationImages(images), s.now())
	if err != nil {
		metrics.ShareOperationsTotal.WithLabelValues("share", "error").Inc()
		return domain.ShareResult{}, fmt.Errorf("share task: %w", err)
	}
	metrics.ShareOperationsTotal.WithLabelValues("share", "ok").Inc()
	s.logger.Info("research shared", "task_id", updated.ID, "owner", owner.Key())
	return domain.ShareResult{ShareURL: s.shareURL(updated.ShareToken), ShareToken: updated.ShareToken}, nil
}

func (s *shareService) Unshare(ctx context.Context, owner domain.OwnerRef, taskID string) error {
	task, err := s.owned(ctx, owner, taskID)
	if err != nil {
		metrics.ShareOperationsTotal.WithLabelValues("unshare", shareOutcome(err)).Inc()
		return err
	}
	if err := s.tasks.Unshare(ctx, task.ID); err != nil {
		metrics.ShareOperationsTotal.WithLabelValues("unshare", "error").Inc()
		return fmt.Errorf("unshare task: %w", err)
	}
	metrics.ShareOperationsTotal.WithLabelValues("unshare", "ok").Inc()
	return nil
}

func (s *shareService) Public(ctx context.Context, token string) (domain.PublicTask, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.PublicTask{}, ErrNotShared
	}
	task, err := s.tasks.GetPublicByToken(ctx, token)
	if errors.Is(err, persistence.ErrNotFound) {
		metrics.ShareOperationsTotal.WithLabelValues("read", "not_shared").Inc()
		return domain.PublicTask{}, ErrNotShared
	}
	if err != nil {
		metrics.ShareOperationsTotal.WithLabelValues("read", "error").Inc()
		return domain.PublicTask{}, fmt.Errorf("load shared task: %w", err)
	}
	metrics.ShareOperationsTotal.WithLabelValues("read", "ok").Inc()
	return task.Public(), nil
}

func shareOutcome(err error) string {
	switch {
	case errors.Is(err, ErrAuthRequired):
		return "unauthenticated"
	case errors.Is(err, ErrNotOwner):
		return "forbidden"
	case errors.Is(err, ErrTaskNotFound):
		return "not_found"
	default:
		return "error"
	}
}
