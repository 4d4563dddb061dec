package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/historia/internal/metrics"
	"github.com/osvaldoandrade/historia/internal/providers"
	"github.com/osvaldoandrade/historia/internal/tracing"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"

	"go.opentelemetry.io/otel/attribute"
)

// StatusService fetches upstream status and folds it into the stored task.
type StatusService interface {
	// Refresh returns the upstream snapshot. Storage failures are logged and
	// never fail the call.
	Refresh(ctx context.Context, externalID string) (domain.StatusSnapshot, error)
}

type statusService struct {
	api      providers.ResearchAPI
	tasks    persistence.TaskStorage
	reports  ReportService
	callback CompletionCallbackService
	now      func() time.Time
	logger   *slog.Logger
}

func NewStatusService(api providers.ResearchAPI, tasks persistence.TaskStorage, reports ReportService, callback CompletionCallbackService, logger *slog.Logger) StatusService {
	if logger == nil {
		logger = slog.Default()
	}
	return &statusService{api: api, tasks: tasks, reports: reports, callback: callback, now: time.Now, logger: logger}
}

func (s *statusService) Refresh(ctx context.Context, externalID string) (domain.StatusSnapshot, error) {
	ctx, span := tracing.Start(ctx, "research.status")
	defer span.End()
	span.SetAttributes(attribute.String("research.external_id", externalID))

	snap, err := s.api.Status(ctx, externalID)
	if err != nil {
		metrics.StatusPollsTotal.WithLabelValues("upstream_error").Inc()
		span.RecordError(err)
		return domain.StatusSnapshot{}, err
	}
	metrics.StatusPollsTotal.WithLabelValues(string(outcomeStatus(snap.Status))).Inc()
	s.record(ctx, externalID, snap)
	return snap, nil
}

func outcomeStatus(st domain.Status) domain.Status {
	if st.Valid() {
		return st
	}
	return "unknown"
}

// record persists a recognised status. queued is never written back: a task
// is created queued and upstream only reports it before work begins.
func (s *statusService) record(ctx context.Context, externalID string, snap domain.StatusSnapshot) {
	switch snap.Status {
	case domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed:
	default:
		return
	}
	var errMsg string
	if snap.Status == domain.StatusFailed {
		errMsg = snap.FailureReason()
	}
	task, changed, err := s.tasks.UpdateByExternalID(ctx, externalID, persistence.StatusUpdate{
		Status: snap.Status,
		Error:  errMsg,
		At:     s.now(),
	})
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			s.logger.Warn("task status update failed", "external_id", externalID, "status", snap.Status, "err", err)
		}
		return
	}
	if changed && task.Status.Terminal() {
		s.finish(ctx, *task, snap)
	}
}

// finish runs once per task, on the write that made it terminal.
func (s *statusService) finish(ctx context.Context, task domain.ResearchTask, snap domain.StatusSnapshot) {
	metrics.ResearchCompletedTotal.WithLabelValues(string(task.Status)).Inc()
	if !task.CreatedAt.IsZero() {
		end := s.now()
		if task.CompletedAt != nil {
			end = *task.CompletedAt
		}
		metrics.ResearchLatencySeconds.WithLabelValues(string(task.Status)).Observe(end.Sub(task.CreatedAt).Seconds())
	}
	s.logger.Info("research finished", "task_id", task.ID, "external_id", task.ExternalID, "status", task.Status)

	if s.reports != nil {
		url, err := s.reports.Archive(ctx, task, snap)
		if err != nil {
			s.logger.Warn("report archive failed", "task_id", task.ID, "err", err)
		} else if url != "" {
			task.ReportURL = url
		}
	}
	if s.callback != nil {
		s.callback.Send(ctx, task)
	}
}
