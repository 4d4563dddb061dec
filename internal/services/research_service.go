package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/osvaldoandrade/historia/internal/metrics"
	"github.com/osvaldoandrade/historia/internal/providers"
	"github.com/osvaldoandrade/historia/internal/tracing"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"
	"github.com/osvaldoandrade/historia/pkg/stream"

	"go.opentelemetry.io/otel/attribute"
)

// ResearchService starts research runs and relays their progress.
type ResearchService interface {
	Start(ctx context.Context, owner domain.OwnerRef, req domain.SubmitRequest) (*domain.ResearchTask, error)
	// Relay emits task_created, then status diffs until the task ends or the
	// stream budget runs out. It returns the error of the first failed emit.
	Relay(ctx context.Context, task *domain.ResearchTask, emit func(stream.Event) error) error
	List(ctx context.Context, owner domain.OwnerRef, limit int) ([]*domain.ResearchTask, error)
	Get(ctx context.Context, owner domain.OwnerRef, id string) (*domain.ResearchTask, error)
}

type RelayOptions struct {
	Interval time.Duration
	Budget   time.Duration
}

type researchService struct {
	api    providers.ResearchAPI
	tasks  persistence.TaskStorage
	usage  UsageService
	status StatusService
	opts   RelayOptions
	now    func() time.Time
	logger *slog.Logger
}

func NewResearchService(api providers.ResearchAPI, tasks persistence.TaskStorage, usage UsageService, status StatusService, opts RelayOptions, logger *slog.Logger) ResearchService {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Budget <= 0 {
		opts.Budget = 50 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &researchService{api: api, tasks: tasks, usage: usage, status: status, opts: opts, now: time.Now, logger: logger}
}

func (s *researchService) Start(ctx context.Context, owner domain.OwnerRef, req domain.SubmitRequest) (*domain.ResearchTask, error) {
	if err := owner.Validate(); err != nil {
		return nil, ErrAuthRequired
	}
	loc, err := req.Location.Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Location = loc

	ctx, span := tracing.Start(ctx, "research.start")
	defer span.End()
	span.SetAttributes(attribute.String("research.location", loc.Name))

	if s.usage != nil {
		if _, err := s.usage.Consume(ctx, owner); err != nil {
			return nil, err
		}
	}

	ext, err := s.api.CreateTask(ctx, req.Query(), req.Instructions)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	tp, ts := tracing.TraceContextStrings(ctx)
	task := &domain.ResearchTask{
		ID:          uuid.NewString(),
		ExternalID:  ext,
		Owner:       owner,
		Location:    loc,
		Status:      domain.StatusQueued,
		TraceParent: tp,
		TraceState:  ts,
		CreatedAt:   s.now(),
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	metrics.ResearchStartedTotal.WithLabelValues(metrics.OwnerLabel(owner)).Inc()
	s.logger.Info("research started", "task_id", task.ID, "external_id", ext, "owner", owner.Key(), "location", loc.Name)
	return task, nil
}

// relayState is what the client has already been sent.
type relayState struct {
	status    domain.Status
	progress  domain.Progress
	assistant int
	output    string
	sources   []domain.Source
	images    []domain.Image
}

func (s *researchService) Relay(ctx context.Context, task *domain.ResearchTask, emit func(stream.Event) error) error {
	ctx = tracing.ContextWithRemoteParent(ctx, task.TraceParent, task.TraceState)
	ctx, span := tracing.Start(ctx, "research.relay")
	defer span.End()

	ext := task.ExternalID
	if err := emit(stream.TaskCreated{TaskID: ext}); err != nil {
		return err
	}
	deadline := s.now().Add(s.opts.Budget)
	st := relayState{status: domain.StatusQueued}

	for {
		snap, err := s.status.Refresh(ctx, ext)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("relay status fetch failed", "external_id", ext, "err", err)
			return emit(stream.Failure{Error: err.Error()})
		}
		done, err := s.relaySnapshot(&st, snap, emit)
		if err != nil || done {
			return err
		}

		if !s.now().Add(s.opts.Interval).Before(deadline) {
			metrics.StreamHandoffsTotal.Inc()
			s.logger.Info("relay budget exhausted, handing off to polling", "external_id", ext)
			return emit(stream.ContinuePolling{TaskID: ext})
		}
		if err := sleepOrDone(ctx, s.opts.Interval); err != nil {
			return err
		}
	}
}

// relaySnapshot emits the difference between st and snap and reports whether
// the task ended. Terminal statuses are conveyed by done or error frames only,
// so the final content always precedes them.
func (s *researchService) relaySnapshot(st *relayState, snap domain.StatusSnapshot, emit func(stream.Event) error) (bool, error) {
	var out []stream.Event
	if snap.Status == domain.StatusRunning && st.status != domain.StatusRunning {
		st.status = domain.StatusRunning
		out = append(out, stream.StatusChanged{Status: domain.StatusRunning})
	}
	if p := (domain.Progress{CurrentStep: snap.CurrentStep, TotalSteps: snap.TotalSteps}); p.TotalSteps > 0 && p != st.progress {
		st.progress = p
		out = append(out, stream.Progress{CurrentStep: p.CurrentStep, TotalSteps: p.TotalSteps})
	}
	items := assistantItems(snap.Messages)
	for _, item := range items[min(st.assistant, len(items)):] {
		out = append(out, stream.MessageUpdate{ContentType: item.Type, Data: item})
	}
	if len(items) > st.assistant {
		st.assistant = len(items)
	}

	switch snap.Status {
	case domain.StatusCompleted:
		if snap.Output != "" {
			out = append(out, stream.Content{Content: snap.Output})
		}
		if len(snap.Sources) > 0 {
			out = append(out, stream.Sources{Sources: snap.Sources})
		}
		if len(snap.Images) > 0 {
			out = append(out, stream.Images{Images: snap.Images})
		}
		out = append(out, stream.Done{})
		return true, emitAll(emit, out)
	case domain.StatusFailed:
		out = append(out, stream.Failure{Error: snap.FailureReason()})
		return true, emitAll(emit, out)
	}

	if snap.Output != "" && snap.Output != st.output {
		st.output = snap.Output
		out = append(out, stream.Content{Content: snap.Output})
	}
	if len(snap.Sources) > 0 && !reflect.DeepEqual(snap.Sources, st.sources) {
		st.sources = snap.Sources
		out = append(out, stream.Sources{Sources: snap.Sources})
	}
	if len(snap.Images) > 0 && !reflect.DeepEqual(snap.Images, st.images) {
		st.images = snap.Images
		out = append(out, stream.Images{Images: snap.Images})
	}
	return false, emitAll(emit, out)
}

func assistantItems(messages []domain.Message) []domain.MessageContent {
	var items []domain.MessageContent
	for _, m := range messages {
		if m.Role == domain.RoleAssistant {
			items = append(items, m.Content...)
		}
	}
	return items
}

func emitAll(emit func(stream.Event) error, events []stream.Event) error {
	for _, ev := range events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *researchService) List(ctx context.Context, owner domain.OwnerRef, limit int) ([]*domain.ResearchTask, error) {
	if err := owner.Validate(); err != nil {
		return nil, ErrAuthRequired
	}
	return s.tasks.ListByOwner(ctx, owner, limit)
}

func (s *researchService) Get(ctx context.Context, owner domain.OwnerRef, id string) (*domain.ResearchTask, error) {
	if err := owner.Validate(); err != nil {
		return nil, ErrAuthRequired
	}
	task, err := resolveTask(ctx, s.tasks, id)
	if err != nil {
		return nil, err
	}
	if !task.Owner.Equal(owner) {
		// Existence of other owners' tasks is not disclosed.
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// resolveTask accepts a local or an external id.
func resolveTask(ctx context.Context, tasks persistence.TaskStorage, id string) (*domain.ResearchTask, error) {
	if id == "" {
		return nil, ErrTaskNotFound
	}
	task, err := tasks.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		task, err = tasks.GetByExternalID(ctx, id)
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return task, nil
}
