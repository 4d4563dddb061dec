package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/osvaldoandrade/historia/internal/providers"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"
)

// ReportService archives the markdown report of a completed task.
type ReportService interface {
	Archive(ctx context.Context, task domain.ResearchTask, snap domain.StatusSnapshot) (string, error)
}

type reportService struct {
	tasks    persistence.TaskStorage
	uploader providers.Uploader
	logger   *slog.Logger
}

func NewReportService(tasks persistence.TaskStorage, uploader providers.Uploader, logger *slog.Logger) ReportService {
	if logger == nil {
		logger = slog.Default()
	}
	return &reportService{tasks: tasks, uploader: uploader, logger: logger}
}

func reportPath(taskID string) string {
	return fmt.Sprintf("reports/%s/report.md", taskID)
}

func (s *reportService) Archive(ctx context.Context, task domain.ResearchTask, snap domain.StatusSnapshot) (string, error) {
	if s.uploader == nil || snap.Status != domain.StatusCompleted {
		return "", nil
	}
	url, err := s.uploader.UploadBytes(ctx, reportPath(task.ID), "text/markdown; charset=utf-8", []byte(RenderReport(task.Location, snap)))
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	if err := s.tasks.SetReportURL(ctx, task.ID, url); err != nil {
		return "", fmt.Errorf("store report url: %w", err)
	}
	s.logger.Info("report archived", "task_id", task.ID, "url", url)
	return url, nil
}

// RenderReport formats a completed snapshot as markdown.
func RenderReport(loc domain.Location, snap domain.StatusSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", loc.Name)
	if loc.Lat != 0 || loc.Lng != 0 {
		fmt.Fprintf(&b, "_%.5f, %.5f_\n\n", loc.Lat, loc.Lng)
	}
	b.WriteString(strings.TrimSpace(snap.Output))
	b.WriteString("\n")
	if len(snap.Sources) > 0 {
		b.WriteString("\n## Sources\n\n")
		for i, src := range snap.Sources {
			title := src.Title
			if title == "" {
				title = src.URL
			}
			fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, title, src.URL)
		}
	}
	return b.String()
}
