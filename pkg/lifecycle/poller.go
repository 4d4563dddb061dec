package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/historia/pkg/domain"
)

const DefaultPollInterval = 2 * time.Second

// StatusFetcher reads the current status of a research task.
type StatusFetcher interface {
	Poll(ctx context.Context, taskID string) (domain.StatusSnapshot, error)
}

// Poller queries a StatusFetcher on a fixed interval.
type Poller struct {
	fetcher  StatusFetcher
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(fetcher StatusFetcher, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{fetcher: fetcher, interval: interval, logger: logger}
}

// Run fetches immediately and then once per interval, handing every result to
// apply until apply returns false or ctx ends. A result that arrives after ctx
// ended is discarded, and no fetch is started once ctx is done.
func (p *Poller) Run(ctx context.Context, taskID string, apply func(domain.StatusSnapshot, error) bool) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		if ctx.Err() != nil {
			return
		}
		snap, err := p.fetcher.Poll(ctx, taskID)
		if ctx.Err() != nil {
			return
		}
		p.logger.Debug("poll tick", "task_id", taskID, "tick", tick, "status", snap.Status, "err", err)
		if !apply(snap, err) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
