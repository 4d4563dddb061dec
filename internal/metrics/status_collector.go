package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// StatusCounter reports stored tasks per status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
}

type statusCollector struct {
	mu     sync.RWMutex
	store  StatusCounter
	logger *slog.Logger

	tasksDesc *prometheus.Desc
}

func newStatusCollector(store StatusCounter, logger *slog.Logger) *statusCollector {
	c := &statusCollector{
		tasksDesc: prometheus.NewDesc(
			namespace+"_tasks",
			"Current number of stored research tasks by status.",
			[]string{"status"},
			nil,
		),
	}
	c.attach(store, logger)
	return c
}

// attach points the collector at the store of the current application.
func (c *statusCollector) attach(store StatusCounter, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	c.mu.Lock()
	c.store = store
	c.logger = logger
	c.mu.Unlock()
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasksDesc
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	store, logger := c.store, c.logger
	c.mu.RUnlock()
	if store == nil {
		return
	}

	// Keep store reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		logger.Warn("prometheus status collector failed", "err", err)
		return
	}
	for _, s := range []domain.Status{domain.StatusQueued, domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed} {
		emitGauge(ch, c.tasksDesc, float64(counts[s]), string(s))
	}
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var defaultStatusCollector = newStatusCollector(nil, nil)

var registerStatusCollectorOnce sync.Once

// RegisterStatusCollector exports task counts from store on the default
// registry. A later call replaces the store; the collector is registered once.
func RegisterStatusCollector(store StatusCounter, logger *slog.Logger) {
	defaultStatusCollector.attach(store, logger)
	registerStatusCollectorOnce.Do(func() {
		prometheus.MustRegister(defaultStatusCollector)
	})
}

// OwnerLabel is the owner label value of research counters.
func OwnerLabel(owner domain.OwnerRef) string {
	if owner.IsUser() {
		return "user"
	}
	return "anonymous"
}
