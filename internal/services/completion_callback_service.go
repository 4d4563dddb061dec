package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/historia/internal/backoff"
	"github.com/osvaldoandrade/historia/internal/metrics"
	"github.com/osvaldoandrade/historia/internal/ratelimit"
	"github.com/osvaldoandrade/historia/internal/tracing"
	"github.com/osvaldoandrade/historia/pkg/domain"
)

const (
	HeaderTimestamp = "X-Historia-Timestamp"
	HeaderSignature = "X-Historia-Signature"
)

// CompletionCallbackService notifies an external endpoint when a task is
// first observed terminal.
type CompletionCallbackService interface {
	Send(ctx context.Context, task domain.ResearchTask)
	// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
	Wait()
}

// CompletionPayload is the JSON body of a completion callback.
type CompletionPayload struct {
	TaskID         string          `json:"taskId"`
	DeepResearchID string          `json:"deepresearchId"`
	Location       domain.Location `json:"location"`
	Status         domain.Status   `json:"status"`
	Error          string          `json:"error,omitempty"`
	ReportURL      string          `json:"reportUrl,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

type completionCallbackService struct {
	logger      *slog.Logger
	url         string
	secret      string
	maxAttempts int
	policy      backoff.Policy
	client      *http.Client
	now         func() time.Time
	delay       func(attempt int) time.Duration

	limiter ratelimit.Limiter
	bucket  ratelimit.Bucket

	mu  sync.Mutex
	rng *rand.Rand
	wg  sync.WaitGroup
}

type CallbackOptions struct {
	URL         string
	Secret      string
	MaxAttempts int
	Policy      backoff.Policy
	Limiter     ratelimit.Limiter
	Bucket      ratelimit.Bucket
	Client      *http.Client
}

func NewCompletionCallbackService(logger *slog.Logger, opts CallbackOptions) CompletionCallbackService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Policy.BaseSeconds <= 0 {
		opts.Policy.BaseSeconds = 2
	}
	if opts.Policy.MaxSeconds <= 0 {
		opts.Policy.MaxSeconds = 60
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	s := &completionCallbackService{
		logger:      logger,
		url:         strings.TrimSpace(opts.URL),
		secret:      opts.Secret,
		maxAttempts: opts.MaxAttempts,
		policy:      opts.Policy,
		client:      opts.Client,
		now:         time.Now,
		limiter:     opts.Limiter,
		bucket:      opts.Bucket,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.delay = s.backoffDelay
	return s
}

func (s *completionCallbackService) Send(ctx context.Context, task domain.ResearchTask) {
	if s.url == "" {
		return
	}
	b, _ := json.Marshal(CompletionPayload{
		TaskID:         task.ID,
		DeepResearchID: task.ExternalID,
		Location:       task.Location,
		Status:         task.Status,
		Error:          task.Error,
		ReportURL:      task.ReportURL,
		CompletedAt:    task.CompletedAt,
	})

	// deliveries outlive the request that observed the transition
	ctx = tracing.ContextWithRemoteParent(context.WithoutCancel(ctx), task.TraceParent, task.TraceState)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sendWithRetry(ctx, task.ID, b)
	}()
}

func (s *completionCallbackService) Wait() { s.wg.Wait() }

func (s *completionCallbackService) sendWithRetry(ctx context.Context, taskID string, body []byte) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if s.limiter != nil && s.bucket.Enabled() {
			for {
				dec, err := s.limiter.Allow(ctx, "webhook", s.url, s.bucket)
				if err != nil {
					// Fail open.
					break
				}
				if dec.Allowed {
					break
				}
				metrics.RateLimitHitsTotal.WithLabelValues("webhook", "completion").Inc()
				if sleepOrDone(ctx, dec.RetryAfter) != nil {
					return
				}
			}
		}

		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectHeaders(ctx, req.Header)
		s.addSignature(req, body)
		resp, err := s.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			metrics.WebhookDeliveriesTotal.WithLabelValues("completion", "success").Inc()
			return
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if attempt+1 < s.maxAttempts {
			if sleepOrDone(ctx, s.delay(attempt)) != nil {
				return
			}
		}
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("completion", "failure").Inc()
	s.logger.Warn("completion callback failed", "task_id", taskID, "attempts", s.maxAttempts)
}

func (s *completionCallbackService) backoffDelay(attempt int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.Delay(attempt, s.rng)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sign returns the hex HMAC-SHA256 of "<ts>.<body>".
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *completionCallbackService) addSignature(req *http.Request, body []byte) {
	if strings.TrimSpace(s.secret) == "" {
		return
	}
	ts := s.now().UTC().Unix()
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(s.secret, ts, body))
}
