package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/historia/internal/metrics"
	"github.com/osvaldoandrade/historia/pkg/config"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"
)

// UsageService enforces the daily research quota of each owner.
type UsageService interface {
	Tier(ctx context.Context, owner domain.OwnerRef) (domain.Tier, error)
	// Consume counts one research run. A denied run returns a *QuotaError.
	Consume(ctx context.Context, owner domain.OwnerRef) (domain.QuotaDecision, error)
	Usage(ctx context.Context, owner domain.OwnerRef) (domain.Usage, error)
}

type usageService struct {
	usage    persistence.UsageStorage
	accounts persistence.AccountStorage
	quota    config.QuotaConfig
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

func NewUsageService(usage persistence.UsageStorage, accounts persistence.AccountStorage, quota config.QuotaConfig, loc *time.Location, now func() time.Time, logger *slog.Logger) UsageService {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &usageService{usage: usage, accounts: accounts, quota: quota, loc: loc, now: now, logger: logger}
}

// NextReset returns the next local midnight after now.
func NextReset(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

func (s *usageService) Tier(ctx context.Context, owner domain.OwnerRef) (domain.Tier, error) {
	if !owner.IsUser() {
		return domain.TierFree, nil
	}
	acc, err := s.accounts.GetAccount(ctx, owner.UserID)
	if errors.Is(err, persistence.ErrNotFound) {
		return domain.TierFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}
	if !acc.Tier.Valid() {
		return domain.TierFree, nil
	}
	return acc.Tier, nil
}

func (s *usageService) limit(owner domain.OwnerRef, tier domain.Tier) int {
	if !owner.IsUser() {
		return s.quota.Anonymous
	}
	switch tier {
	case domain.TierUnlimited:
		return s.quota.Unlimited
	case domain.TierPayPerUse:
		return s.quota.PayPerUse
	default:
		return s.quota.Free
	}
}

func (s *usageService) Consume(ctx context.Context, owner domain.OwnerRef) (domain.QuotaDecision, error) {
	tier, err := s.Tier(ctx, owner)
	if err != nil {
		return domain.QuotaDecision{}, err
	}
	resetAt := NextReset(s.now(), s.loc)
	dec, err := s.usage.CheckAndIncrement(ctx, owner, s.limit(owner, tier), resetAt)
	if err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("check quota: %w", err)
	}
	if !dec.Allowed {
		metrics.QuotaDeniedTotal.WithLabelValues(tierLabel(owner, tier)).Inc()
		s.logger.Info("research quota exceeded", "owner", owner.Key(), "tier", tier, "used", dec.Used, "limit", dec.Limit)
		return dec, &QuotaError{Tier: tier, Decision: dec}
	}
	return dec, nil
}

func (s *usageService) Usage(ctx context.Context, owner domain.OwnerRef) (domain.Usage, error) {
	tier, err := s.Tier(ctx, owner)
	if err != nil {
		return domain.Usage{}, err
	}
	resetAt := NextReset(s.now(), s.loc)
	used, err := s.usage.Used(ctx, owner, resetAt)
	if err != nil {
		return domain.Usage{}, fmt.Errorf("read usage: %w", err)
	}
	return domain.Usage{Tier: tier, Used: used, Limit: s.limit(owner, tier), ResetAt: resetAt}, nil
}

func tierLabel(owner domain.OwnerRef, tier domain.Tier) string {
	if !owner.IsUser() {
		return "anonymous"
	}
	return string(tier)
}
