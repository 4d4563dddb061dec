package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/osvaldoandrade/historia/pkg/domain"

	"github.com/go-redis/redis/v8"
)

type UsageRepository interface {
	CheckAndIncrement(ctx context.Context, owner domain.OwnerRef, limit int, resetAt time.Time) (domain.QuotaDecision, error)
	Used(ctx context.Context, owner domain.OwnerRef, resetAt time.Time) (int, error)
}

type usageRedisRepo struct {
	rdb *redis.Client
}

func NewUsageRepository(rdb *redis.Client) UsageRepository {
	return &usageRedisRepo{rdb: rdb}
}

// usageGrace keeps a window counter readable for a while after it resets.
const usageGrace = time.Hour

func (r *usageRedisRepo) keyUsage(owner domain.OwnerRef, resetAt time.Time) string {
	return "historia:usage:" + owner.Key() + ":" + strconv.FormatInt(resetAt.Unix(), 10)
}

// usageScript consumes one run unless the window is exhausted.
//
// KEYS[1] counter
// ARGV[1] limit (0 = unlimited), ARGV[2] ttl ms
// Returns {allowed, used}.
var usageScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if limit > 0 and used >= limit then
  return {0, used}
end
used = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {1, used}
`)

func (r *usageRedisRepo) CheckAndIncrement(ctx context.Context, owner domain.OwnerRef, limit int, resetAt time.Time) (domain.QuotaDecision, error) {
	if err := owner.Validate(); err != nil {
		return domain.QuotaDecision{}, err
	}
	ttl := time.Until(resetAt) + usageGrace
	if ttl < time.Minute {
		ttl = time.Minute
	}
	res, err := usageScript.Run(ctx, r.rdb, []string{r.keyUsage(owner, resetAt)}, limit, ttl.Milliseconds()).Result()
	if err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("redis usage script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return domain.QuotaDecision{}, fmt.Errorf("redis usage script: unexpected reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	used, _ := arr[1].(int64)
	return domain.QuotaDecision{
		Allowed: allowed == 1,
		Used:    int(used),
		Limit:   limit,
		ResetAt: resetAt,
	}, nil
}

func (r *usageRedisRepo) Used(ctx context.Context, owner domain.OwnerRef, resetAt time.Time) (int, error) {
	n, err := r.rdb.Get(ctx, r.keyUsage(owner, resetAt)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis GET usage: %w", err)
	}
	return n, nil
}
