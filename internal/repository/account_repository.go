package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

type AccountRepository interface {
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)
	SaveAccount(ctx context.Context, account domain.Account) error
}

type accountRedisRepo struct {
	rdb *redis.Client
	tz  *time.Location
}

func NewAccountRepository(rdb *redis.Client, tz *time.Location) AccountRepository {
	if tz == nil {
		tz = time.UTC
	}
	return &accountRedisRepo{rdb: rdb, tz: tz}
}

func (r *accountRedisRepo) keyAccounts() string { return "historia:accounts" } // HASH: field=userId, value=JSON

func (r *accountRedisRepo) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	js, err := r.rdb.HGet(ctx, r.keyAccounts(), userID).Result()
	if err == redis.Nil {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET account: %w", err)
	}
	var acc domain.Account
	if err := json.Unmarshal([]byte(js), &acc); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	return &acc, nil
}

func (r *accountRedisRepo) SaveAccount(ctx context.Context, account domain.Account) error {
	if account.UserID == "" {
		return fmt.Errorf("account user id is required")
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = time.Now().In(r.tz)
	}
	if err := r.rdb.HSet(ctx, r.keyAccounts(), account.UserID, marshal(account)).Err(); err != nil {
		return fmt.Errorf("redis HSET account: %w", err)
	}
	return nil
}
