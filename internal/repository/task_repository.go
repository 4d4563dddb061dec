package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

type TaskRepository interface {
	Create(ctx context.Context, task *domain.ResearchTask) error
	Get(ctx context.Context, id string) (*domain.ResearchTask, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.ResearchTask, error)
	UpdateStatus(ctx context.Context, externalID string, status domain.Status, errMsg string, at time.Time) (*domain.ResearchTask, bool, error)
	SetReportURL(ctx context.Context, id string, url string) error
	ListByOwner(ctx context.Context, owner domain.OwnerRef, limit int) ([]*domain.ResearchTask, error)
	Share(ctx context.Context, id string, token string, locationImages string, at time.Time) (*domain.ResearchTask, error)
	Unshare(ctx context.Context, id string) error
	GetPublicByToken(ctx context.Context, token string) (*domain.ResearchTask, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
}

type taskRedisRepo struct {
	rdb *redis.Client
	tz  *time.Location
}

func NewTaskRepository(rdb *redis.Client, tz *time.Location) TaskRepository {
	if tz == nil {
		tz = time.UTC
	}
	return &taskRedisRepo{rdb: rdb, tz: tz}
}

// maxTxRetries bounds optimistic WATCH retries on concurrent writers.
const maxTxRetries = 8

// ===== Keys =====
func (r *taskRedisRepo) keyTasksHash() string { return "historia:tasks" }       // HASH: field=id, value=JSON
func (r *taskRedisRepo) keyExtIndex() string  { return "historia:tasks:ext" }   // HASH: field=externalId, value=id
func (r *taskRedisRepo) keyShareIndex() string { return "historia:tasks:share" } // HASH: field=token, value=id
func (r *taskRedisRepo) keyOwner(owner domain.OwnerRef) string {
	return "historia:tasks:owner:" + owner.Key() // ZSET: member=id, score=createdAt ms
}
func (r *taskRedisRepo) keyStatus(s domain.Status) string {
	return "historia:tasks:status:" + string(s) // SET of ids
}

func (r *taskRedisRepo) now() time.Time { return time.Now().In(r.tz) }

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalTask(js string) (*domain.ResearchTask, error) {
	var t domain.ResearchTask
	if err := json.Unmarshal([]byte(js), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// createTaskScript inserts a task and its indexes unless the id or the
// external id is already taken.
//
// KEYS[1] tasks hash, KEYS[2] external index, KEYS[3] owner zset, KEYS[4] status set
// ARGV[1] id, ARGV[2] external id, ARGV[3] task JSON, ARGV[4] owner score
var createTaskScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then return 0 end
if ARGV[2] ~= "" and redis.call("HEXISTS", KEYS[2], ARGV[2]) == 1 then return 0 end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
if ARGV[2] ~= "" then redis.call("HSET", KEYS[2], ARGV[2], ARGV[1]) end
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
redis.call("SADD", KEYS[4], ARGV[1])
return 1
`)

func (r *taskRedisRepo) Create(ctx context.Context, task *domain.ResearchTask) error {
	t := task.Clone()
	now := r.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	keys := []string{r.keyTasksHash(), r.keyExtIndex(), r.keyOwner(t.Owner), r.keyStatus(t.Status)}
	res, err := createTaskScript.Run(ctx, r.rdb, keys, t.ID, t.ExternalID, marshal(t), t.CreatedAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("redis create task: %w", err)
	}
	if res == 0 {
		return persistence.ErrAlreadyExists
	}
	if t.IsPublic && t.ShareToken != "" {
		if err := r.rdb.HSet(ctx, r.keyShareIndex(), t.ShareToken, t.ID).Err(); err != nil {
			return fmt.Errorf("redis HSET share index: %w", err)
		}
	}
	return nil
}

func (r *taskRedisRepo) Get(ctx context.Context, id string) (*domain.ResearchTask, error) {
	return r.get(ctx, r.rdb, id)
}

func (r *taskRedisRepo) get(ctx context.Context, c redis.Cmdable, id string) (*domain.ResearchTask, error) {
	js, err := c.HGet(ctx, r.keyTasksHash(), id).Result()
	if err == redis.Nil || (err == nil && js == "") {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET task: %w", err)
	}
	return unmarshalTask(js)
}

func (r *taskRedisRepo) GetByExternalID(ctx context.Context, externalID string) (*domain.ResearchTask, error) {
	id, err := r.idByExternal(ctx, r.rdb, externalID)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *taskRedisRepo) idByExternal(ctx context.Context, c redis.Cmdable, externalID string) (string, error) {
	id, err := c.HGet(ctx, r.keyExtIndex(), externalID).Result()
	if err == redis.Nil || (err == nil && id == "") {
		return "", persistence.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis HGET ext index: %w", err)
	}
	return id, nil
}

// mutate runs fn on the stored task inside a WATCH transaction. fn reports
// whether it changed the task; unchanged tasks are not written.
func (r *taskRedisRepo) mutate(ctx context.Context, id string, fn func(t *domain.ResearchTask) (changed bool, extra func(redis.Pipeliner))) (*domain.ResearchTask, bool, error) {
	var out *domain.ResearchTask
	var changed bool
	txf := func(tx *redis.Tx) error {
		t, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		before := t.Status
		ok, extra := fn(t)
		out, changed = t, ok
		if !ok {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.keyTasksHash(), t.ID, marshal(t))
			if t.Status != before {
				pipe.SMove(ctx, r.keyStatus(before), r.keyStatus(t.Status), t.ID)
			}
			if extra != nil {
				extra(pipe)
			}
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, r.keyTasksHash())
		if err == nil {
			return out, changed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("redis update task: %w", err)
	}
	return nil, false, fmt.Errorf("redis update task %s: too many concurrent writers", id)
}

func (r *taskRedisRepo) UpdateStatus(ctx context.Context, externalID string, status domain.Status, errMsg string, at time.Time) (*domain.ResearchTask, bool, error) {
	id, err := r.idByExternal(ctx, r.rdb, externalID)
	if err != nil {
		return nil, false, err
	}
	if at.IsZero() {
		at = r.now()
	}
	return r.mutate(ctx, id, func(t *domain.ResearchTask) (bool, func(redis.Pipeliner)) {
		before := t.Status
		t.ApplyStatus(status, errMsg, at)
		return t.Status != before, nil
	})
}

func (r *taskRedisRepo) SetReportURL(ctx context.Context, id string, url string) error {
	_, _, err := r.mutate(ctx, id, func(t *domain.ResearchTask) (bool, func(redis.Pipeliner)) {
		t.ReportURL = url
		t.UpdatedAt = r.now()
		return true, nil
	})
	return err
}

func (r *taskRedisRepo) ListByOwner(ctx context.Context, owner domain.OwnerRef, limit int) ([]*domain.ResearchTask, error) {
	if limit <= 0 {
		limit = persistence.DefaultListLimit
	}
	ids, err := r.rdb.ZRevRange(ctx, r.keyOwner(owner), 0, int64(limit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis ZREVRANGE owner: %w", err)
	}
	out := make([]*domain.ResearchTask, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	vals, err := r.rdb.HMGet(ctx, r.keyTasksHash(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HMGET tasks: %w", err)
	}
	for _, v := range vals {
		js, ok := v.(string)
		if !ok || js == "" {
			continue
		}
		t, err := unmarshalTask(js)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *taskRedisRepo) Share(ctx context.Context, id string, token string, locationImages string, at time.Time) (*domain.ResearchTask, error) {
	t, _, err := r.mutate(ctx, id, func(t *domain.ResearchTask) (bool, func(redis.Pipeliner)) {
		if locationImages != "" {
			t.LocationImages = locationImages
		}
		t.UpdatedAt = at
		if t.IsPublic && t.ShareToken != "" {
			return true, nil
		}
		t.IsPublic = true
		t.ShareToken = token
		sharedAt := at
		t.SharedAt = &sharedAt
		return true, func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, r.keyShareIndex(), token, t.ID)
		}
	})
	return t, err
}

func (r *taskRedisRepo) Unshare(ctx context.Context, id string) error {
	_, _, err := r.mutate(ctx, id, func(t *domain.ResearchTask) (bool, func(redis.Pipeliner)) {
		prev := t.ShareToken
		t.IsPublic = false
		t.ShareToken = ""
		t.SharedAt = nil
		t.UpdatedAt = r.now()
		return true, func(pipe redis.Pipeliner) {
			if prev != "" {
				pipe.HDel(ctx, r.keyShareIndex(), prev)
			}
		}
	})
	return err
}

func (r *taskRedisRepo) GetPublicByToken(ctx context.Context, token string) (*domain.ResearchTask, error) {
	id, err := r.rdb.HGet(ctx, r.keyShareIndex(), token).Result()
	if err == redis.Nil || (err == nil && id == "") {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET share index: %w", err)
	}
	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsPublic || t.ShareToken != token {
		return nil, persistence.ErrNotFound
	}
	return t, nil
}

func (r *taskRedisRepo) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	statuses := []domain.Status{domain.StatusQueued, domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(statuses))
	for i, s := range statuses {
		cmds[i] = pipe.SCard(ctx, r.keyStatus(s))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("pipeline SCARD status: %w", err)
	}
	out := make(map[domain.Status]int64, len(statuses))
	for i, s := range statuses {
		out[s] = cmds[i].Val()
	}
	return out, nil
}
