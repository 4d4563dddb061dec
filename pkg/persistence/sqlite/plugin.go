// Package sqlite stores research tasks in an embedded SQLite database. Each
// row keeps the full task as JSON next to the columns used for lookups.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS research_tasks (
	id           TEXT PRIMARY KEY,
	external_id  TEXT UNIQUE,
	owner_key    TEXT NOT NULL,
	status       TEXT NOT NULL,
	share_token  TEXT UNIQUE,
	is_public    INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_research_tasks_owner ON research_tasks (owner_key, created_at DESC, id DESC);
CREATE TABLE IF NOT EXISTS research_usage (
	owner_key TEXT NOT NULL,
	reset_at  INTEGER NOT NULL,
	used      INTEGER NOT NULL,
	PRIMARY KEY (owner_key, reset_at)
);
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	data    TEXT NOT NULL
);
`

// Config holds SQLite-specific configuration
type Config struct {
	Path string `json:"path"`
}

const defaultPath = "historia.db"

type Plugin struct {
	db  *sql.DB
	cfg persistence.PluginConfig
}

func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	var cfg Config
	if err := json.Unmarshal(config.Config, &cfg); err != nil {
		return nil, fmt.Errorf("sqlite persistence: invalid config: %w", err)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = defaultPath
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Plugin{db: db, cfg: config}, nil
}

func init() {
	persistence.RegisterProvider("sqlite", NewPlugin)
}

func (p *Plugin) TaskStorage() persistence.TaskStorage       { return &taskStore{p: p} }
func (p *Plugin) UsageStorage() persistence.UsageStorage     { return &usageStore{p: p} }
func (p *Plugin) AccountStorage() persistence.AccountStorage { return &accountStore{p: p} }

func (p *Plugin) Health(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Plugin) Close() error { return p.db.Close() }

type taskStore struct {
	p *Plugin
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeTask(t *domain.ResearchTask) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	return string(b), nil
}

func decodeTask(data string) (*domain.ResearchTask, error) {
	var t domain.ResearchTask
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *taskStore) Create(ctx context.Context, task *domain.ResearchTask) error {
	t := task.Clone()
	now := s.p.cfg.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	token := ""
	if t.IsPublic {
		token = t.ShareToken
	}
	_, err = s.p.db.ExecContext(ctx, `
		INSERT INTO research_tasks (id, external_id, owner_key, status, share_token, is_public, created_at, data)
		VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, nullString(t.ExternalID), t.Owner.Key(), string(t.Status), nullString(token), t.IsPublic, t.CreatedAt.UnixNano(), data,
	)
	if isUniqueViolation(err) {
		return persistence.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.ResearchTask, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return decodeTask(data)
}

func (s *taskStore) Get(ctx context.Context, id string) (*domain.ResearchTask, error) {
	return scanTask(s.p.db.QueryRowContext(ctx, `SELECT data FROM research_tasks WHERE id = ?`, id))
}

func (s *taskStore) GetByExternalID(ctx context.Context, externalID string) (*domain.ResearchTask, error) {
	return scanTask(s.p.db.QueryRowContext(ctx, `SELECT data FROM research_tasks WHERE external_id = ?`, externalID))
}

// mutate loads the row selected by where, applies fn and writes the result back
// in one transaction when fn reports a change.
func (s *taskStore) mutate(ctx context.Context, where string, arg string, fn func(t *domain.ResearchTask) bool) (*domain.ResearchTask, bool, error) {
	tx, err := s.p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT data FROM research_tasks WHERE `+where+` = ?`, arg))
	if err != nil {
		return nil, false, err
	}
	if !fn(t) {
		return t, false, nil
	}
	data, err := encodeTask(t)
	if err != nil {
		return nil, false, err
	}
	token := ""
	if t.IsPublic {
		token = t.ShareToken
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE research_tasks SET status=?, share_token=?, is_public=?, data=? WHERE id=?`,
		string(t.Status), nullString(token), t.IsPublic, data, t.ID,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, false, persistence.ErrAlreadyExists
		}
		return nil, false, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return t, true, nil
}

func (s *taskStore) UpdateByExternalID(ctx context.Context, externalID string, u persistence.StatusUpdate) (*domain.ResearchTask, bool, error) {
	at := u.At
	if at.IsZero() {
		at = s.p.cfg.Now()
	}
	return s.mutate(ctx, "external_id", externalID, func(t *domain.ResearchTask) bool {
		before := t.Status
		t.ApplyStatus(u.Status, u.Error, at)
		return t.Status != before
	})
}

func (s *taskStore) SetReportURL(ctx context.Context, id string, url string) error {
	_, _, err := s.mutate(ctx, "id", id, func(t *domain.ResearchTask) bool {
		t.ReportURL = url
		t.UpdatedAt = s.p.cfg.Now()
		return true
	})
	return err
}

func (s *taskStore) ListByOwner(ctx context.Context, owner domain.OwnerRef, limit int) ([]*domain.ResearchTask, error) {
	if limit <= 0 {
		limit = persistence.DefaultListLimit
	}
	rows, err := s.p.db.QueryContext(ctx, `
		SELECT data FROM research_tasks WHERE owner_key = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, owner.Key(), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.ResearchTask, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *taskStore) Share(ctx context.Context, id string, token string, locationImages string, at time.Time) (*domain.ResearchTask, error) {
	t, _, err := s.mutate(ctx, "id", id, func(t *domain.ResearchTask) bool {
		if locationImages != "" {
			t.LocationImages = locationImages
		}
		if !t.IsPublic || t.ShareToken == "" {
			t.IsPublic = true
			t.ShareToken = token
			sharedAt := at
			t.SharedAt = &sharedAt
		}
		t.UpdatedAt = at
		return true
	})
	return t, err
}

func (s *taskStore) Unshare(ctx context.Context, id string) error {
	_, _, err := s.mutate(ctx, "id", id, func(t *domain.ResearchTask) bool {
		t.IsPublic = false
		t.ShareToken = ""
		t.SharedAt = nil
		t.UpdatedAt = s.p.cfg.Now()
		return true
	})
	return err
}

func (s *taskStore) GetPublicByToken(ctx context.Context, token string) (*domain.ResearchTask, error) {
	return scanTask(s.p.db.QueryRowContext(ctx,
		`SELECT data FROM research_tasks WHERE share_token = ? AND is_public = 1`, token))
}

func (s *taskStore) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := s.p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM research_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := map[domain.Status]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[domain.Status(status)] = n
	}
	return out, rows.Err()
}

type usageStore struct {
	p *Plugin
}

func (s *usageStore) CheckAndIncrement(ctx context.Context, owner domain.OwnerRef, limit int, resetAt time.Time) (domain.QuotaDecision, error) {
	if err := owner.Validate(); err != nil {
		return domain.QuotaDecision{}, err
	}
	tx, err := s.p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	used := 0
	err = tx.QueryRowContext(ctx, `SELECT used FROM research_usage WHERE owner_key = ? AND reset_at = ?`,
		owner.Key(), resetAt.Unix()).Scan(&used)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.QuotaDecision{}, fmt.Errorf("read usage: %w", err)
	}
	decision := domain.QuotaDecision{Used: used, Limit: limit, ResetAt: resetAt}
	if limit > 0 && used >= limit {
		return decision, nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO research_usage (owner_key, reset_at, used) VALUES (?,?,1)
		ON CONFLICT (owner_key, reset_at) DO UPDATE SET used = used + 1`,
		owner.Key(), resetAt.Unix()); err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("increment usage: %w", err)
	}
	// windows that have already reset are no longer read
	if _, err := tx.ExecContext(ctx, `DELETE FROM research_usage WHERE reset_at < ?`, s.p.cfg.Now().Add(-24*time.Hour).Unix()); err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("prune usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("commit: %w", err)
	}
	decision.Allowed = true
	decision.Used = used + 1
	return decision, nil
}

func (s *usageStore) Used(ctx context.Context, owner domain.OwnerRef, resetAt time.Time) (int, error) {
	used := 0
	err := s.p.db.QueryRowContext(ctx, `SELECT used FROM research_usage WHERE owner_key = ? AND reset_at = ?`,
		owner.Key(), resetAt.Unix()).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return used, nil
}

type accountStore struct {
	p *Plugin
}

func (s *accountStore) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	var data string
	err := s.p.db.QueryRowContext(ctx, `SELECT data FROM accounts WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	var acc domain.Account
	if err := json.Unmarshal([]byte(data), &acc); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	return &acc, nil
}

func (s *accountStore) SaveAccount(ctx context.Context, account domain.Account) error {
	if account.UserID == "" {
		return errors.New("account user id is required")
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = s.p.cfg.Now()
	}
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if _, err := s.p.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, data) VALUES (?,?)
		ON CONFLICT (user_id) DO UPDATE SET data = excluded.data`, account.UserID, string(data)); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}
