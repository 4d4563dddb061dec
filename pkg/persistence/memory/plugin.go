package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"
)

// Plugin implements PluginPersistence for in-memory storage
// This is primarily for testing and should not be used in production
type Plugin struct {
	mu       sync.RWMutex
	tasks    map[string]*domain.ResearchTask
	byExt    map[string]string
	byToken  map[string]string
	usage    map[string]int
	accounts map[string]domain.Account
	cfg      persistence.PluginConfig
}

// NewPlugin creates a new in-memory persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	return &Plugin{
		tasks:    make(map[string]*domain.ResearchTask),
		byExt:    make(map[string]string),
		byToken:  make(map[string]string),
		usage:    make(map[string]int),
		accounts: make(map[string]domain.Account),
		cfg:      config,
	}, nil
}

func (p *Plugin) TaskStorage() persistence.TaskStorage       { return &taskStorage{plugin: p} }
func (p *Plugin) UsageStorage() persistence.UsageStorage     { return &usageStorage{plugin: p} }
func (p *Plugin) AccountStorage() persistence.AccountStorage { return &accountStorage{plugin: p} }

// Health always returns nil for in-memory storage
func (p *Plugin) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op for in-memory storage
func (p *Plugin) Close() error {
	return nil
}

func init() {
	persistence.RegisterProvider("memory", NewPlugin)
}

type taskStorage struct {
	plugin *Plugin
}

func (s *taskStorage) Create(ctx context.Context, task *domain.ResearchTask) error {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tasks[task.ID]; ok {
		return persistence.ErrAlreadyExists
	}
	if task.ExternalID != "" {
		if _, ok := p.byExt[task.ExternalID]; ok {
			return persistence.ErrAlreadyExists
		}
	}
	c := task.Clone()
	now := p.cfg.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	p.tasks[c.ID] = c
	if c.ExternalID != "" {
		p.byExt[c.ExternalID] = c.ID
	}
	if c.IsPublic && c.ShareToken != "" {
		p.byToken[c.ShareToken] = c.ID
	}
	return nil
}

func (s *taskStorage) Get(ctx context.Context, id string) (*domain.ResearchTask, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *taskStorage) GetByExternalID(ctx context.Context, externalID string) (*domain.ResearchTask, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byExt[externalID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return p.tasks[id].Clone(), nil
}

func (s *taskStorage) UpdateByExternalID(ctx context.Context, externalID string, u persistence.StatusUpdate) (*domain.ResearchTask, bool, error) {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byExt[externalID]
	if !ok {
		return nil, false, persistence.ErrNotFound
	}
	t := p.tasks[id]
	before := t.Status
	at := u.At
	if at.IsZero() {
		at = p.cfg.Now()
	}
	t.ApplyStatus(u.Status, u.Error, at)
	return t.Clone(), t.Status != before, nil
}

func (s *taskStorage) SetReportURL(ctx context.Context, id string, url string) error {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return persistence.ErrNotFound
	}
	t.ReportURL = url
	t.UpdatedAt = p.cfg.Now()
	return nil
}

func (s *taskStorage) ListByOwner(ctx context.Context, owner domain.OwnerRef, limit int) ([]*domain.ResearchTask, error) {
	if limit <= 0 {
		limit = persistence.DefaultListLimit
	}
	p := s.plugin
	p.mu.RLock()
	out := make([]*domain.ResearchTask, 0)
	for _, t := range p.tasks {
		if t.Owner.Equal(owner) {
			out = append(out, t.Clone())
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *taskStorage) Share(ctx context.Context, id string, token string, locationImages string, at time.Time) (*domain.ResearchTask, error) {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	if locationImages != "" {
		t.LocationImages = locationImages
	}
	if !t.IsPublic || t.ShareToken == "" {
		t.IsPublic = true
		t.ShareToken = token
		sharedAt := at
		t.SharedAt = &sharedAt
		p.byToken[token] = t.ID
	}
	t.UpdatedAt = at
	return t.Clone(), nil
}

func (s *taskStorage) Unshare(ctx context.Context, id string) error {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return persistence.ErrNotFound
	}
	delete(p.byToken, t.ShareToken)
	t.IsPublic = false
	t.ShareToken = ""
	t.SharedAt = nil
	t.UpdatedAt = p.cfg.Now()
	return nil
}

func (s *taskStorage) GetPublicByToken(ctx context.Context, token string) (*domain.ResearchTask, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byToken[token]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	t := p.tasks[id]
	if t == nil || !t.IsPublic || t.ShareToken != token {
		return nil, persistence.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *taskStorage) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := map[domain.Status]int64{}
	for _, t := range p.tasks {
		out[t.Status]++
	}
	return out, nil
}

type usageStorage struct {
	plugin *Plugin
}

func usageKey(owner domain.OwnerRef, resetAt time.Time) string {
	return owner.Key() + "@" + resetAt.UTC().Format(time.RFC3339)
}

func (s *usageStorage) CheckAndIncrement(ctx context.Context, owner domain.OwnerRef, limit int, resetAt time.Time) (domain.QuotaDecision, error) {
	if err := owner.Validate(); err != nil {
		return domain.QuotaDecision{}, err
	}
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()
	key := usageKey(owner, resetAt)
	used := p.usage[key]
	if limit > 0 && used >= limit {
		return domain.QuotaDecision{Allowed: false, Used: used, Limit: limit, ResetAt: resetAt}, nil
	}
	used++
	p.usage[key] = used
	return domain.QuotaDecision{Allowed: true, Used: used, Limit: limit, ResetAt: resetAt}, nil
}

func (s *usageStorage) Used(ctx context.Context, owner domain.OwnerRef, resetAt time.Time) (int, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.usage[usageKey(owner, resetAt)], nil
}

type accountStorage struct {
	plugin *Plugin
}

func (s *accountStorage) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()
	acc, ok := p.accounts[userID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &acc, nil
}

func (s *accountStorage) SaveAccount(ctx context.Context, account domain.Account) error {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = p.cfg.Now()
	}
	p.accounts[account.UserID] = account
	return nil
}
