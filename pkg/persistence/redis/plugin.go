package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/osvaldoandrade/historia/internal/repository"
	"github.com/osvaldoandrade/historia/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis-specific configuration
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// Plugin implements PluginPersistence for Redis/KVRocks
type Plugin struct {
	client      *redis.Client
	ownsClient  bool
	taskRepo    repository.TaskRepository
	usageRepo   repository.UsageRepository
	accountRepo repository.AccountRepository
}

// NewPlugin creates a new Redis persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	var cfg Config
	if err := json.Unmarshal(config.Config, &cfg); err != nil {
		return nil, fmt.Errorf("redis persistence: invalid config: %w", err)
	}
	if cfg.Addr == "" {
		return nil, errors.New("redis persistence: addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	p := NewPluginWithClient(client, config.Timezone)
	p.ownsClient = true
	return p, nil
}

// NewPluginWithClient wraps an existing client. Close leaves the client open.
func NewPluginWithClient(client *redis.Client, tz *time.Location) *Plugin {
	return &Plugin{
		client:      client,
		taskRepo:    repository.NewTaskRepository(client, tz),
		usageRepo:   repository.NewUsageRepository(client),
		accountRepo: repository.NewAccountRepository(client, tz),
	}
}

func (p *Plugin) TaskStorage() persistence.TaskStorage {
	return &taskStorageAdapter{repo: p.taskRepo}
}

func (p *Plugin) UsageStorage() persistence.UsageStorage {
	return p.usageRepo
}

func (p *Plugin) AccountStorage() persistence.AccountStorage {
	return p.accountRepo
}

// Health checks if Redis is healthy
func (p *Plugin) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the Redis connection when the plugin created it
func (p *Plugin) Close() error {
	if !p.ownsClient {
		return nil
	}
	return p.client.Close()
}

func init() {
	persistence.RegisterProvider("redis", NewPlugin)
}
