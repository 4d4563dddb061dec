package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/osvaldoandrade/historia/pkg/domain"
)

var (
	// ErrNotFound is returned when a record does not exist. Share reads also
	// return it for records that exist but are not public.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a task id or external id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// PluginPersistence is implemented by every storage backend.
type PluginPersistence interface {
	TaskStorage() TaskStorage
	UsageStorage() UsageStorage
	AccountStorage() AccountStorage

	// Health checks if the persistence backend is healthy
	Health(ctx context.Context) error

	// Close releases resources held by the persistence backend
	Close() error
}

// StatusUpdate is a status observation reported by the research provider.
type StatusUpdate struct {
	Status domain.Status
	Error  string
	At     time.Time
}

// TaskStorage persists research tasks. Status writes are monotonic: an update
// that would move a task backward, or touch a terminal task, is ignored.
type TaskStorage interface {
	Create(ctx context.Context, task *domain.ResearchTask) error
	Get(ctx context.Context, id string) (*domain.ResearchTask, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.ResearchTask, error)

	// UpdateByExternalID applies u and reports whether the stored status changed.
	UpdateByExternalID(ctx context.Context, externalID string, u StatusUpdate) (*domain.ResearchTask, bool, error)
	SetReportURL(ctx context.Context, id string, url string) error

	// ListByOwner returns the owner's tasks, newest first.
	ListByOwner(ctx context.Context, owner domain.OwnerRef, limit int) ([]*domain.ResearchTask, error)

	// Share makes a task public under token. A task that is already public keeps
	// its existing token. A non-empty locationImages replaces the stored value.
	Share(ctx context.Context, id string, token string, locationImages string, at time.Time) (*domain.ResearchTask, error)

	// Unshare clears the public flag and the token in a single write.
	Unshare(ctx context.Context, id string) error

	// GetPublicByToken returns ErrNotFound unless the token belongs to a public task.
	GetPublicByToken(ctx context.Context, token string) (*domain.ResearchTask, error)

	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
}

// UsageStorage counts research runs per owner and quota window.
type UsageStorage interface {
	// CheckAndIncrement consumes one run in the window that ends at resetAt.
	// A limit of 0 is unlimited; the run is still counted.
	CheckAndIncrement(ctx context.Context, owner domain.OwnerRef, limit int, resetAt time.Time) (domain.QuotaDecision, error)

	// Used returns the runs consumed in the window that ends at resetAt.
	Used(ctx context.Context, owner domain.OwnerRef, resetAt time.Time) (int, error)
}

// AccountStorage persists billing state of authenticated users.
type AccountStorage interface {
	GetAccount(ctx context.Context, userID string) (*domain.Account, error)
	SaveAccount(ctx context.Context, account domain.Account) error
}

// DefaultListLimit bounds ListByOwner when the caller passes no limit.
const DefaultListLimit = 50
