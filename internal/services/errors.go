package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/osvaldoandrade/historia/pkg/domain"
)

var (
	ErrAuthRequired   = errors.New("authentication required")
	ErrNotOwner       = errors.New("task belongs to another owner")
	ErrTaskNotFound   = errors.New("task not found")
	ErrNotShared      = domain.ErrNotShared
	ErrQuotaExceeded  = errors.New("research quota exceeded")
	ErrInvalidRequest = errors.New("invalid request")
)

// QuotaError carries the denied decision so callers can report the reset time.
type QuotaError struct {
	Tier     domain.Tier
	Decision domain.QuotaDecision
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: %d of %d runs used, resets at %s",
		ErrQuotaExceeded, e.Decision.Used, e.Decision.Limit, e.Decision.ResetAt.UTC().Format(time.RFC3339))
}

func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExceeded }
