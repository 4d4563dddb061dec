package lifecycle

import (
	"context"
	"sync"
)

// CancelHandle tears down every goroutine of one task session. Teardown,
// completion and failure all go through the same handle, so Cancel may be
// called any number of times from any goroutine.
type CancelHandle struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newCancelHandle(parent context.Context) (context.Context, *CancelHandle) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &CancelHandle{cancel: cancel, done: make(chan struct{})}
}

func (h *CancelHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.cancel()
		close(h.done)
	})
}

// Done is closed once Cancel has run.
func (h *CancelHandle) Done() <-chan struct{} {
	return h.done
}

func (h *CancelHandle) Stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
