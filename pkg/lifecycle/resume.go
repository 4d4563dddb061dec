package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/osvaldoandrade/historia/pkg/domain"
)

// Ref points at a task created earlier, either by its id or by a share token.
type Ref struct {
	TaskID     string
	ShareToken string
}

var ErrEmptyRef = errors.New("a task id or share token is required")

// Resume rebuilds the view model of an existing task without submitting it
// again. The view model enters running or a terminal status directly, and an
// unfinished task is followed by the poller only.
func (c *Controller) Resume(ctx context.Context, ref Ref) error {
	ref.TaskID = strings.TrimSpace(ref.TaskID)
	ref.ShareToken = strings.TrimSpace(ref.ShareToken)
	if ref.TaskID == "" && ref.ShareToken == "" {
		return ErrEmptyRef
	}
	if ref.ShareToken != "" && c.public == nil {
		return errors.New("share tokens need a public reader")
	}
	sess := c.reset(ctx, ViewModel{LocalID: c.newID(), TaskID: ref.TaskID})
	go c.runResume(sess, ref)
	return nil
}

func (c *Controller) runResume(sess *session, ref Ref) {
	taskID := ref.TaskID
	var loc domain.Location
	if ref.ShareToken != "" {
		pt, err := c.public.PublicTask(sess.ctx, ref.ShareToken)
		if sess.ctx.Err() != nil {
			return
		}
		if err != nil {
			msg := err.Error()
			if errors.Is(err, domain.ErrNotShared) {
				msg = domain.NotSharedMessage
			}
			c.fail(sess, msg)
			return
		}
		if pt.DeepResearchID == "" {
			c.fail(sess, domain.NotSharedMessage)
			return
		}
		taskID = pt.DeepResearchID
		loc = domain.Location{Name: pt.LocationName, Lat: pt.LocationLat, Lng: pt.LocationLng}
	}

	snap, err := c.fetcher.Poll(sess.ctx, taskID)
	if sess.ctx.Err() != nil {
		return
	}
	if err != nil {
		c.fail(sess, err.Error())
		return
	}

	c.mu.Lock()
	if sess.gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.vm.TaskID = taskID
	if loc.Name != "" {
		c.vm.Location = loc
	}
	c.vm.mergeSnapshot(snap)
	c.vm.Authority = AuthorityPoller
	switch snap.Status {
	case domain.StatusCompleted:
		c.finishLocked(domain.StatusCompleted, "")
	case domain.StatusFailed:
		c.finishLocked(domain.StatusFailed, snap.FailureReason())
	default:
		c.vm.Status = domain.StatusRunning
		c.vm.Polling = true
	}
	terminal := c.vm.Status.Terminal()
	vm, subs := c.snapshotLocked()
	c.mu.Unlock()

	notify(subs, vm)
	if terminal {
		sess.handle.Cancel()
		return
	}
	c.runPoller(sess, taskID)
}
