// Package lifecycle drives one research task from submission to a terminal
// status, merging stream events and poll results into a single view model.
package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/stream"
)

// Submitter starts a research task and returns its event stream. A failure to
// start may be reported either as an error or as a body holding an error frame.
type Submitter interface {
	Submit(ctx context.Context, location domain.Location, instructions string) (io.ReadCloser, error)
}

// PublicReader resolves share tokens. Visibility failures wrap domain.ErrNotShared.
type PublicReader interface {
	PublicTask(ctx context.Context, token string) (domain.PublicTask, error)
}

type Option func(*Controller)

func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.pollInterval = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOnTaskCreated registers a callback run when the external task id is
// first known.
func WithOnTaskCreated(fn func(taskID string)) Option {
	return func(c *Controller) { c.onTaskCreated = fn }
}

func WithPublicReader(r PublicReader) Option {
	return func(c *Controller) { c.public = r }
}

func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newID = fn
		}
	}
}

type session struct {
	gen    uint64
	ctx    context.Context
	handle *CancelHandle
}

// Controller owns the view model of a single task view. Every update is
// applied under one mutex so the status sequence observed by subscribers never
// moves backward, even while the stream and the poller overlap.
type Controller struct {
	submitter     Submitter
	fetcher       StatusFetcher
	public        PublicReader
	pollInterval  time.Duration
	logger        *slog.Logger
	onTaskCreated func(string)
	newID         func() string

	mu      sync.Mutex
	vm      ViewModel
	gen     uint64
	current *session
	subs    map[int]func(ViewModel)
	nextSub int
}

func NewController(submitter Submitter, fetcher StatusFetcher, opts ...Option) *Controller {
	c := &Controller{
		submitter:    submitter,
		fetcher:      fetcher,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		newID:        uuid.NewString,
		subs:         map[int]func(ViewModel){},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn to receive a copy of the view model after every
// applied change. The returned func removes the subscription.
func (c *Controller) Subscribe(fn func(ViewModel)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Controller) Snapshot() ViewModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vm.clone()
}

// Done is closed when the current task reaches a terminal status or is
// cancelled. It is closed already when no task was ever started.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.current.handle.Done()
}

// Wait blocks until Done or ctx ends and returns the latest view model.
func (c *Controller) Wait(ctx context.Context) (ViewModel, error) {
	select {
	case <-c.Done():
		return c.Snapshot(), nil
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

// Cancel stops the stream reader and the poller of the current task. It can
// be called repeatedly; the view model keeps its last state.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cur := c.current
	changed := c.vm.Polling
	c.vm.Polling = false
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()
	if cur != nil {
		cur.handle.Cancel()
	}
	if changed {
		notify(subs, snap)
	}
}

// Start submits a new research task. All results of a previous task are
// discarded and the view model moves from idle to queued.
func (c *Controller) Start(ctx context.Context, location domain.Location, instructions string) error {
	loc, err := location.Normalize()
	if err != nil {
		return err
	}
	sess := c.reset(ctx, ViewModel{
		LocalID:   c.newID(),
		Location:  loc,
		Status:    domain.StatusQueued,
		Authority: AuthorityStream,
	})
	go c.runStream(sess, loc, instructions)
	return nil
}

func (c *Controller) reset(ctx context.Context, vm ViewModel) *session {
	c.mu.Lock()
	prev := c.current
	c.gen++
	sctx, handle := newCancelHandle(ctx)
	sess := &session{gen: c.gen, ctx: sctx, handle: handle}
	c.current = sess
	c.vm = vm
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()

	if prev != nil {
		prev.handle.Cancel()
	}
	notify(subs, snap)
	return sess
}

func (c *Controller) runStream(sess *session, loc domain.Location, instructions string) {
	streamCtx, stopStream := context.WithCancel(sess.ctx)
	defer stopStream()

	body, err := c.submitter.Submit(streamCtx, loc, instructions)
	if err != nil {
		c.fail(sess, err.Error())
		return
	}
	go func() {
		<-streamCtx.Done()
		_ = body.Close()
	}()

	dec := stream.NewDecoder(body, c.logger)
	for {
		ev, err := dec.Next()
		if streamCtx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			c.streamEnded(sess)
			return
		}
		if err != nil {
			c.fail(sess, err.Error())
			return
		}
		if !c.applyStream(sess, ev) {
			return
		}
	}
}

// applyStream reports whether the stream should keep being read.
func (c *Controller) applyStream(sess *session, ev stream.Event) bool {
	c.mu.Lock()
	if sess.gen != c.gen || c.vm.Authority != AuthorityStream || c.vm.Status.Terminal() {
		c.mu.Unlock()
		return false
	}

	changed, keepReading := true, true
	var created, pollTask string
	switch e := ev.(type) {
	case stream.TaskCreated:
		if c.vm.TaskID == "" {
			created = e.TaskID
		}
		c.vm.TaskID = e.TaskID
	case stream.StatusChanged:
		// Only done and error frames end a streamed task.
		if e.Status.Terminal() {
			changed = false
			break
		}
		changed = c.advanceLocked(e.Status, "")
	case stream.Progress:
		c.advanceLocked(domain.StatusRunning, "")
		total := e.TotalSteps
		if total <= 0 {
			total = DefaultTotalSteps
		}
		c.vm.Progress = domain.Progress{CurrentStep: e.CurrentStep, TotalSteps: total}
	case stream.MessageUpdate:
		c.vm.Messages = domain.AppendAssistantContent(c.vm.Messages, e.Data)
	case stream.Content:
		c.vm.Output = e.Content
	case stream.Sources:
		c.vm.Sources = append([]domain.Source(nil), e.Sources...)
	case stream.Images:
		c.vm.Images = append([]domain.Image(nil), e.Images...)
	case stream.ContinuePolling:
		if c.vm.TaskID == "" {
			created = e.TaskID
			c.vm.TaskID = e.TaskID
		}
		pollTask = e.TaskID
		c.vm.Authority = AuthorityPoller
		c.vm.Polling = true
		keepReading = false
	case stream.Failure:
		c.finishLocked(domain.StatusFailed, e.Error)
		keepReading = false
	case stream.Done:
		c.finishLocked(domain.StatusCompleted, "")
		keepReading = false
	default:
		changed = false
	}
	snap, subs := c.snapshotLocked()
	terminal := c.vm.Status.Terminal()
	c.mu.Unlock()

	if changed {
		notify(subs, snap)
	}
	if created != "" && c.onTaskCreated != nil {
		c.onTaskCreated(created)
	}
	if terminal {
		sess.handle.Cancel()
	}
	if pollTask != "" {
		c.logger.Info("stream handed off to poller", "task_id", pollTask)
		go c.runPoller(sess, pollTask)
	}
	return keepReading
}

// streamEnded handles a body that closed without a terminal frame or a
// handoff. With a known task id the poller takes over.
func (c *Controller) streamEnded(sess *session) {
	c.mu.Lock()
	if sess.gen != c.gen || c.vm.Authority != AuthorityStream || c.vm.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	taskID := c.vm.TaskID
	if taskID == "" {
		c.mu.Unlock()
		c.fail(sess, "stream ended before the task was created")
		return
	}
	c.vm.Authority = AuthorityPoller
	c.vm.Polling = true
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()

	notify(subs, snap)
	c.logger.Info("stream closed early; polling", "task_id", taskID)
	go c.runPoller(sess, taskID)
}

func (c *Controller) runPoller(sess *session, taskID string) {
	p := NewPoller(c.fetcher, c.pollInterval, c.logger)
	p.Run(sess.ctx, taskID, func(snap domain.StatusSnapshot, err error) bool {
		return c.applyPoll(sess, snap, err)
	})
}

// applyPoll reports whether polling should continue.
func (c *Controller) applyPoll(sess *session, snap domain.StatusSnapshot, err error) bool {
	c.mu.Lock()
	if sess.gen != c.gen || c.vm.Authority != AuthorityPoller || c.vm.Status.Terminal() {
		c.mu.Unlock()
		return false
	}

	changed, keepPolling := true, true
	switch {
	case err != nil:
		c.finishLocked(domain.StatusFailed, err.Error())
		keepPolling = false
	case snap.Status == domain.StatusRunning:
		c.advanceLocked(domain.StatusRunning, "")
		c.vm.mergeSnapshot(snap)
	case snap.Status == domain.StatusCompleted:
		c.vm.mergeSnapshot(snap)
		c.finishLocked(domain.StatusCompleted, "")
		keepPolling = false
	case snap.Status == domain.StatusFailed:
		c.finishLocked(domain.StatusFailed, snap.FailureReason())
		keepPolling = false
	default:
		changed = false
	}
	snap2, subs := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		notify(subs, snap2)
	}
	if !keepPolling {
		sess.handle.Cancel()
	}
	return keepPolling
}

func (c *Controller) fail(sess *session, msg string) {
	c.mu.Lock()
	if sess.gen != c.gen || c.vm.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.finishLocked(domain.StatusFailed, msg)
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()

	notify(subs, snap)
	sess.handle.Cancel()
}

// advanceLocked applies next when it does not move the status backward and
// reports whether the status changed.
func (c *Controller) advanceLocked(next domain.Status, failure string) bool {
	if next == c.vm.Status || !c.vm.Status.Advances(next) {
		return false
	}
	if next.Terminal() {
		c.finishLocked(next, failure)
		return true
	}
	c.vm.Status = next
	return true
}

func (c *Controller) finishLocked(status domain.Status, errMsg string) {
	c.vm.Status = status
	c.vm.Polling = false
	if status == domain.StatusFailed {
		if errMsg == "" {
			errMsg = domain.DefaultFailureReason
		}
		c.vm.Error = errMsg
	}
}

func (c *Controller) snapshotLocked() (ViewModel, []func(ViewModel)) {
	subs := make([]func(ViewModel), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return c.vm.clone(), subs
}

func notify(subs []func(ViewModel), vm ViewModel) {
	for _, fn := range subs {
		fn(vm)
	}
}
