package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	hubhttp "github.com/ligustah/hubpull/internal/http"
	"github.com/ligustah/hubpull/internal/hub"
	"github.com/ligustah/hubpull/internal/queue"
	"github.com/ligustah/hubpull/internal/retry"
	"github.com/ligustah/hubpull/internal/transport"
)

// ErrNetwork wraps the last transfer error once retries are exhausted.
var ErrNetwork = errors.New("task: network error")

// Lister produces the files a task has to fetch.
type Lister interface {
	List(ctx context.Context, req hub.ListRequest) ([]queue.Entry, error)
}

// Transport moves bytes for a single task. *transport.Session implements it.
type Transport interface {
	Begin(req transport.Request) (transport.Handle, error)
	Suspend(h transport.Handle) error
	ResumeSuspended(h transport.Handle) error
	ResumeFromToken(token transport.ResumeToken, authToken string) (transport.Handle, error)
	CancelWithToken(h transport.Handle) (transport.ResumeToken, error)
	PartialPath(url string) string
	Events() <-chan transport.Event
	Close() error
}

// Placer moves finished files into place. *dest.FS implements it.
type Placer interface {
	Place(src, dst string) error
	Remove(p string) error
}

// Config holds the immutable parameters of a task.
type Config struct {
	// ID identifies the task. Generated when empty.
	ID string `json:"id"`

	Repo        string   `json:"repo"`
	Revision    string   `json:"revision"`
	Destination string   `json:"destination"`
	Patterns    []string `json:"patterns"`

	// Token is sent as a bearer token. It is never persisted.
	Token string `json:"-"`

	Retry retry.Policy `json:"retry"`
}

// Options wires a task to its collaborators.
type Options struct {
	Lister    Lister
	Transport Transport
	FS        Placer
	Logger    *slog.Logger
}

// Task downloads one repository. All mutable state is owned by a single
// goroutine; Start, Pause and Cancel only enqueue work for it and return
// immediately.
type Task struct {
	cfg       Config
	lister    Lister
	transport Transport
	fs        Placer
	logger    *slog.Logger

	cmds     chan func()
	done     chan struct{}
	updates  chan Snapshot
	canceled atomic.Bool

	mu    sync.RWMutex
	snap  Snapshot
	final Record

	// Owned by the loop goroutine.
	state       State
	listed      bool
	queue       *queue.Queue
	total       int
	completed   int
	written     int64
	expected    int64
	retry       *retry.State
	token       transport.ResumeToken
	pendingMove string
	active      *attachment
	epoch       uint64
	timer       *time.Timer
	listCancel  context.CancelFunc
	err         error
	stopped     bool
}

// attachment is the transfer currently serving the head of the queue.
type attachment struct {
	handle    transport.Handle
	epoch     uint64
	suspended bool
}

// New creates an idle task and starts its event loop.
func New(cfg Config, opts Options) (*Task, error) {
	t, err := newTask(cfg, opts)
	if err != nil {
		return nil, err
	}
	t.run()
	return t, nil
}

// Restore recreates a task from a record. A task that was downloading comes
// back paused; one that never finished listing comes back idle.
func Restore(rec Record, opts Options) (*Task, error) {
	t, err := newTask(rec.Config, opts)
	if err != nil {
		return nil, err
	}
	t.restore(rec)
	t.run()
	return t, nil
}

func newTask(cfg Config, opts Options) (*Task, error) {
	if cfg.Repo == "" {
		return nil, errors.New("task: repo is required")
	}
	if opts.Lister == nil || opts.Transport == nil || opts.FS == nil {
		return nil, errors.New("task: lister, transport and filesystem are required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Revision == "" {
		cfg.Revision = hub.DefaultRevision
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = append([]string(nil), hub.DefaultPatterns...)
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Task{
		cfg:       cfg,
		lister:    opts.Lister,
		transport: opts.Transport,
		fs:        opts.FS,
		logger:    logger.With("task", cfg.ID, "repo", cfg.Repo),
		cmds:      make(chan func(), 16),
		done:      make(chan struct{}),
		updates:   make(chan Snapshot, 1),
		queue:     queue.New(),
		retry:     retry.NewState(cfg.Retry),
		state:     Idle,
	}, nil
}

// ID returns the task id.
func (t *Task) ID() string {
	return t.cfg.ID
}

// Config returns the task configuration.
func (t *Task) Config() Config {
	return t.cfg
}

// Snapshot returns the latest published state. Safe from any goroutine.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// Updates delivers snapshots as they change. Only the latest one is kept for
// a slow reader. The channel is closed when the task stops.
func (t *Task) Updates() <-chan Snapshot {
	return t.updates
}

// Done is closed when the task reaches Completed or Canceled, or is detached.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Start begins or resumes the download.
func (t *Task) Start() {
	t.post(t.start)
}

// Pause suspends the active transfer and leaves the task Paused. Pausing
// while the file list is still being fetched abandons the listing and
// returns the task to Idle, so the next Start lists again.
func (t *Task) Pause() {
	t.post(t.pause)
}

// Cancel stops the task for good and discards partial data. The state is
// Canceled when Cancel returns.
func (t *Task) Cancel() {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return
	default:
	}
	if t.snap.State.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.canceled.Store(true)
	t.snap.State = Canceled
	t.mu.Unlock()

	// Wake the loop so it releases resources.
	t.post(func() {})
}

// Record returns the persistent form of the task.
func (t *Task) Record() Record {
	var rec Record
	if t.do(func() { rec = t.record() }) {
		return rec
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.final
}

// Detach stops the task without discarding anything. The active transfer is
// turned into a resume token and the returned record can be passed to
// Restore, in this process or a later one.
func (t *Task) Detach() Record {
	t.do(t.detach)
	<-t.done

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.final
}

func (t *Task) run() {
	t.publish()
	go t.loop()
}

func (t *Task) loop() {
	events := t.transport.Events()
	for !t.stopped {
		select {
		case f := <-t.cmds:
			if !t.canceled.Load() {
				f()
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !t.canceled.Load() {
				t.handleEvent(ev)
			}
		}
		if t.canceled.Load() && t.state != Canceled {
			t.cancelNow()
		}
	}
	t.exit()
}

func (t *Task) exit() {
	t.mu.Lock()
	if t.canceled.Load() && t.state != Canceled {
		t.mu.Unlock()
		t.cancelNow()
		t.mu.Lock()
	}
	t.final = t.record()
	close(t.done)
	close(t.updates)
	t.mu.Unlock()
}

// post enqueues f on the loop. It is dropped once the loop has exited.
func (t *Task) post(f func()) {
	select {
	case t.cmds <- f:
	case <-t.done:
	}
}

// do runs f on the loop and waits for it. It reports false if the loop
// exited first.
func (t *Task) do(f func()) bool {
	ran := make(chan struct{})
	select {
	case t.cmds <- func() { f(); close(ran) }:
	case <-t.done:
		return false
	}
	select {
	case <-ran:
		return true
	case <-t.done:
		return false
	}
}

func (t *Task) publish() {
	s := t.snapshot()

	t.mu.Lock()
	if t.canceled.Load() {
		s.State = Canceled
	}
	t.snap = s
	t.mu.Unlock()

	select {
	case <-t.updates:
	default:
	}
	select {
	case t.updates <- s:
	default:
	}
}

// start handles Start.
func (t *Task) start() {
	switch t.state {
	case Idle:
		t.list()
	case Paused, Failed:
		t.logger.Info("resuming", "state", t.state)
		t.state = Downloading
		t.err = nil
		t.resumeHead()
	default:
		return
	}
	t.publish()
}

// pause handles Pause.
func (t *Task) pause() {
	if t.state != Downloading {
		return
	}
	t.epoch++
	t.stopTimer()

	if !t.listed {
		// No file has started; a later Start lists again.
		t.stopListing()
		t.state = Idle
		t.logger.Info("paused while listing")
		t.publish()
		return
	}

	if t.active != nil && !t.active.suspended {
		if err := t.transport.Suspend(t.active.handle); err != nil {
			t.logger.Debug("suspend failed", "transfer", t.active.handle, "error", err)
		} else {
			t.active.suspended = true
		}
	}
	t.state = Paused
	t.logger.Info("paused")
	t.publish()
}

// cancelNow releases everything the task holds.
func (t *Task) cancelNow() {
	t.epoch++
	t.stopTimer()
	t.stopListing()

	var partials []string
	if head, ok := t.queue.Head(); ok && t.listed {
		partials = append(partials, t.transport.PartialPath(head.SourceURL))
	}
	if t.pendingMove != "" {
		partials = append(partials, t.pendingMove)
	}

	if err := t.transport.Close(); err != nil {
		t.logger.Debug("close transport", "error", err)
	}
	for _, p := range partials {
		if err := t.fs.Remove(p); err != nil {
			t.logger.Warn("remove partial file", "path", p, "error", err)
		}
	}

	t.queue = queue.New()
	t.active = nil
	t.token = nil
	t.pendingMove = ""
	t.written, t.expected = 0, 0
	t.state = Canceled
	t.stopped = true
	t.logger.Info("canceled")
	t.publish()
}

func (t *Task) detach() {
	t.epoch++
	t.stopTimer()
	t.stopListing()
	if t.state == Downloading && !t.listed {
		t.state = Idle
	}

	active := t.active
	t.active = nil
	if active != nil {
		token, err := t.transport.CancelWithToken(active.handle)
		if err == nil {
			t.token = token
		} else {
			t.logger.Debug("cancel with token", "transfer", active.handle, "error", err)
		}
	}

	if err := t.transport.Close(); err != nil {
		t.logger.Debug("close transport", "error", err)
	}
	// Outcomes that raced the detach.
	for ev := range t.transport.Events() {
		if active == nil || ev.Transfer != active.handle {
			continue
		}
		switch ev.Kind {
		case transport.EventCompleted:
			t.pendingMove = ev.TempPath
			t.token = nil
		case transport.EventFailed:
			if ev.Token != nil {
				t.token = ev.Token
			}
		}
	}

	if t.state == Downloading {
		t.state = Paused
	}
	t.stopped = true
	t.logger.Info("detached", "state", t.state)
	t.publish()
}

func (t *Task) list() {
	t.epoch++
	t.state = Downloading
	t.err = nil
	t.retry.Reset()
	t.listed = false
	t.queue = queue.New()
	t.total, t.completed = 0, 0
	t.written, t.expected = 0, 0

	ctx, cancel := context.WithCancel(context.Background())
	t.listCancel = cancel

	epoch := t.epoch
	req := hub.ListRequest{
		Repo:        t.cfg.Repo,
		Revision:    t.cfg.Revision,
		Destination: t.cfg.Destination,
		Patterns:    t.cfg.Patterns,
		Token:       t.cfg.Token,
	}
	t.logger.Info("listing files", "revision", req.Revision)
	go func() {
		entries, err := t.lister.List(ctx, req)
		t.post(func() { t.onListed(epoch, entries, err) })
	}()
}

func (t *Task) onListed(epoch uint64, entries []queue.Entry, err error) {
	if epoch != t.epoch || t.state != Downloading || t.listed {
		return
	}
	t.stopListing()

	if err != nil {
		t.onFilesListFailed(err)
		return
	}

	t.queue = queue.New(entries...)
	t.total = len(entries)
	t.listed = true
	t.logger.Info("files listed", "files", t.total)

	if t.queue.Empty() {
		t.complete()
		return
	}
	t.beginHead()
	t.publish()
}

func (t *Task) onFilesListFailed(err error) {
	t.logger.Warn("listing failed", "error", err)
	t.queue = queue.New()
	t.total, t.completed = 0, 0
	t.state = Idle
	t.err = err
	t.publish()
}

// resumeHead continues the head of the queue the cheapest way available.
func (t *Task) resumeHead() {
	if t.pendingMove != "" {
		t.finalize(t.pendingMove)
		return
	}
	if t.queue.Empty() {
		t.complete()
		return
	}

	if t.active != nil {
		if t.active.suspended {
			if err := t.transport.ResumeSuspended(t.active.handle); err != nil {
				// Finished while suspended; its outcome is still on the way.
				t.logger.Debug("resume suspended", "transfer", t.active.handle, "error", err)
			}
		}
		t.attach(t.active.handle)
		return
	}

	if t.token != nil {
		h, err := t.transport.ResumeFromToken(t.token, t.cfg.Token)
		if err == nil {
			t.attach(h)
			return
		}
		t.logger.Debug("resume from token", "error", err)
		t.token = nil
	}
	t.beginHead()
}

func (t *Task) beginHead() {
	head, ok := t.queue.Head()
	if !ok {
		return
	}
	t.written, t.expected = 0, 0

	h, err := t.transport.Begin(transport.Request{URL: head.SourceURL, Token: t.cfg.Token})
	if err != nil {
		t.fail(fmt.Errorf("begin %s: %w", head.DisplayName, err))
		return
	}
	t.logger.Debug("transfer started", "file", head.DisplayName, "ordinal", head.Ordinal, "transfer", h)
	t.attach(h)
}

func (t *Task) attach(h transport.Handle) {
	t.epoch++
	t.active = &attachment{handle: h, epoch: t.epoch}
}

func (t *Task) handleEvent(ev transport.Event) {
	if t.active == nil || ev.Transfer != t.active.handle {
		return
	}
	current := t.active.epoch == t.epoch && t.state == Downloading

	switch ev.Kind {
	case transport.EventProgress:
		if !current {
			return
		}
		t.written, t.expected = ev.Written, ev.Expected
		t.retry.Reset()

	case transport.EventCompleted:
		// Accepted whatever the epoch so a pause racing completion keeps
		// the finished file.
		t.active = nil
		t.written, t.expected = ev.Written, ev.Expected
		t.finalize(ev.TempPath)

	case transport.EventFailed:
		t.active = nil
		if ev.Token != nil {
			t.token = ev.Token
		}
		if !current || errors.Is(ev.Err, transport.ErrCanceled) {
			return
		}
		t.onTransferError(ev.Err)
	}
	t.publish()
}

func (t *Task) onTransferError(err error) {
	if perm := permanentError(t.headName(), err); perm != nil {
		t.retry.Reset()
		t.fail(perm)
		return
	}

	delay, ok := t.retry.Next()
	if !ok {
		t.retry.Reset()
		t.fail(fmt.Errorf("%w: %w", ErrNetwork, err))
		return
	}

	t.logger.Warn("transfer failed, retrying",
		"attempt", t.retry.Attempt(),
		"max_attempts", t.retry.Policy().MaxAttempts,
		"delay", delay,
		"error", err,
	)
	epoch := t.epoch
	t.stopTimer()
	t.timer = time.AfterFunc(delay, func() {
		t.post(func() { t.onRetry(epoch) })
	})
}

// permanentError returns the failure to record for a response no retry can
// fix, or nil if err is worth retrying.
func permanentError(name string, err error) error {
	switch {
	case errors.Is(err, hubhttp.ErrUnauthorized), errors.Is(err, hubhttp.ErrForbidden):
		return fmt.Errorf("%w: %s: %w", hub.ErrAuthorizationRequired, name, err)
	case errors.Is(err, hubhttp.ErrNotFound):
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (t *Task) headName() string {
	head, _ := t.queue.Head()
	return head.DisplayName
}

func (t *Task) onRetry(epoch uint64) {
	if epoch != t.epoch || t.state != Downloading {
		return
	}
	t.timer = nil
	t.resumeHead()
	t.publish()
}

// finalize moves a finished temp file into place and advances the queue.
func (t *Task) finalize(tempPath string) {
	head, ok := t.queue.Head()
	if !ok {
		t.pendingMove = ""
		return
	}

	if err := t.fs.Place(tempPath, head.DestinationPath); err != nil {
		t.pendingMove = tempPath
		t.fail(fmt.Errorf("move %s into place: %w", head.DisplayName, err))
		return
	}

	t.pendingMove = ""
	t.queue.Pop()
	t.completed++
	t.token = nil
	t.epoch++
	t.retry.Reset()
	t.written, t.expected = 0, 0
	t.logger.Info("file completed", "file", head.DisplayName, "completed", t.completed, "total", t.total)

	if t.queue.Empty() {
		t.complete()
		return
	}
	if t.state == Downloading {
		t.beginHead()
	}
}

func (t *Task) fail(err error) {
	t.stopTimer()
	t.state = Failed
	t.err = err
	t.logger.Error("task failed", "error", err)
}

func (t *Task) complete() {
	t.stopTimer()
	t.state = Completed
	t.err = nil
	if err := t.transport.Close(); err != nil {
		t.logger.Debug("close transport", "error", err)
	}
	t.stopped = true
	t.logger.Info("completed", "files", t.total)
	t.publish()
}

func (t *Task) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Task) stopListing() {
	if t.listCancel != nil {
		t.listCancel()
		t.listCancel = nil
	}
}
