// Package manager owns the collection of download tasks: it builds each task
// with its own transport session, persists records and restores them after a
// restart.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ligustah/hubpull/internal/dest"
	hubhttp "github.com/ligustah/hubpull/internal/http"
	"github.com/ligustah/hubpull/internal/hub"
	"github.com/ligustah/hubpull/internal/retry"
	"github.com/ligustah/hubpull/internal/store"
	"github.com/ligustah/hubpull/internal/task"
	"github.com/ligustah/hubpull/internal/transport"
)

// Common errors.
var (
	// ErrDuplicate is returned by Add when an unfinished task already fetches
	// the same repository revision into the same destination.
	ErrDuplicate = errors.New("manager: task already exists")

	// ErrUnknownTask is returned for ids the manager does not hold.
	ErrUnknownTask = errors.New("manager: unknown task")
)

// Options configures the manager.
type Options struct {
	// Endpoint is the hub base URL.
	// Default: https://huggingface.co
	Endpoint string

	// Token is the default bearer token for new and restored tasks.
	Token string

	// FS is the destination filesystem. Required.
	FS *dest.FS

	// Store persists task records. Optional; without it nothing survives
	// the process.
	Store *store.Store

	// HTTPOptions configures the shared HTTP client.
	HTTPOptions hubhttp.Options

	// Retry is the backoff policy for new tasks.
	// Default: retry.DefaultPolicy()
	Retry retry.Policy

	// ProgressInterval throttles transfer progress events.
	// Default: 250ms
	ProgressInterval time.Duration

	// BufferSize is the transfer copy buffer size.
	// Default: 1MB
	BufferSize int

	// Logger receives task logs. Nil discards.
	Logger *slog.Logger
}

// Request describes a new download.
type Request struct {
	Repo     string
	Revision string

	// Destination is a directory relative to the destination filesystem.
	// Default: the repository id
	Destination string

	// Patterns select files. Default: hub.DefaultPatterns
	Patterns []string

	// Token overrides Options.Token for this task.
	Token string
}

// Manager holds tasks by id.
type Manager struct {
	opts   Options
	client *hubhttp.Client
	lister *hub.Lister
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task.Task
	order []string
}

// New creates a manager.
func New(opts Options) (*Manager, error) {
	if opts.FS == nil {
		return nil, errors.New("manager: destination filesystem is required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "https://huggingface.co"
	}
	if opts.HTTPOptions.MaxIdleConnsPerHost == 0 {
		opts.HTTPOptions = hubhttp.DefaultOptions()
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	client := hubhttp.NewClient(opts.HTTPOptions)
	return &Manager{
		opts:   opts,
		client: client,
		lister: hub.NewLister(client, opts.Endpoint, opts.FS, logger),
		logger: logger,
		tasks:  make(map[string]*task.Task),
	}, nil
}

// Lister returns the lister tasks use, for dry runs.
func (m *Manager) Lister() *hub.Lister {
	return m.lister
}

// Add creates an idle task for req. Call Start on the result to begin.
func (m *Manager) Add(ctx context.Context, req Request) (*task.Task, error) {
	if req.Repo == "" {
		return nil, errors.New("manager: repo is required")
	}
	if req.Revision == "" {
		req.Revision = hub.DefaultRevision
	}
	if req.Destination == "" {
		req.Destination = req.Repo
	}
	if req.Token == "" {
		req.Token = m.opts.Token
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		cfg := m.tasks[id].Config()
		if cfg.Repo == req.Repo && cfg.Revision == req.Revision && cfg.Destination == req.Destination &&
			!m.tasks[id].Snapshot().State.IsTerminal() {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
		}
	}

	opts := m.taskOptions()
	t, err := task.New(task.Config{
		Repo:        req.Repo,
		Revision:    req.Revision,
		Destination: req.Destination,
		Patterns:    req.Patterns,
		Token:       req.Token,
		Retry:       m.opts.Retry,
	}, opts)
	if err != nil {
		opts.Transport.Close()
		return nil, err
	}

	m.addLocked(t)
	m.logger.InfoContext(ctx, "task added", "task", t.ID(), "repo", req.Repo, "revision", req.Revision)

	if m.opts.Store != nil {
		if err := m.opts.Store.Save(ctx, t.Record()); err != nil {
			m.logger.WarnContext(ctx, "save new task", "task", t.ID(), "error", err)
		}
	}
	return t, nil
}

// Get returns the task with the given id.
func (m *Manager) Get(id string) (*task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Tasks returns every task in the order it was added.
func (m *Manager) Tasks() []*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*task.Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id])
	}
	return out
}

// List returns a snapshot of every task in the order it was added.
func (m *Manager) List() []task.Snapshot {
	tasks := m.Tasks()
	out := make([]task.Snapshot, len(tasks))
	for i, t := range tasks {
		out[i] = t.Snapshot()
	}
	return out
}

// Remove cancels the task, releases its session and forgets its record. A
// task known only to the store is forgotten too.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		m.removeLocked(id)
	}
	m.mu.Unlock()

	if ok {
		t.Cancel()
		<-t.Done()
	}
	if m.opts.Store != nil {
		if err := m.opts.Store.Delete(ctx, id); err != nil {
			return err
		}
	}
	if !ok && m.opts.Store == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	m.logger.InfoContext(ctx, "task removed", "task", id)
	return nil
}

// Save persists the current record of a task.
func (m *Manager) Save(ctx context.Context, id string) error {
	t, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if m.opts.Store == nil {
		return nil
	}
	return m.opts.Store.Save(ctx, t.Record())
}

// Restore loads every stored record that is not already held. Finished
// records are deleted instead of restored.
func (m *Manager) Restore(ctx context.Context) ([]*task.Task, error) {
	if m.opts.Store == nil {
		return nil, nil
	}
	recs, err := m.opts.Store.List(ctx)
	if err != nil {
		return nil, err
	}

	var restored []*task.Task
	for _, rec := range recs {
		id := rec.Config.ID
		if rec.State.IsTerminal() {
			if err := m.opts.Store.Delete(ctx, id); err != nil {
				m.logger.WarnContext(ctx, "delete finished record", "task", id, "error", err)
			}
			continue
		}
		if _, ok := m.Get(id); ok {
			continue
		}

		rec.Config.Token = m.opts.Token
		opts := m.taskOptions()
		t, err := task.Restore(rec, opts)
		if err != nil {
			opts.Transport.Close()
			m.logger.WarnContext(ctx, "skip unreadable record", "task", id, "error", err)
			continue
		}

		m.mu.Lock()
		m.addLocked(t)
		m.mu.Unlock()

		snap := t.Snapshot()
		m.logger.InfoContext(ctx, "task restored",
			"task", id,
			"repo", rec.Config.Repo,
			"state", snap.State,
			"completed", snap.CompletedFiles,
			"total", snap.TotalFiles,
		)
		restored = append(restored, t)
	}
	return restored, nil
}

// Shutdown detaches every task and persists the unfinished ones. Records of
// finished tasks are deleted. The manager holds no tasks afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	tasks := make([]*task.Task, 0, len(m.order))
	for _, id := range m.order {
		tasks = append(tasks, m.tasks[id])
	}
	m.tasks = make(map[string]*task.Task)
	m.order = nil
	m.mu.Unlock()

	var errs []error
	for _, t := range tasks {
		rec := t.Detach()
		if m.opts.Store == nil {
			continue
		}
		if rec.State.IsTerminal() {
			if err := m.opts.Store.Delete(ctx, rec.Config.ID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := m.opts.Store.Save(ctx, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.InfoContext(ctx, "task saved", "task", rec.Config.ID, "state", rec.State)
	}
	return errors.Join(errs...)
}

func (m *Manager) taskOptions() task.Options {
	return task.Options{
		Lister: m.lister,
		Transport: transport.NewSession(transport.Options{
			Client:           m.client,
			FS:               m.opts.FS,
			Logger:           m.logger,
			ProgressInterval: m.opts.ProgressInterval,
			BufferSize:       m.opts.BufferSize,
			ReadTimeout:      m.opts.HTTPOptions.Timeout,
		}),
		FS:     m.opts.FS,
		Logger: m.logger,
	}
}

func (m *Manager) addLocked(t *task.Task) {
	m.tasks[t.ID()] = t
	m.order = append(m.order, t.ID())
}

func (m *Manager) removeLocked(id string) {
	delete(m.tasks, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
