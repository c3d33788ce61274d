package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/hubpull/internal/config"
	"github.com/ligustah/hubpull/internal/dest"
	"github.com/ligustah/hubpull/internal/hub"
	"github.com/ligustah/hubpull/internal/manager"
	"github.com/ligustah/hubpull/internal/store"
	"github.com/ligustah/hubpull/internal/task"
)

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath *string
	endpoint   *string
	token      *string
	dir        *string
	state      *string
	noState    *bool
	logLevel   *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath: fs.String("config", "", "Path to a YAML config file"),
		endpoint:   fs.String("endpoint", "", "Hub endpoint (default https://huggingface.co)"),
		token:      fs.String("token", "", "Bearer token (default $HUBPULL_TOKEN or $HF_TOKEN)"),
		dir:        fs.String("dir", "", "Download directory (default models)"),
		state:      fs.String("state", "", "Task store bucket URL (default <dir>/.hubpull/state)"),
		noState:    fs.Bool("no-state", false, "Do not persist tasks"),
		logLevel:   fs.String("log-level", "", "Log level: debug, info, warn, error"),
	}
}

// load resolves the configuration: file, then environment, then flags.
func (f *commonFlags) load(override config.Config) (config.Config, error) {
	cfg := config.Default()
	if *f.configPath != "" {
		loaded, err := config.LoadFromFile(*f.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	override.Endpoint = *f.endpoint
	override.Token = *f.token
	override.DownloadDir = *f.dir
	override.StateURL = *f.state
	override.LogLevel = *f.logLevel
	cfg = cfg.Merge(override)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	level, _ := cfg.Level()
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// stateURL returns the task store URL for cfg.
func stateURL(cfg config.Config) (string, error) {
	if cfg.StateURL != "" {
		return cfg.StateURL, nil
	}
	dir, err := filepath.Abs(filepath.Join(cfg.DownloadDir, ".hubpull", "state"))
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(dir) + "?create_dir=true", nil
}

// openStore opens the task store unless persistence is disabled.
func openStore(ctx context.Context, cfg config.Config, disabled bool) (*store.Store, error) {
	if disabled {
		return nil, nil
	}
	u, err := stateURL(cfg)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, u)
}

// newManager builds a manager writing into cfg.DownloadDir.
func newManager(cfg config.Config, st *store.Store, logger *slog.Logger) (*manager.Manager, error) {
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return manager.New(manager.Options{
		Endpoint:    cfg.Endpoint,
		Token:       cfg.Token,
		FS:          dest.OS(cfg.DownloadDir),
		Store:       st,
		HTTPOptions: cfg.HTTPOptions(),
		Retry:       cfg.RetryPolicy(),
		BufferSize:  int(cfg.BufferSize),
		Logger:      logger,
	})
}

// interruptContext returns a context canceled on SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "\n[hubpull] Received interrupt, saving state...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// finished reports whether the foreground wait for a task is over.
// A failed listing puts the task back to Idle with the error set.
func finished(s task.Snapshot) bool {
	switch s.State {
	case task.Completed, task.Canceled, task.Failed:
		return true
	case task.Idle:
		return s.Err != nil
	}
	return false
}

// startAndWait starts t and blocks until it finishes or ctx is done.
func startAndWait(ctx context.Context, t *task.Task) (task.Snapshot, bool) {
	updates := t.Updates()
	// Drop the snapshot published before Start.
	select {
	case <-updates:
	default:
	}
	t.Start()

	for {
		select {
		case <-ctx.Done():
			return t.Snapshot(), true
		case s, ok := <-updates:
			if !ok {
				return t.Snapshot(), false
			}
			if finished(s) {
				return s, false
			}
		}
	}
}

// exitCode maps the final snapshot of a task to an exit code.
func exitCode(s task.Snapshot) int {
	switch {
	case s.State == task.Completed:
		return ExitSuccess
	case errors.Is(s.Err, hub.ErrAuthorizationRequired):
		return ExitAuthRequired
	case s.State == task.Idle:
		return ExitSourceNotAccess
	case s.State == task.Failed:
		return ExitDownloadFailed
	default:
		return ExitGeneralError
	}
}

// shutdown persists the manager's tasks with a fresh deadline; ctx may
// already be canceled by an interrupt.
func shutdown(m *manager.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		fmt.Fprintf(stderr, "[hubpull] Warning: saving state: %v\n", err)
	}
}
