package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/ligustah/hubpull/internal/config"
	"github.com/ligustah/hubpull/internal/manager"
	"github.com/ligustah/hubpull/internal/progress"
	"github.com/ligustah/hubpull/internal/task"
)

// runDownload fetches the matching files of a repository into the download
// directory. An interrupted download is saved and continued by the next
// download of the same repository or by resume.
func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	common := addCommonFlags(fs)

	revision := fs.String("revision", "", "Repository revision (default main)")
	include := fs.String("include", "", "Comma separated glob patterns (default *.safetensors,*.json)")
	destination := fs.String("dest", "", "Directory below -dir to write into (default the repository id)")
	showProgress := fs.Bool("progress", false, "Show progress output")
	retryAttempts := fs.Int("retry-attempts", 0, "Max retry attempts per file (default 5)")
	retryBackoff := fs.Duration("retry-backoff", 0, "Initial retry backoff (default 1s)")
	retryMaxBackoff := fs.Duration("retry-max-backoff", 0, "Max retry backoff (default 5m)")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: hubpull download [options] <org/repo>

Download the files of a model repository that match the include patterns.
Files already present in the destination are skipped.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: exactly one repository is required")
		fs.Usage()
		return ExitInvalidArgs
	}
	repo := fs.Arg(0)

	cfg, err := common.load(config.Config{
		Revision: *revision,
		Patterns: config.SplitPatterns(*include),
		Progress: *showProgress,
		Retry: config.RetryConfig{
			Attempts:   *retryAttempts,
			Backoff:    *retryBackoff,
			MaxBackoff: *retryMaxBackoff,
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	logger := newLogger(cfg)

	ctx, cancel := interruptContext()
	defer cancel()

	st, err := openStore(ctx, cfg, *common.noState)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening task store: %v\n", err)
		return ExitStorageError
	}
	if st != nil {
		defer st.Close()
	}

	m, err := newManager(cfg, st, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	defer shutdown(m)

	if _, err := m.Restore(ctx); err != nil {
		fmt.Fprintf(stderr, "Error reading task store: %v\n", err)
		return ExitStorageError
	}

	req := manager.Request{
		Repo:        repo,
		Revision:    cfg.Revision,
		Destination: *destination,
		Patterns:    cfg.Patterns,
	}
	t, err := m.Add(ctx, req)
	if errors.Is(err, manager.ErrDuplicate) {
		t = findTask(m, req)
		if t != nil {
			fmt.Fprintf(stderr, "[hubpull] Continuing saved download %s\n", t.ID())
			err = nil
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	return foreground(ctx, t, cfg)
}

// foreground runs t with optional progress output and reports the result.
func foreground(ctx context.Context, t *task.Task, cfg config.Config) int {
	if cfg.Progress {
		reporter := progress.NewReporter(t, progress.Options{
			Output:         stderr,
			UpdateInterval: time.Second,
			MaxAttempts:    cfg.Retry.Attempts,
		})
		reporter.Start()
		defer reporter.Stop()
	}

	snap, interrupted := startAndWait(ctx, t)
	if interrupted {
		fmt.Fprintf(stderr, "[hubpull] Download interrupted, state saved for resume: %s\n", t.ID())
		return ExitInterrupted
	}
	return report(snap)
}

// report prints the outcome of a finished task.
func report(snap task.Snapshot) int {
	code := exitCode(snap)
	switch code {
	case ExitSuccess:
		fmt.Fprintf(stderr, "[hubpull] Download complete: %s (%d files)\n", snap.Repo, snap.TotalFiles)
	case ExitAuthRequired:
		fmt.Fprintf(stderr, "Error: %s requires authorization, set -token or HF_TOKEN\n", snap.Repo)
	case ExitDownloadFailed:
		fmt.Fprintf(stderr, "Error: %s failed at %s: %v\n", snap.Repo, snap.DownloadingFileName, snap.Err)
		fmt.Fprintln(stderr, "Run 'hubpull resume' to retry")
	default:
		fmt.Fprintf(stderr, "Error: %s: %s: %v\n", snap.Repo, snap.State, snap.Err)
	}
	return code
}

// findTask returns the unfinished task matching req.
func findTask(m *manager.Manager, req manager.Request) *task.Task {
	for _, t := range m.Tasks() {
		cfg := t.Config()
		if cfg.Repo != req.Repo || cfg.Revision != req.Revision {
			continue
		}
		if req.Destination != "" && cfg.Destination != req.Destination {
			continue
		}
		if req.Destination == "" && cfg.Destination != req.Repo {
			continue
		}
		if !t.Snapshot().State.IsTerminal() {
			return t
		}
	}
	return nil
}
