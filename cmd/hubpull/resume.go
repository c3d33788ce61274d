package main

import (
	"flag"
	"fmt"
	"sync"

	"github.com/ligustah/hubpull/internal/config"
	"github.com/ligustah/hubpull/internal/task"
)

// runResume restores every stored task and runs them until they finish.
func runResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	common := addCommonFlags(fs)
	showProgress := fs.Bool("progress", false, "Show progress output (single task only)")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: hubpull resume [options]

Continue every download saved in the task store.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *common.noState {
		fmt.Fprintln(stderr, "Error: resume needs the task store")
		return ExitInvalidArgs
	}

	cfg, err := common.load(config.Config{Progress: *showProgress})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	logger := newLogger(cfg)

	ctx, cancel := interruptContext()
	defer cancel()

	st, err := openStore(ctx, cfg, false)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening task store: %v\n", err)
		return ExitStorageError
	}
	defer st.Close()

	m, err := newManager(cfg, st, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	defer shutdown(m)

	tasks, err := m.Restore(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading task store: %v\n", err)
		return ExitStorageError
	}
	switch len(tasks) {
	case 0:
		fmt.Fprintln(stderr, "[hubpull] Nothing to resume")
		return ExitSuccess
	case 1:
		return foreground(ctx, tasks[0], cfg)
	}

	fmt.Fprintf(stderr, "[hubpull] Resuming %d downloads\n", len(tasks))
	results := make([]task.Snapshot, len(tasks))
	var interrupted bool
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, stopped := startAndWait(ctx, t)
			mu.Lock()
			results[i] = snap
			interrupted = interrupted || stopped
			mu.Unlock()
		}()
	}
	wg.Wait()

	if interrupted {
		fmt.Fprintln(stderr, "[hubpull] Resume interrupted, state saved")
		return ExitInterrupted
	}
	code := ExitSuccess
	for _, snap := range results {
		if c := report(snap); c != ExitSuccess && code == ExitSuccess {
			code = c
		}
	}
	return code
}
