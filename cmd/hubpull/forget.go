package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/ligustah/hubpull/internal/config"
	"github.com/ligustah/hubpull/internal/store"
)

// runForget drops saved downloads from the task store. Files already moved
// into place are kept.
func runForget(args []string) int {
	fs := flag.NewFlagSet("forget", flag.ExitOnError)
	common := addCommonFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: hubpull forget [options] <id>...

Drop saved downloads. Their partial files are removed.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "Error: at least one task id is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, err := common.load(config.Config{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg, false)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening task store: %v\n", err)
		return ExitStorageError
	}
	defer st.Close()

	m, err := newManager(cfg, st, newLogger(cfg))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	// Restoring first lets Remove cancel the task, which discards its
	// partial file along with the record.
	if _, err := m.Restore(ctx); err != nil {
		fmt.Fprintf(stderr, "Error reading task store: %v\n", err)
		return ExitStorageError
	}
	defer shutdown(m)

	code := ExitSuccess
	for _, id := range fs.Args() {
		if _, err := st.Load(ctx, id); errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(stderr, "Error: no saved download %s\n", id)
			code = ExitInvalidArgs
			continue
		}
		if err := m.Remove(ctx, id); err != nil {
			fmt.Fprintf(stderr, "Error: forget %s: %v\n", id, err)
			code = ExitStorageError
			continue
		}
		fmt.Fprintf(stderr, "[hubpull] Forgot %s\n", id)
	}
	return code
}
