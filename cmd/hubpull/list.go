package main

import (
	"errors"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/ligustah/hubpull/internal/config"
	"github.com/ligustah/hubpull/internal/hub"
)

// runList prints the files a download would fetch without fetching them.
func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	common := addCommonFlags(fs)

	revision := fs.String("revision", "", "Repository revision (default main)")
	include := fs.String("include", "", "Comma separated glob patterns (default *.safetensors,*.json)")
	destination := fs.String("dest", "", "Directory below -dir to check (default the repository id)")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: hubpull list [options] <org/repo>

List the repository files matching the include patterns that are not yet
present in the destination.

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
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := interruptContext()
	defer cancel()

	m, err := newManager(cfg, nil, newLogger(cfg))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	dst := *destination
	if dst == "" {
		dst = repo
	}
	entries, err := m.Lister().List(ctx, hub.ListRequest{
		Repo:        repo,
		Revision:    cfg.Revision,
		Destination: dst,
		Patterns:    cfg.Patterns,
		Token:       cfg.Token,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, hub.ErrAuthorizationRequired) {
			return ExitAuthRequired
		}
		return ExitSourceNotAccess
	}

	for _, e := range entries {
		fmt.Fprintf(stdout, "%3d  %s  ->  %s\n", e.Ordinal, e.DisplayName, filepath.Join(cfg.DownloadDir, filepath.FromSlash(e.DestinationPath)))
	}
	fmt.Fprintf(stderr, "[hubpull] %d files to download from %s@%s\n", len(entries), repo, cfg.Revision)
	return ExitSuccess
}
