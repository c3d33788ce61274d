package main

import (
	"context"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/ligustah/hubpull/internal/config"
)

// runStatus prints the downloads kept in the task store.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	common := addCommonFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: hubpull status [options]

Show the downloads saved in the task store.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
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

	recs, err := st.List(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading task store: %v\n", err)
		return ExitStorageError
	}
	if len(recs) == 0 {
		fmt.Fprintln(stderr, "[hubpull] No saved downloads")
		return ExitSuccess
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPOSITORY\tSTATE\tFILES\tCURRENT\tERROR")
	for _, rec := range recs {
		current := "-"
		if len(rec.Pending) > 0 && rec.DownloadingFileSize > 0 {
			current = fmt.Sprintf("%s %s/%s",
				rec.Pending[0].DisplayName,
				humanize.IBytes(uint64(rec.DownloadedFileSize)),
				humanize.IBytes(uint64(rec.DownloadingFileSize)),
			)
		} else if len(rec.Pending) > 0 {
			current = rec.Pending[0].DisplayName
		}
		errText := rec.Err
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%s\t%s@%s\t%s\t%d/%d\t%s\t%s\n",
			rec.Config.ID,
			rec.Config.Repo,
			rec.Config.Revision,
			rec.State,
			rec.CompletedFiles,
			rec.TotalFiles,
			current,
			errText,
		)
	}
	if err := w.Flush(); err != nil {
		return ExitGeneralError
	}
	return ExitSuccess
}
