package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitInvalidArgs     = 2
	ExitSourceNotAccess = 3
	ExitAuthRequired    = 4
	ExitStorageError    = 5
	ExitDownloadFailed  = 6
	ExitInterrupted     = 7
)

// Output streams, swapped by tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "download":
		return runDownload(cmdArgs)
	case "resume":
		return runResume(cmdArgs)
	case "list":
		return runList(cmdArgs)
	case "status":
		return runStatus(cmdArgs)
	case "forget":
		return runForget(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(stderr, `Usage: hubpull <command> [options]

Commands:
  download  Download the matching files of a model repository
  resume    Continue every interrupted or failed download
  list      Show which files a download would fetch
  status    Show stored downloads
  forget    Drop a stored download

Run 'hubpull <command> -h' for command-specific help.`)
}
