// Package progress provides progress reporting for repository downloads.
//
// The reporter polls a task snapshot and writes a single status line,
// including overall completion, the file in flight, transfer speed and ETA.
//
// # Usage
//
//	reporter := progress.NewReporter(t, progress.Options{Output: os.Stderr})
//	reporter.Start()
//	defer reporter.Stop()
//
// # Output Format
//
//	[hubpull] Downloading: org/model
//	[hubpull] 45.2% | File 2/4: model.safetensors | 1.1 GiB / 4.9 GiB | Speed: 112 MiB/s | ETA: 35s
//	[hubpull] 100.0% | 4 files | Complete!
//	[hubpull] Total time: 1m 12s
package progress
