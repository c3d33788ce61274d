package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ligustah/hubpull/internal/task"
)

// Source provides task snapshots.
type Source interface {
	Snapshot() task.Snapshot
}

// Options configures the progress reporter.
type Options struct {
	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// MaxAttempts is shown next to the retry counter when set.
	MaxAttempts int
}

// Reporter outputs human-readable progress for one task.
type Reporter struct {
	opts Options
	src  Source

	mu         sync.Mutex
	startTime  time.Time
	lastUpdate time.Time
	lastFile   int
	lastBytes  int64
	stopCh     chan struct{}
	doneCh     chan struct{}
	started    bool
	stopped    bool
}

// NewReporter creates a new progress reporter for src.
func NewReporter(src Source, opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		src:    src,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	snap := r.src.Snapshot()
	fmt.Fprintf(r.opts.Output, "[hubpull] Downloading: %s\n", snap.Repo)

	go r.updateLoop()
}

// Stop stops the reporter and prints the final status. It waits for the
// update loop to exit.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	snap := r.src.Snapshot()
	fmt.Fprintf(r.opts.Output, "\r%s    ", r.progressLine(snap, time.Now()))
}

// progressLine renders snap and advances the speed sample.
func (r *Reporter) progressLine(snap task.Snapshot, now time.Time) string {
	r.mu.Lock()
	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	var speed float64
	if snap.DownloadingFileNumber == r.lastFile && snap.DownloadedFileSize >= r.lastBytes {
		speed = float64(snap.DownloadedFileSize-r.lastBytes) / elapsed
	}
	r.lastUpdate = now
	r.lastFile = snap.DownloadingFileNumber
	r.lastBytes = snap.DownloadedFileSize
	r.mu.Unlock()

	switch snap.State {
	case task.Idle:
		if snap.Err != nil {
			return fmt.Sprintf("[hubpull] Listing failed: %v", snap.Err)
		}
		return "[hubpull] Listing files..."
	case task.Downloading, task.Paused, task.Failed:
	default:
		return fmt.Sprintf("[hubpull] %s", snap.State)
	}
	if snap.TotalFiles == 0 {
		return "[hubpull] Listing files..."
	}

	size := "?"
	eta := "calculating..."
	if snap.DownloadingFileSize >= 0 {
		size = FormatBytes(snap.DownloadingFileSize)
		if speed > 0 {
			remaining := float64(snap.DownloadingFileSize - snap.DownloadedFileSize)
			eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
		}
	}

	line := fmt.Sprintf("[hubpull] %.1f%% | File %d/%d: %s | %s / %s | Speed: %s/s | ETA: %s",
		snap.Progress*100,
		snap.DownloadingFileNumber,
		snap.TotalFiles,
		snap.DownloadingFileName,
		FormatBytes(snap.DownloadedFileSize),
		size,
		FormatBytes(int64(speed)),
		eta,
	)
	if snap.Attempt > 0 {
		if r.opts.MaxAttempts > 0 {
			line += fmt.Sprintf(" | Retry %d/%d", snap.Attempt, r.opts.MaxAttempts)
		} else {
			line += fmt.Sprintf(" | Retry %d", snap.Attempt)
		}
	}
	if snap.State != task.Downloading {
		line += " | " + snap.State.String()
	}
	return line
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	snap := r.src.Snapshot()
	duration := time.Since(r.startTime)

	switch snap.State {
	case task.Completed:
		fmt.Fprintf(r.opts.Output, "\r[hubpull] 100.0%% | %d files | Complete!    \n", snap.TotalFiles)
	case task.Failed:
		fmt.Fprintf(r.opts.Output, "\r[hubpull] Failed after %d/%d files: %v    \n",
			snap.CompletedFiles, snap.TotalFiles, snap.Err)
	default:
		fmt.Fprintf(r.opts.Output, "\r[hubpull] %.1f%% | %d/%d files | %s    \n",
			snap.Progress*100, snap.CompletedFiles, snap.TotalFiles, snap.State)
	}
	fmt.Fprintf(r.opts.Output, "[hubpull] Total time: %s\n", formatDuration(duration))
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats b with binary units, e.g. "1.5 GiB".
func FormatBytes(b int64) string {
	if b < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(b))
}
