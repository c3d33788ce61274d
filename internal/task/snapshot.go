package task

import (
	"errors"

	hubhttp "github.com/ligustah/hubpull/internal/http"
	"github.com/ligustah/hubpull/internal/hub"
	"github.com/ligustah/hubpull/internal/queue"
	"github.com/ligustah/hubpull/internal/transport"
)

// Snapshot is the externally observed state of a task.
type Snapshot struct {
	ID    string
	Repo  string
	State State

	// Progress is the overall fraction complete, 0 to 1.
	Progress float64

	DownloadingFileName   string
	DownloadingFileNumber int
	TotalFiles            int
	CompletedFiles        int

	// DownloadedFileSize and DownloadingFileSize are byte counts for the
	// file in flight. DownloadingFileSize is -1 when unknown.
	DownloadedFileSize  int64
	DownloadingFileSize int64

	// Attempt is the number of retries scheduled since the last progress.
	Attempt int

	// Err is the most recent failure, if any.
	Err error
}

// Record is the persistent form of a task. It carries everything Restore
// needs to continue where the task left off, except the auth token.
type Record struct {
	Config Config `json:"config"`
	State  State  `json:"state"`

	Listed         bool          `json:"listed"`
	Pending        []queue.Entry `json:"pending,omitempty"`
	TotalFiles     int           `json:"total_files"`
	CompletedFiles int           `json:"completed_files"`

	// ResumeToken continues the head of Pending.
	ResumeToken transport.ResumeToken `json:"resume_token,omitempty"`

	// PendingMove is a finished temp file for the head of Pending that has
	// not been moved into place yet.
	PendingMove string `json:"pending_move,omitempty"`

	DownloadedFileSize  int64 `json:"downloaded_file_size"`
	DownloadingFileSize int64 `json:"downloading_file_size"`

	Err string `json:"error,omitempty"`

	// ErrKind names the sentinel Err matched, so errors.Is keeps working
	// after Restore.
	ErrKind string `json:"error_kind,omitempty"`
}

// errorKinds are the sentinels a persisted error is matched against, in
// order.
var errorKinds = []struct {
	name string
	err  error
}{
	{"authorization", hub.ErrAuthorizationRequired},
	{"not_found", hubhttp.ErrNotFound},
	{"network", ErrNetwork},
}

func errorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// restoredError is a persisted error message that still matches its
// original sentinel.
type restoredError struct {
	msg  string
	kind error
}

func (e *restoredError) Error() string { return e.msg }
func (e *restoredError) Unwrap() error { return e.kind }

func restoreError(msg, kind string) error {
	for _, k := range errorKinds {
		if k.name == kind {
			return &restoredError{msg: msg, kind: k.err}
		}
	}
	return errors.New(msg)
}

func (t *Task) snapshot() Snapshot {
	s := Snapshot{
		ID:             t.cfg.ID,
		Repo:           t.cfg.Repo,
		State:          t.state,
		TotalFiles:     t.total,
		CompletedFiles: t.completed,
		Attempt:        t.retry.Attempt(),
		Err:            t.err,
	}
	if head, ok := t.queue.Head(); ok {
		s.DownloadingFileName = head.DisplayName
		s.DownloadingFileNumber = head.Ordinal
		s.DownloadedFileSize = t.written
		s.DownloadingFileSize = t.expected
	}
	s.Progress = t.fraction()
	return s
}

// fraction is (completed + current file fraction) / total, clamped to [0,1].
func (t *Task) fraction() float64 {
	if t.state == Completed {
		return 1
	}
	if t.total == 0 {
		return 0
	}

	current := 0.0
	if t.expected > 0 {
		current = float64(t.written) / float64(t.expected)
		current = min(max(current, 0), 1)
	}
	f := (float64(t.completed) + current) / float64(t.total)
	return min(max(f, 0), 1)
}

func (t *Task) record() Record {
	rec := Record{
		Config:              t.cfg,
		State:               t.state,
		Listed:              t.listed,
		Pending:             t.queue.Entries(),
		TotalFiles:          t.total,
		CompletedFiles:      t.completed,
		ResumeToken:         t.token,
		PendingMove:         t.pendingMove,
		DownloadedFileSize:  t.written,
		DownloadingFileSize: t.expected,
	}
	if t.err != nil {
		rec.Err = t.err.Error()
		rec.ErrKind = errorKind(t.err)
	}
	return rec
}

// restore loads rec into a task whose loop has not started yet.
func (t *Task) restore(rec Record) {
	t.state = rec.State
	t.listed = rec.Listed
	t.queue = queue.New(rec.Pending...)
	t.total = rec.TotalFiles
	t.completed = rec.CompletedFiles
	t.token = rec.ResumeToken
	t.pendingMove = rec.PendingMove
	t.written = rec.DownloadedFileSize
	t.expected = rec.DownloadingFileSize
	if rec.Err != "" {
		t.err = restoreError(rec.Err, rec.ErrKind)
	}

	switch {
	case t.state.IsTerminal():
		t.stopped = true
	case !t.listed:
		// Nothing had started transferring; list again on Start.
		t.state = Idle
		t.queue = queue.New()
		t.total, t.completed = 0, 0
		t.token, t.pendingMove = nil, ""
	case t.state == Downloading || t.state == Idle:
		t.state = Paused
	}
}
