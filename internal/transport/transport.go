package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ligustah/hubpull/internal/dest"
	hubhttp "github.com/ligustah/hubpull/internal/http"
)

// Common errors.
var (
	// ErrCanceled is reported for transfers stopped by the session itself.
	// It never describes a network failure.
	ErrCanceled = errors.New("transport: transfer canceled")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("transport: session closed")

	// ErrUnknownTransfer is returned when a handle is not live.
	ErrUnknownTransfer = errors.New("transport: unknown transfer")

	// ErrStalled is reported when the server sends nothing for ReadTimeout.
	ErrStalled = errors.New("transport: read stalled")
)

// Handle identifies a transfer within a session.
type Handle uint64

// EventKind discriminates transfer events.
type EventKind int

const (
	// EventProgress reports bytes written so far.
	EventProgress EventKind = iota + 1
	// EventCompleted reports a finished file waiting at TempPath.
	EventCompleted
	// EventFailed reports a transfer that stopped with Err.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered on Session.Events.
type Event struct {
	Transfer Handle
	Kind     EventKind

	// Written and Expected are byte counts for the whole file. Expected is
	// -1 when the server did not announce a size.
	Written  int64
	Expected int64

	// TempPath is set for EventCompleted.
	TempPath string

	// Err and Token are set for EventFailed. Token may be nil.
	Err   error
	Token ResumeToken
}

// Request describes a file to fetch.
type Request struct {
	URL   string
	Token string
}

// Options configures a Session.
type Options struct {
	// Client issues the HTTP requests. Required.
	Client *hubhttp.Client

	// FS holds partial files. Required.
	FS *dest.FS

	// Logger receives debug output. Nil discards.
	Logger *slog.Logger

	// ProgressInterval throttles progress events.
	// Default: 250ms
	ProgressInterval time.Duration

	// BufferSize is the copy buffer size.
	// Default: 1MB
	BufferSize int

	// EventBuffer is the capacity of the events channel.
	// Default: 64
	EventBuffer int

	// ReadTimeout fails a transfer when connecting or a single body read
	// takes longer. Time spent suspended does not count.
	// Default: 60s
	ReadTimeout time.Duration
}

// Session owns every transfer of one download task. All transfers share the
// session's HTTP connection pool and report on a single event channel.
type Session struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	nextID   Handle
	byHandle map[Handle]*transfer
	byURL    map[string]*transfer
}

// NewSession creates a session.
func NewSession(opts Options) *Session {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024 * 1024
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan Event, opts.EventBuffer),
		byHandle: make(map[Handle]*transfer),
		byURL:    make(map[string]*transfer),
	}
}

// Events returns the channel all transfer events arrive on. It is closed by
// Close once every transfer goroutine has stopped.
func (s *Session) Events() <-chan Event {
	return s.events
}

// PartialPath returns where the partial file for url is staged.
func (s *Session) PartialPath(url string) string {
	sum := sha256.Sum256([]byte(url))
	return s.opts.FS.PartialPath(hex.EncodeToString(sum[:16]))
}

// Begin starts fetching req.URL from the first byte. If a transfer for the
// URL is already running it is returned as is; a suspended one is resumed.
func (s *Session) Begin(req Request) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSessionClosed
	}

	if t, ok := s.byURL[req.URL]; ok {
		t.resume()
		s.logger.Debug("reattached transfer", "url", req.URL, "transfer", t.id)
		return t.id, nil
	}

	t := s.startLocked(req, s.PartialPath(req.URL), 0, "")
	return t.id, nil
}

// ResumeFromToken continues a transfer described by token. A live transfer
// for the same URL takes precedence over the token.
func (s *Session) ResumeFromToken(token ResumeToken, authToken string) (Handle, error) {
	td, err := token.decode()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSessionClosed
	}

	if t, ok := s.byURL[td.URL]; ok {
		t.resume()
		return t.id, nil
	}

	offset := td.Offset
	if size, err := s.opts.FS.Size(td.Partial); err != nil {
		offset = 0
	} else if size < offset {
		offset = size
	}

	etag := td.ETag
	if offset == 0 {
		etag = ""
	}

	t := s.startLocked(Request{URL: td.URL, Token: authToken}, td.Partial, offset, etag)
	s.logger.Debug("resumed transfer from token", "url", td.URL, "offset", offset, "transfer", t.id)
	return t.id, nil
}

// Suspend freezes a running transfer. The connection and partial file are
// kept; no events are produced until it is resumed.
func (s *Session) Suspend(h Handle) error {
	t, err := s.lookup(h)
	if err != nil {
		return err
	}
	t.suspend()
	return nil
}

// ResumeSuspended continues a transfer frozen by Suspend.
func (s *Session) ResumeSuspended(h Handle) error {
	t, err := s.lookup(h)
	if err != nil {
		return err
	}
	t.resume()
	return nil
}

// CancelWithToken stops a transfer, keeping its partial file, and returns a
// token that continues it from the last written byte.
func (s *Session) CancelWithToken(h Handle) (ResumeToken, error) {
	t, err := s.lookup(h)
	if err != nil {
		return nil, err
	}

	t.cancel()
	<-t.exited

	s.mu.Lock()
	s.forgetLocked(t)
	s.mu.Unlock()

	written, etag := t.position()
	return tokenData{URL: t.req.URL, Partial: t.partial, Offset: written, ETag: etag}.encode(), nil
}

// Close stops every transfer and closes the events channel. Partial files
// are left in place.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	close(s.events)
	return nil
}

func (s *Session) lookup(h Handle) (*transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	t, ok := s.byHandle[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTransfer, h)
	}
	return t, nil
}

func (s *Session) startLocked(req Request, partial string, offset int64, etag string) *transfer {
	s.nextID++
	ctx, cancel := context.WithCancel(s.ctx)
	t := &transfer{
		id:       s.nextID,
		req:      req,
		partial:  partial,
		ctx:      ctx,
		cancel:   cancel,
		exited:   make(chan struct{}),
		written:  offset,
		expected: -1,
		etag:     etag,
	}
	s.byHandle[t.id] = t
	s.byURL[req.URL] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.exited)
		s.run(t, offset, etag)
	}()
	return t
}

func (s *Session) forgetLocked(t *transfer) {
	delete(s.byHandle, t.id)
	if cur, ok := s.byURL[t.req.URL]; ok && cur == t {
		delete(s.byURL, t.req.URL)
	}
}

// run fetches the body into the partial file and reports the outcome.
func (s *Session) run(t *transfer, offset int64, etag string) {
	err := s.copy(t, offset, etag)

	s.mu.Lock()
	s.forgetLocked(t)
	s.mu.Unlock()

	if t.ctx.Err() != nil {
		// Stopped by Close or CancelWithToken; the caller already knows.
		return
	}

	written, curETag := t.position()
	if err != nil {
		s.logger.Debug("transfer failed", "url", t.req.URL, "written", written, "error", err)
		ev := Event{Transfer: t.id, Kind: EventFailed, Written: written, Expected: t.total(), Err: err}
		if written > 0 {
			ev.Token = tokenData{URL: t.req.URL, Partial: t.partial, Offset: written, ETag: curETag}.encode()
		}
		s.emit(t, ev)
		return
	}

	s.emit(t, Event{Transfer: t.id, Kind: EventCompleted, Written: written, Expected: written, TempPath: t.partial})
}

func (s *Session) copy(t *transfer, offset int64, etag string) error {
	if err := t.wait(); err != nil {
		return err
	}

	// The request context is canceled when the server goes quiet; t.ctx
	// stays live so the failure is reported with a token.
	reqCtx, cancelReq := context.WithCancel(t.ctx)
	defer cancelReq()
	var stalled atomic.Bool
	stall := time.AfterFunc(s.opts.ReadTimeout, func() {
		stalled.Store(true)
		cancelReq()
	})
	defer stall.Stop()

	resp, err := s.opts.Client.GetFrom(reqCtx, t.req.URL, t.req.Token, offset, etag)
	stall.Stop()
	if err != nil {
		if stalled.Load() {
			return fmt.Errorf("connect: %w", ErrStalled)
		}
		return err
	}
	defer resp.Body.Close()

	t.start(resp.Offset, resp.Total, resp.ETag)

	f, err := s.opts.FS.OpenPartial(t.partial, resp.Offset)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, s.opts.BufferSize)
	last := time.Time{}
	for {
		if err := t.wait(); err != nil {
			return err
		}

		stall.Reset(s.opts.ReadTimeout)
		n, readErr := resp.Body.Read(buf)
		stall.Stop()
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("write partial: %w", err)
			}
			written := t.advance(int64(n))
			if err := t.wait(); err != nil {
				return err
			}
			if now := time.Now(); now.Sub(last) >= s.opts.ProgressInterval {
				last = now
				s.emit(t, Event{Transfer: t.id, Kind: EventProgress, Written: written, Expected: t.total()})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if stalled.Load() {
				return fmt.Errorf("read body: no data for %s: %w", s.opts.ReadTimeout, ErrStalled)
			}
			return fmt.Errorf("read body: %w", readErr)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close partial: %w", err)
	}

	written, _ := t.position()
	if total := t.total(); total >= 0 && written != total {
		return fmt.Errorf("short body: got %d of %d bytes: %w", written, total, io.ErrUnexpectedEOF)
	}

	s.emit(t, Event{Transfer: t.id, Kind: EventProgress, Written: written, Expected: written})
	return nil
}

// emit gives up once the transfer is canceled so CancelWithToken and Close
// never wait on a reader that stopped draining events.
func (s *Session) emit(t *transfer, ev Event) {
	select {
	case s.events <- ev:
	case <-t.ctx.Done():
	}
}

// transfer is one live HTTP body being copied to disk.
type transfer struct {
	id      Handle
	req     Request
	partial string

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}

	mu       sync.Mutex
	gate     chan struct{} // non-nil while suspended
	written  int64
	expected int64
	etag     string
}

func (t *transfer) suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate == nil {
		t.gate = make(chan struct{})
	}
}

func (t *transfer) resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate != nil {
		close(t.gate)
		t.gate = nil
	}
}

// wait blocks while the transfer is suspended.
func (t *transfer) wait() error {
	t.mu.Lock()
	g := t.gate
	t.mu.Unlock()

	if g != nil {
		select {
		case <-g:
		case <-t.ctx.Done():
		}
	}
	if t.ctx.Err() != nil {
		return ErrCanceled
	}
	return nil
}

func (t *transfer) start(offset, total int64, etag string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = offset
	t.expected = total
	t.etag = etag
}

func (t *transfer) advance(n int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written += n
	return t.written
}

func (t *transfer) position() (int64, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written, t.etag
}

func (t *transfer) total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expected
}
