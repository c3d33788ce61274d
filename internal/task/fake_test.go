package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ligustah/hubpull/internal/hub"
	"github.com/ligustah/hubpull/internal/queue"
	"github.com/ligustah/hubpull/internal/retry"
	"github.com/ligustah/hubpull/internal/transport"
)

// call records one transport operation that started a transfer.
type call struct {
	op     string // "begin", "token" or "suspended"
	handle transport.Handle
	url    string
	token  transport.ResumeToken
}

// fakeTransport lets tests drive transfer events by hand.
type fakeTransport struct {
	mu        sync.Mutex
	events    chan transport.Event
	calls     chan call
	next      transport.Handle
	live      map[transport.Handle]string
	suspended map[transport.Handle]bool
	closed    bool
	closes    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:    make(chan transport.Event, 64),
		calls:     make(chan call, 64),
		live:      make(map[transport.Handle]string),
		suspended: make(map[transport.Handle]bool),
	}
}

func (f *fakeTransport) Begin(req transport.Request) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, transport.ErrSessionClosed
	}
	f.next++
	f.live[f.next] = req.URL
	f.calls <- call{op: "begin", handle: f.next, url: req.URL}
	return f.next, nil
}

func (f *fakeTransport) Suspend(h transport.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[h]; !ok {
		return transport.ErrUnknownTransfer
	}
	f.suspended[h] = true
	return nil
}

func (f *fakeTransport) ResumeSuspended(h transport.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	url, ok := f.live[h]
	if !ok {
		return transport.ErrUnknownTransfer
	}
	delete(f.suspended, h)
	f.calls <- call{op: "suspended", handle: h, url: url}
	return nil
}

func (f *fakeTransport) ResumeFromToken(token transport.ResumeToken, _ string) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, transport.ErrSessionClosed
	}
	if len(token) == 0 {
		return 0, transport.ErrInvalidToken
	}
	f.next++
	f.live[f.next] = string(token)
	f.calls <- call{op: "token", handle: f.next, token: token}
	return f.next, nil
}

func (f *fakeTransport) CancelWithToken(h transport.Handle) (transport.ResumeToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[h]; !ok {
		return nil, transport.ErrUnknownTransfer
	}
	delete(f.live, h)
	return transport.ResumeToken(fmt.Sprintf("token-%d", h)), nil
}

func (f *fakeTransport) PartialPath(url string) string {
	return "partial/" + url
}

func (f *fakeTransport) Events() <-chan transport.Event {
	return f.events
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) isSuspended(h transport.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspended[h]
}

// send delivers an event unless the session is closed.
func (f *fakeTransport) send(ev transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if ev.Kind != transport.EventProgress {
		delete(f.live, ev.Transfer)
	}
	f.events <- ev
}

func (f *fakeTransport) progress(h transport.Handle, written, expected int64) {
	f.send(transport.Event{Transfer: h, Kind: transport.EventProgress, Written: written, Expected: expected})
}

func (f *fakeTransport) complete(h transport.Handle) {
	f.send(transport.Event{Transfer: h, Kind: transport.EventCompleted, Written: 10, Expected: 10, TempPath: fmt.Sprintf("tmp/%d", h)})
}

func (f *fakeTransport) fail(h transport.Handle, token transport.ResumeToken) {
	f.failWith(h, errors.New("connection reset"), token)
}

func (f *fakeTransport) failWith(h transport.Handle, err error, token transport.ResumeToken) {
	f.send(transport.Event{Transfer: h, Kind: transport.EventFailed, Err: err, Token: token})
}

// waitCall returns the next transfer started by the task.
func (f *fakeTransport) waitCall(t *testing.T) call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transfer to start")
		return call{}
	}
}

// noCall asserts no transfer starts within d.
func (f *fakeTransport) noCall(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected transfer: %+v", c)
	case <-time.After(d):
	}
}

// fakeLister returns fixed entries. With block set, List waits for it.
type fakeLister struct {
	entries []queue.Entry
	err     error
	block   chan struct{}
	calls   atomic.Int32
}

func (l *fakeLister) List(ctx context.Context, _ hub.ListRequest) ([]queue.Entry, error) {
	l.calls.Add(1)
	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return slices.Clone(l.entries), l.err
}

// fakePlacer records moves. failures makes the next n moves fail.
type fakePlacer struct {
	mu       sync.Mutex
	placed   []string
	removed  []string
	failures int
}

func (p *fakePlacer) Place(src, dst string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("disk full")
	}
	p.placed = append(p.placed, src+"->"+dst)
	return nil
}

func (p *fakePlacer) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, path)
	return nil
}

func (p *fakePlacer) moves() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.placed)
}

func (p *fakePlacer) removals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.removed)
}

func entries(names ...string) []queue.Entry {
	out := make([]queue.Entry, len(names))
	for i, n := range names {
		out[i] = queue.Entry{
			SourceURL:       "https://hub.test/org/repo/resolve/main/" + n,
			DestinationPath: "dst/" + n,
			DisplayName:     n,
			Ordinal:         i + 1,
		}
	}
	return out
}

type harness struct {
	task      *Task
	transport *fakeTransport
	lister    *fakeLister
	placer    *fakePlacer
}

func newHarness(t *testing.T, lister *fakeLister, policy retry.Policy) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		lister:    lister,
		placer:    &fakePlacer{},
	}
	task, err := New(Config{Repo: "org/repo", Destination: "dst", Retry: policy}, Options{
		Lister:    h.lister,
		Transport: h.transport,
		FS:        h.placer,
	})
	require.NoError(t, err)
	t.Cleanup(task.Cancel)
	h.task = task
	return h
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, Base: time.Millisecond, Max: 5 * time.Millisecond}
}

// waitFor polls the task snapshot until cond holds.
func waitFor(t *testing.T, task *Task, cond func(Snapshot) bool, msg string) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(task.Snapshot())
	}, 2*time.Second, time.Millisecond, msg)
	return task.Snapshot()
}

func inState(s State) func(Snapshot) bool {
	return func(snap Snapshot) bool { return snap.State == s }
}
