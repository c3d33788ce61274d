// Package queue holds the ordered list of files a task still has to fetch.
package queue

// Entry is a single pending file transfer. Entries are immutable once
// enqueued.
type Entry struct {
	SourceURL       string `json:"source_url"`
	DestinationPath string `json:"destination_path"`
	DisplayName     string `json:"display_name"`
	Ordinal         int    `json:"ordinal"`
}

// Queue is a FIFO of entries consumed one at a time from the head.
// It is not safe for concurrent use; a task owns its queue.
type Queue struct {
	entries []Entry
}

// New returns a queue holding a copy of entries in order.
func New(entries ...Entry) *Queue {
	q := &Queue{entries: make([]Entry, len(entries))}
	copy(q.entries, entries)
	return q
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.entries)
}

// Empty reports whether no entries remain.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Head returns the entry currently active or about to become active.
func (q *Queue) Head() (Entry, bool) {
	if q.Empty() {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Pop removes and returns the head.
func (q *Queue) Pop() (Entry, bool) {
	e, ok := q.Head()
	if !ok {
		return Entry{}, false
	}
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	return e, true
}

// Entries returns a copy of the pending entries, head first.
func (q *Queue) Entries() []Entry {
	if q.Empty() {
		return nil
	}
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}
