// Package task implements the download state machine for one repository.
//
// A task lists the repository once, then fetches the resulting queue one
// file at a time through a Transport, retrying failed transfers with
// exponential backoff:
//
//	Idle -> Downloading -> Paused | Completed | Failed | Canceled
//	Paused, Failed -> Downloading
//
// Every transition runs on the task's own goroutine. User calls, transport
// events, listing results and retry timers are all delivered to it, so no
// state is shared with callers except the published Snapshot.
//
// Stale work is detected with an epoch counter. Attaching a transfer,
// pausing, canceling and advancing the queue each bump the epoch; progress
// and failure events, listing results and retry timers carry the epoch they
// were created under and are dropped when it no longer matches. Completion
// events are the exception: a finished file is always moved into place.
//
// A task can be detached into a Record and restored later. Detaching turns
// the active transfer into a resume token so a restored task continues from
// the last written byte.
package task
