// Package transport streams remote files into staged partial files.
//
// A Session is created once per download task and reused for every file in
// its queue. Each transfer runs in its own goroutine; outcomes are reported
// on the session's single event channel:
//
//	EventProgress   bytes written / expected so far
//	EventCompleted  the file is complete at TempPath, ready to be moved
//	EventFailed     a network or disk error, plus a ResumeToken when bytes
//	                were written
//
// # Pause and resume
//
// Suspend freezes a transfer without closing its connection. CancelWithToken
// closes the connection but returns a ResumeToken; ResumeFromToken continues
// with a Range request guarded by If-Range, restarting from zero when the
// remote file changed.
//
// A transfer whose server sends nothing for Options.ReadTimeout fails with
// ErrStalled and a ResumeToken, like any other network failure.
//
// Transfers stopped by Close or CancelWithToken produce no events, so a
// caller never mistakes its own cancellation for a network failure.
//
// # Reattachment
//
// Begin and ResumeFromToken first look for a live transfer of the same URL
// and return its handle instead of opening a second connection.
package transport
