// Package http provides the HTTP client used for hub manifests and file bodies.
//
// This package handles:
//   - Connection pooling shared by every transfer of a session
//   - Bearer token authentication
//   - Resumable GETs (Range + If-Range) with Content-Range validation
//   - Mapping of non-2xx responses to *StatusError
//
// Retries are not performed here; the download task owns its retry policy.
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	body, err := client.Get(ctx, manifestURL, token)
//	defer body.Close()
//
//	// Continue a partial file at byte 1024
//	resp, err := client.GetFrom(ctx, fileURL, token, 1024, etag)
//	defer resp.Body.Close()
//	// resp.Offset is 0 if the server sent the whole file again
package http
