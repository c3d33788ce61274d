package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Common errors. A *StatusError matches the sentinel for its status code
// through errors.Is.
var (
	ErrNotFound     = errors.New("http: resource not found")
	ErrForbidden    = errors.New("http: access forbidden")
	ErrUnauthorized = errors.New("http: unauthorized")
	ErrServerError  = errors.New("http: server error")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("http: unexpected status %s", e.Status)
	}
	return fmt.Sprintf("http: unexpected status code: %d", e.Code)
}

// Is reports whether target is the sentinel for the response class.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrForbidden:
		return e.Code == http.StatusForbidden
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	case ErrServerError:
		return e.Code >= 500
	}
	return false
}

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout bounds the wait for response headers. Bodies are streamed
	// without an overall deadline since model files can take hours; the
	// transport applies it to each body read instead.
	// Default: 30s
	Timeout time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		Timeout:             30 * time.Second,
		UserAgent:           "hubpull",
	}
}

// RangeResponse represents a response to a resumable GET.
type RangeResponse struct {
	Body io.ReadCloser

	// Offset is the byte position the body starts at. It is zero when the
	// server ignored the range and sent the whole file.
	Offset int64

	// Total is the full size of the remote file, or -1 if unknown.
	Total int64

	ETag string
}

// Client is an HTTP client for manifest requests and streamed file bodies.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = DefaultOptions().MaxIdleConnsPerHost
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		DisableCompression:    true, // We want raw bytes for range requests
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Get performs a simple GET request and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, url, token string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, url, token)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return resp.Body, nil
}

// GetFrom starts streaming url at offset. A strong etag is sent as If-Range
// so a changed file is delivered whole instead of spliced. Weak validators
// are not allowed in If-Range; a partial response whose etag differs from a
// weak one is discarded and the file fetched from the start.
func (c *Client) GetFrom(ctx context.Context, url, token string, offset int64, etag string) (*RangeResponse, error) {
	req, err := c.newRequest(ctx, url, token)
	if err != nil {
		return nil, err
	}

	weak := IsWeakETag(etag)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if etag != "" && !weak {
			req.Header.Set("If-Range", `"`+etag+`"`)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	// The partial file is already complete.
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
		resp.Body.Close()
		total := int64(-1)
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if _, _, t, err := parseUnsatisfiedRange(cr); err == nil {
				total = t
			}
		}
		if total == offset {
			return &RangeResponse{Body: http.NoBody, Offset: offset, Total: total}, nil
		}
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	rr := &RangeResponse{
		Body:  resp.Body,
		Total: resp.ContentLength,
		ETag:  cleanETag(resp.Header.Get("ETag")),
	}

	if resp.StatusCode == http.StatusPartialContent {
		start, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		rr.Offset = start
		rr.Total = total
		if rr.ETag == "" {
			rr.ETag = etag
		}
		if weak && rr.ETag != etag {
			resp.Body.Close()
			return c.GetFrom(ctx, url, token, 0, "")
		}
	}

	return rr, nil
}

func (c *Client) newRequest(ctx context.Context, url, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	return req, nil
}

// checkStatus returns a *StatusError for non-success status codes.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Status: resp.Status}
}

// cleanETag removes quotes from an ETag value. The W/ prefix of a weak
// validator is kept.
func cleanETag(etag string) string {
	if rest, ok := strings.CutPrefix(etag, "W/"); ok {
		return "W/" + strings.Trim(rest, `"`)
	}
	return strings.Trim(etag, `"`)
}

// IsWeakETag reports whether etag, as returned in RangeResponse, is a weak
// validator.
func IsWeakETag(etag string) bool {
	return strings.HasPrefix(etag, "W/")
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}

// parseUnsatisfiedRange parses the "bytes */total" form sent with a 416.
func parseUnsatisfiedRange(header string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(header, "bytes */")
	if !ok {
		return ParseContentRange(header)
	}
	total, err = strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return 0, 0, total, nil
}
