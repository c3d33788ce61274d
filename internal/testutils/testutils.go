// Package testutils provides shared test infrastructure: a fake model hub
// and, behind the integration build tag, a Minio container.
package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// TestFile is a file served by the fake hub.
type TestFile struct {
	Name string
	Data []byte
}

// GenerateTestData returns size bytes of a deterministic pattern.
func GenerateTestData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// Hub is a fake model hub serving one repository at one revision.
type Hub struct {
	*httptest.Server

	Repo     string
	Revision string

	mu       sync.Mutex
	token    string
	order    []string
	files    map[string][]byte
	failures map[string]int
	rejects  map[string]int
	requests map[string]int
	ranges   map[string][]string
	listings int
}

// StartHub serves files as repo at revision "main". The server is closed
// when the test ends.
func StartHub(t *testing.T, repo string, files ...TestFile) *Hub {
	t.Helper()

	h := &Hub{
		Repo:     repo,
		Revision: "main",
		files:    make(map[string][]byte),
		failures: make(map[string]int),
		rejects:  make(map[string]int),
		requests: make(map[string]int),
		ranges:   make(map[string][]string),
	}
	for _, f := range files {
		h.order = append(h.order, f.Name)
		h.files[f.Name] = f.Data
	}
	h.Server = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.Server.Close)
	return h
}

// RequireToken makes every request without "Bearer token" fail with 401.
func (h *Hub) RequireToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = token
}

// FailNext makes the next n downloads of name drop the connection halfway.
func (h *Hub) FailNext(name string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[name] = n
}

// Reject makes the n downloads of name following any FailNext ones answer
// 503 without a body.
func (h *Hub) Reject(name string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejects[name] = n
}

// Requests returns how many times name was requested.
func (h *Hub) Requests(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[name]
}

// Ranges returns the Range headers sent for name, one per request.
func (h *Hub) Ranges(name string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ranges[name]...)
}

// Listings returns how many times the manifest was fetched.
func (h *Hub) Listings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listings
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	token := h.token
	h.mu.Unlock()
	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	manifestPath := "/api/models/" + h.Repo + "/revision/" + h.Revision
	filePrefix := "/" + h.Repo + "/resolve/" + h.Revision + "/"

	switch {
	case r.URL.Path == manifestPath:
		h.serveManifest(w)
	case strings.HasPrefix(r.URL.Path, filePrefix):
		h.serveFile(w, r, strings.TrimPrefix(r.URL.Path, filePrefix))
	default:
		http.NotFound(w, r)
	}
}

func (h *Hub) serveManifest(w http.ResponseWriter) {
	type sibling struct {
		RFilename string `json:"rfilename"`
	}

	h.mu.Lock()
	h.listings++
	siblings := make([]sibling, 0, len(h.order))
	for _, name := range h.order {
		siblings = append(siblings, sibling{RFilename: name})
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":       h.Repo,
		"siblings": siblings,
	})
}

func (h *Hub) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	h.mu.Lock()
	data, ok := h.files[name]
	fail := h.failures[name] > 0
	reject := false
	if fail {
		h.failures[name]--
	} else if h.rejects[name] > 0 {
		h.rejects[name]--
		reject = true
	}
	h.requests[name]++
	h.ranges[name] = append(h.ranges[name], r.Header.Get("Range"))
	h.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	size := int64(len(data))
	etag := fmt.Sprintf(`"%s-%d"`, name, size)
	w.Header().Set("ETag", etag)
	w.Header().Set("Accept-Ranges", "bytes")

	start := int64(0)
	if rh := r.Header.Get("Range"); rh != "" {
		ifRange := r.Header.Get("If-Range")
		if ifRange == "" || ifRange == etag {
			start, _ = strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rh, "bytes="), "-"), 10, 64)
		}
	}

	if start >= size && size > 0 {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	body := data[start:]
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if start > 0 {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
		w.WriteHeader(http.StatusPartialContent)
	}

	if fail {
		// Promise the whole body, deliver half.
		w.Write(body[:len(body)/2])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return
	}
	w.Write(body)
}
