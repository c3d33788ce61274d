package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ligustah/hubpull/internal/dest"
	hubhttp "github.com/ligustah/hubpull/internal/http"
	"github.com/ligustah/hubpull/internal/queue"
)

// DefaultPatterns selects weights and configuration files.
var DefaultPatterns = []string{"*.safetensors", "*.json"}

// DefaultRevision is the branch fetched when none is given.
const DefaultRevision = "main"

// Common errors.
var (
	// ErrAuthorizationRequired is returned when the hub rejects the manifest
	// request with a 4xx status.
	ErrAuthorizationRequired = errors.New("hub: authorization required")

	// ErrUnexpected is returned for a manifest body that cannot be decoded.
	ErrUnexpected = errors.New("hub: unexpected response")
)

// HTTPStatusError is returned for non-2xx, non-4xx manifest responses.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("hub: manifest request failed with status %d", e.Code)
}

// ListRequest describes which files of a repository to fetch.
type ListRequest struct {
	// Repo is the repository id, e.g. "mlx-community/Llama-3.2-1B-4bit".
	Repo string

	// Revision is a branch, tag or commit. Default: main
	Revision string

	// Destination is the directory files land in, relative to the
	// destination filesystem root.
	Destination string

	// Patterns are glob patterns; a file matching any of them is listed.
	// Default: DefaultPatterns
	Patterns []string

	// Token is an optional bearer token.
	Token string
}

// manifest is the subset of the model info response we read.
type manifest struct {
	Siblings []sibling `json:"siblings"`
}

type sibling struct {
	RFilename string `json:"rfilename"`
}

// Lister fetches repository manifests and turns them into transfer queues.
type Lister struct {
	client   *hubhttp.Client
	endpoint string
	fs       *dest.FS
	logger   *slog.Logger
}

// NewLister creates a lister for the hub at endpoint. Existence checks run
// against fs.
func NewLister(client *hubhttp.Client, endpoint string, fs *dest.FS, logger *slog.Logger) *Lister {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Lister{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		fs:       fs,
		logger:   logger,
	}
}

// Manifest returns every filename in the repository, in manifest order.
func (l *Lister) Manifest(ctx context.Context, repo, revision, token string) ([]string, error) {
	if revision == "" {
		revision = DefaultRevision
	}
	u := fmt.Sprintf("%s/api/models/%s/revision/%s", l.endpoint, repo, url.PathEscape(revision))

	body, err := l.client.Get(ctx, u, token)
	if err != nil {
		var se *hubhttp.StatusError
		if errors.As(err, &se) {
			if se.Code >= 400 && se.Code < 500 {
				return nil, fmt.Errorf("%w: %s", ErrAuthorizationRequired, se.Status)
			}
			return nil, &HTTPStatusError{Code: se.Code}
		}
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer body.Close()

	var m manifest
	if err := json.NewDecoder(body).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %w", ErrUnexpected, err)
	}
	if m.Siblings == nil {
		return nil, fmt.Errorf("%w: manifest has no siblings", ErrUnexpected)
	}

	files := make([]string, 0, len(m.Siblings))
	for _, s := range m.Siblings {
		if s.RFilename == "" {
			continue
		}
		files = append(files, s.RFilename)
	}
	return files, nil
}

// List fetches the manifest once, filters it by req.Patterns and skips files
// already present under req.Destination. Ordinals start at 1 and follow
// manifest order.
func (l *Lister) List(ctx context.Context, req ListRequest) ([]queue.Entry, error) {
	revision := req.Revision
	if revision == "" {
		revision = DefaultRevision
	}
	patterns := req.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	files, err := l.Manifest(ctx, req.Repo, revision, req.Token)
	if err != nil {
		return nil, err
	}

	matched := Filter(files, patterns)
	entries := make([]queue.Entry, 0, len(matched))
	skipped := 0
	for _, name := range matched {
		if !LocalName(name) {
			l.logger.WarnContext(ctx, "skipping file outside the repository", "repo", req.Repo, "file", name)
			continue
		}
		dst := path.Join(req.Destination, name)
		exists, err := l.fs.Exists(dst)
		if err != nil {
			return nil, err
		}
		if exists {
			skipped++
			continue
		}
		entries = append(entries, queue.Entry{
			SourceURL:       l.FileURL(req.Repo, revision, name),
			DestinationPath: dst,
			DisplayName:     name,
			Ordinal:         len(entries) + 1,
		})
	}

	l.logger.InfoContext(ctx, "listed repository",
		"repo", req.Repo,
		"revision", revision,
		"manifest", len(files),
		"matched", len(matched),
		"present", skipped,
		"pending", len(entries),
	)
	return entries, nil
}

// LocalName reports whether name stays inside the directory it is joined
// to: relative, already clean, and free of ".." segments.
func LocalName(name string) bool {
	return filepath.IsLocal(name) && path.Clean(name) == name && !strings.Contains(name, `\`)
}

// FileURL returns the download URL of name in repo at revision.
func (l *Lister) FileURL(repo, revision, name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", l.endpoint, repo, url.PathEscape(revision), strings.Join(segments, "/"))
}

// Filter returns the files matching at least one pattern, deduplicated, in
// their original order. A pattern without a slash is also tried against the
// base name, so "*.json" matches "tokenizer/config.json".
func Filter(files, patterns []string) []string {
	seen := make(map[string]struct{}, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		if _, dup := seen[f]; dup {
			continue
		}
		if !matchAny(f, patterns) {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func matchAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := doublestar.Match(p, path.Base(name)); ok {
				return true
			}
		}
	}
	return false
}
