// Package store persists task records to a blob bucket so downloads survive
// a process restart.
//
// Records are JSON objects under tasks/<id>.json. Any gocloud.dev/blob
// driver works; the CLI registers file:// and s3://, tests use mem://.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/hubpull/internal/task"
)

// Prefix is the key prefix under which records are stored.
const Prefix = "tasks/"

// ErrNotFound is returned by Load for an unknown id.
var ErrNotFound = errors.New("store: record not found")

// Store reads and writes task records.
type Store struct {
	bucket *blob.Bucket
	owned  bool
}

// Open opens the bucket at url, e.g. "file:///var/lib/hubpull".
func Open(ctx context.Context, url string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: open bucket: %w", err)
	}
	return &Store{bucket: bucket, owned: true}, nil
}

// New wraps an open bucket. Close does not close it.
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

func key(id string) string {
	return Prefix + id + ".json"
}

// Save writes rec, replacing any previous record with the same id.
func (s *Store) Save(ctx context.Context, rec task.Record) error {
	if rec.Config.ID == "" {
		return errors.New("store: record has no id")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, key(rec.Config.ID), data, opts); err != nil {
		return fmt.Errorf("store: write %s: %w", rec.Config.ID, err)
	}
	return nil
}

// Load reads the record with the given id.
func (s *Store) Load(ctx context.Context, id string) (task.Record, error) {
	data, err := s.bucket.ReadAll(ctx, key(id))
	if err != nil {
		if isNotExist(err) {
			return task.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return task.Record{}, fmt.Errorf("store: read %s: %w", id, err)
	}

	var rec task.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return task.Record{}, fmt.Errorf("store: unmarshal %s: %w", id, err)
	}
	return rec, nil
}

// List returns every stored record ordered by id.
func (s *Store) List(ctx context.Context) ([]task.Record, error) {
	var ids []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: Prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(path.Base(obj.Key), ".json"))
	}
	sort.Strings(ids)

	recs := make([]task.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Load(ctx, id)
		if err != nil {
			// Deleted between listing and reading.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Delete removes the record with the given id. Deleting an unknown id is not
// an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.bucket.Delete(ctx, key(id)); err != nil && !isNotExist(err) {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// Close closes the bucket if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
