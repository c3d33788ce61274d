// Package dest is the destination filesystem downloads land in.
//
// Finished files are written to a staging area and moved into place, so a
// reader never observes a half-written model file at its final path.
package dest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// StagingDir holds partial files. It lives inside the destination
// filesystem so moves into place are renames on the same volume.
const StagingDir = ".hubpull/partial"

// FS wraps a billy filesystem rooted at the download directory.
type FS struct {
	fs billy.Filesystem
}

// New wraps an existing billy filesystem.
func New(fs billy.Filesystem) *FS {
	return &FS{fs: fs}
}

// OS returns an FS rooted at dir on the local disk.
func OS(dir string) *FS {
	return New(osfs.New(dir))
}

// Memory returns an FS backed by memory.
func Memory() *FS {
	return New(memfs.New())
}

// Filesystem returns the underlying billy filesystem.
//
//nolint:ireturn // callers need the billy interface for tests.
func (d *FS) Filesystem() billy.Filesystem {
	return d.fs
}

// Exists reports whether a regular file or directory exists at p.
func (d *FS) Exists(p string) (bool, error) {
	_, err := d.fs.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("dest: stat %q: %w", p, err)
	}
}

// Size returns the size of the file at p.
func (d *FS) Size(p string) (int64, error) {
	info, err := d.fs.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("dest: stat %q: %w", p, err)
	}
	return info.Size(), nil
}

// PartialPath returns the staging path for key.
func (d *FS) PartialPath(key string) string {
	return path.Join(StagingDir, key+".part")
}

// OpenPartial opens the partial file at p for writing from offset. Bytes
// past offset are discarded.
//
//nolint:ireturn // billy.File is the handle type of the filesystem.
func (d *FS) OpenPartial(p string, offset int64) (billy.File, error) {
	if err := d.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("dest: mkdirall %q: %w", path.Dir(p), err)
	}

	f, err := d.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dest: open %q: %w", p, err)
	}

	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("dest: truncate %q: %w", p, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("dest: seek %q: %w", p, err)
	}

	return f, nil
}

// Place moves the file at src to dst, creating parent directories and
// replacing any file already at dst.
func (d *FS) Place(src, dst string) error {
	if err := d.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("dest: mkdirall %q: %w", path.Dir(dst), err)
	}

	if err := d.Remove(dst); err != nil {
		return err
	}

	if err := d.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("dest: rename %q to %q: %w", src, dst, err)
	}
	return nil
}

// Remove deletes the file at p. A missing file is not an error.
func (d *FS) Remove(p string) error {
	if err := d.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("dest: remove %q: %w", p, err)
	}
	return nil
}

// ReadFile returns the contents of the file at p.
func (d *FS) ReadFile(p string) ([]byte, error) {
	data, err := util.ReadFile(d.fs, p)
	if err != nil {
		return nil, fmt.Errorf("dest: readfile %q: %w", p, err)
	}
	return data, nil
}

// WriteFile writes data to p, creating parent directories.
func (d *FS) WriteFile(p string, data []byte) error {
	if err := d.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return fmt.Errorf("dest: mkdirall %q: %w", path.Dir(p), err)
	}
	if err := util.WriteFile(d.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("dest: writefile %q: %w", p, err)
	}
	return nil
}
