// Package storage exposes the ingest and catalog object areas over an afero filesystem.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

var (
	// ErrObjectNotFound is returned when a key has no object.
	ErrObjectNotFound = errors.New("storage: object not found")
	// ErrInvalidKey is returned for empty keys or keys escaping the area.
	ErrInvalidKey = errors.New("storage: invalid object key")
)

const partialSuffix = ".partial"

// Area is one object namespace (ingest or catalog).
type Area struct {
	name string
	fs   afero.Fs
}

// NewArea wraps an existing filesystem.
func NewArea(name string, fs afero.Fs) *Area {
	return &Area{name: name, fs: fs}
}

// NewLocalArea roots an area at a directory on the local disk, creating it if needed.
func NewLocalArea(name, root string) (*Area, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage: %s area root is required", name)
	}
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s area: %w", name, err)
	}
	return NewArea(name, afero.NewBasePathFs(osFs, root)), nil
}

// CleanKey normalizes a key to a slash-separated relative path.
func CleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	cleaned := path.Clean("/" + trimmed)
	if trimmed == "" || cleaned == "/" || strings.Contains(trimmed, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

// Open returns a reader for key.
func (a *Area) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	file, err := a.fs.Open(cleaned)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, a.name, cleaned)
		}
		return nil, fmt.Errorf("storage: open %s/%s: %w", a.name, cleaned, err)
	}
	return file, nil
}

// Put writes the reader to key. The object becomes visible only once fully written.
func (a *Area) Put(ctx context.Context, key string, reader io.Reader) (written int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return 0, err
	}
	if dir := path.Dir(cleaned); dir != "." {
		if err := a.fs.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("storage: create %s/%s: %w", a.name, dir, err)
		}
	}

	partial := cleaned + "." + uuid.NewString() + partialSuffix
	file, err := a.fs.Create(partial)
	if err != nil {
		return 0, fmt.Errorf("storage: create %s/%s: %w", a.name, partial, err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreMissing(a.fs.Remove(partial)))
		}
	}()

	written, err = io.Copy(file, reader)
	err = multierr.Append(err, file.Close())
	if err != nil {
		return written, fmt.Errorf("storage: write %s/%s: %w", a.name, cleaned, err)
	}
	if err = a.fs.Rename(partial, cleaned); err != nil {
		return written, fmt.Errorf("storage: commit %s/%s: %w", a.name, cleaned, err)
	}
	return written, nil
}

// Remove deletes key. A missing object yields ErrObjectNotFound.
func (a *Area) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return err
	}
	if err := a.fs.Remove(cleaned); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, a.name, cleaned)
		}
		return fmt.Errorf("storage: remove %s/%s: %w", a.name, cleaned, err)
	}
	return nil
}

// Exists reports whether key holds an object.
func (a *Area) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	return afero.Exists(a.fs, cleaned)
}

func ignoreMissing(err error) error {
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
