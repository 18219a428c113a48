package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for artifact names that would escape the
// storage directory.
var ErrInvalidName = errors.New("storage: invalid artifact name")

// LocalStorage implements the Storage interface using local disk.
type LocalStorage struct {
	dir     string
	tempDir string
}

// NewLocalStorage creates a new LocalStorage instance rooted at dir.
// If dir is empty, a "clipchain" directory under os.TempDir() is used.
// The directory and its scratch subdirectory are created if they don't exist.
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "clipchain")
	}
	tempDir := filepath.Join(dir, ".tmp")

	if err := os.MkdirAll(tempDir, 0750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	return &LocalStorage{dir: dir, tempDir: tempDir}, nil
}

// Dir returns the artifact directory.
func (s *LocalStorage) Dir() string {
	return s.dir
}

// TempDir returns the scratch directory.
func (s *LocalStorage) TempDir() string {
	return s.tempDir
}

// PathFor returns the path an artifact named name is stored at.
func (s *LocalStorage) PathFor(name string) string {
	return filepath.Join(s.dir, name)
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && !strings.HasPrefix(name, ".")
}

// Write stores data under name. The data is written to a scratch file first
// and renamed into place.
func (s *LocalStorage) Write(ctx context.Context, name string, data io.Reader) (string, int64, error) {
	select {
	case <-ctx.Done():
		return "", 0, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}
	if !validName(name) {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	f, err := os.CreateTemp(s.tempDir, name+"_*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}

	tmp := f.Name()
	n, err := io.Copy(f, data)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("close artifact: %w", err)
	}

	dst := s.PathFor(name)
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("move artifact into place: %w", err)
	}
	return dst, n, nil
}

// Read opens an artifact.
func (s *LocalStorage) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.Open(path) // #nosec G304 - path comes from Write or List
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// Exists reports whether path exists.
func (s *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat artifact: %w", err)
	}
}

// Delete removes an artifact.
func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact %s: %w", path, err)
	}
	return nil
}

// List returns the artifacts in the storage directory. Scratch files and
// subdirectories are skipped.
func (s *LocalStorage) List(ctx context.Context) ([]Object, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}

	objects := make([]Object, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !validName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		objects = append(objects, Object{
			Name:    e.Name(),
			Path:    s.PathFor(e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return objects, nil
}

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)
