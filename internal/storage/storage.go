// Package storage provides the artifact store. It defines the Storage
// interface (port) and implementations for local disk and a local disk
// cache mirrored to S3.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("storage: artifact not found")

// Object describes a stored artifact.
type Object struct {
	// Name is the artifact name, e.g. "<fingerprint>.mp4".
	Name string
	// Path is the local path Read accepts.
	Path    string
	Size    int64
	ModTime time.Time
}

// Storage defines the interface for artifact storage.
type Storage interface {
	// Write stores data under name and returns its path and size. An existing
	// artifact with the same name is replaced atomically.
	Write(ctx context.Context, name string, data io.Reader) (path string, size int64, err error)

	// Read opens an artifact. The caller is responsible for closing the
	// returned ReadCloser. Returns ErrNotFound if it does not exist.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists reports whether an artifact exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes an artifact. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, path string) error

	// List returns every stored artifact.
	List(ctx context.Context) ([]Object, error)
}

// ScratchDir is implemented by stores that can lend a directory for
// intermediate files such as extracted frames.
type ScratchDir interface {
	TempDir() string
}
