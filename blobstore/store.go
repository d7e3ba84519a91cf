package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error that satisfies `errors.Is(err, ErrNotFound)`.
// It maps to `os.ErrNotExist` so local file errors match without wrapping.
var ErrNotFound = os.ErrNotExist

// ErrInvalidName is returned for blob names that escape the store root.
var ErrInvalidName = errors.New("blobstore: invalid blob name")

// Store holds named, immutable blobs. Implementations must be safe for
// concurrent use.
type Store interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create starts a streaming write. The blob becomes visible on Close.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a blob in one call.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names that start with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a stored blob.
type Blob interface {
	io.Closer
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadRange returns a reader over length bytes starting at off.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.WriteCloser
	Sync() error
}

// Aborter is implemented by writable blobs that can discard a write in
// progress instead of publishing it.
type Aborter interface {
	Abort(ctx context.Context) error
}

// Abort discards w if it supports it and closes it otherwise.
func Abort(ctx context.Context, w WritableBlob) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort(ctx)
	}
	return w.Close()
}

// NewReader returns a reader over the whole blob.
func NewReader(ctx context.Context, b Blob) (io.ReadCloser, error) {
	if b.Size() == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return b.ReadRange(ctx, 0, b.Size())
}

// ReadAll reads a whole blob from s.
func ReadAll(ctx context.Context, s Store, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close() }()

	r, err := NewReader(ctx, b)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
