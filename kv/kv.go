// Package kv defines the storage engine abstraction shared by every backend.
//
// An Engine stores opaque byte values under byte keys inside named spaces. Two
// implementations exist:
//
//   - logstore: single writer, in-memory ordered tree, write-ahead log durability
//   - boltstore: many concurrent readers on a consistent snapshot, one writer,
//     zero-copy reads through View
//
// Callers depend only on this package. Behavior is identical across backends; the
// kvtest package holds the shared suite both run.
//
// All failures are reported as *model.Error (NotFound, InvalidOperation, Backend,
// Transaction).
package kv

import (
	"context"
	"errors"
	"iter"

	"github.com/hupe1980/loom/model"
)

// Item is one key/value pair yielded by ScanPrefix. Both slices are owned by the
// caller.
type Item struct {
	Key   []byte
	Value []byte
}

// Reader gives zero-copy access to stored bytes. Slices returned by a Reader are
// only valid until the View callback returns and must not be modified.
type Reader interface {
	Get(space string, key []byte) ([]byte, error)
	// ScanPrefix calls fn for each key with the given prefix in ascending key order.
	// Returning an error from fn stops the scan and is returned.
	ScanPrefix(space string, prefix []byte, fn func(key, value []byte) error) error
}

// Txn is a read-write transaction. Reads observe the transaction's own writes.
// A Txn must be used by one goroutine and must end with Commit or Abort.
type Txn interface {
	Get(space string, key []byte) ([]byte, error)
	Put(space string, key, value []byte) error
	Delete(space string, key []byte) error
	Commit() error
	Abort() error
}

// Engine is the storage engine contract.
type Engine interface {
	// Name identifies the backend ("logstore", "boltstore").
	Name() string
	// Get returns a copy of the value stored under key.
	Get(ctx context.Context, space string, key []byte) ([]byte, error)
	// Put stores value under key, creating the space when needed.
	Put(ctx context.Context, space string, key, value []byte) error
	// Delete removes key. A missing key is a NotFound error.
	Delete(ctx context.Context, space string, key []byte) error
	// ScanPrefix lazily yields the items whose key starts with prefix in ascending
	// key order. Stopping the iteration early releases all resources.
	ScanPrefix(ctx context.Context, space string, prefix []byte) iter.Seq2[Item, error]
	// View runs fn against a consistent read snapshot with zero-copy access.
	View(ctx context.Context, fn func(r Reader) error) error
	// Begin starts a read-write transaction. It blocks while another writer is active.
	Begin(ctx context.Context) (Txn, error)
	// Flush forces buffered writes to stable storage.
	Flush(ctx context.Context) error
	// SizeOnDisk reports the bytes used by the backend's files.
	SizeOnDisk() (int64, error)
	Close() error
}

// Update runs fn inside a transaction, committing when fn returns nil and aborting
// otherwise.
func Update(ctx context.Context, e Engine, fn func(tx Txn) error) error {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Abort()
		return err
	}
	return tx.Commit()
}

// Collect drains a ScanPrefix sequence into a slice.
func Collect(seq iter.Seq2[Item, error]) ([]Item, error) {
	var out []Item
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// ValidateSpace rejects unusable space names.
func ValidateSpace(op, space string) error {
	if space == "" {
		return model.InvalidOperation(op, "empty space name")
	}
	return nil
}

// ValidateKey rejects empty keys.
func ValidateKey(op string, key []byte) error {
	if len(key) == 0 {
		return model.InvalidOperation(op, "empty key")
	}
	return nil
}

// Clone returns an owned copy of b. The result is never nil.
func Clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// PrefixEnd returns the smallest key greater than every key starting with prefix,
// or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// ScanBatchSize bounds how many items a backend reads per snapshot while serving
// ScanPrefix. Between batches no lock or read transaction is held, so callers may
// write while iterating.
const ScanBatchSize = 256

// ErrClosed is wrapped in a Backend error by operations on a closed engine.
var ErrClosed = errors.New("engine is closed")
