// Package boltstore is the B+tree storage backend built on bbolt.
//
// Every space is a top-level bucket. Readers run on consistent MVCC snapshots and
// never block each other; a single writer is admitted at a time.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
)

// Name is the backend identifier.
const Name = "boltstore"

// FileName is the database file inside the store directory.
const FileName = "loom.db"

// Options configures a Store.
type Options struct {
	// OpenTimeout bounds how long Open waits for the file lock.
	OpenTimeout time.Duration

	// NoSync skips fsync on commit. Flush still syncs.
	NoSync bool

	Logger *slog.Logger
}

// DefaultOptions returns default store options.
var DefaultOptions = Options{
	OpenTimeout: time.Second,
}

// Store implements kv.Engine.
type Store struct {
	path   string
	db     *bolt.DB
	writer *semaphore.Weighted
	logger *slog.Logger
	closed atomic.Bool
}

var _ kv.Engine = (*Store)(nil)

// Open opens or creates dir/loom.db.
func Open(dir string, optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, model.Backend("boltstore.Open", err)
	}
	path := filepath.Join(dir, FileName)

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.OpenTimeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, model.Backend("boltstore.Open", fmt.Errorf("failed to open %s: %w", path, err))
	}

	return &Store{
		path:   path,
		db:     db,
		writer: semaphore.NewWeighted(1),
		logger: opts.Logger.With("backend", Name, "path", path),
	}, nil
}

// Name implements kv.Engine.
func (s *Store) Name() string { return Name }

func (s *Store) checkOpen(op string) error {
	if s.closed.Load() {
		return model.Backend(op, kv.ErrClosed)
	}
	return nil
}

// lookup returns the value for key without copying. We never nest buckets, so a
// matching cursor key is always a stored value.
func lookup(tx *bolt.Tx, space string, key []byte) ([]byte, bool) {
	b := tx.Bucket([]byte(space))
	if b == nil {
		return nil, false
	}
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, false
	}
	return v, true
}

// Get implements kv.Engine.
func (s *Store) Get(ctx context.Context, space string, key []byte) ([]byte, error) {
	const op = "boltstore.Get"
	if err := s.validate(ctx, op, space, key); err != nil {
		return nil, err
	}

	var (
		out   []byte
		found bool
	)
	if err := s.db.View(func(tx *bolt.Tx) error {
		v, ok := lookup(tx, space, key)
		if ok {
			out, found = kv.Clone(v), true
		}
		return nil
	}); err != nil {
		return nil, normalize(op, err)
	}
	if !found {
		return nil, model.NotFound(op, "key %q in space %q", key, space)
	}
	return out, nil
}

// Put implements kv.Engine.
func (s *Store) Put(ctx context.Context, space string, key, value []byte) error {
	return kv.Update(ctx, s, func(tx kv.Txn) error {
		return tx.Put(space, key, value)
	})
}

// Delete implements kv.Engine.
func (s *Store) Delete(ctx context.Context, space string, key []byte) error {
	return kv.Update(ctx, s, func(tx kv.Txn) error {
		return tx.Delete(space, key)
	})
}

// ScanPrefix implements kv.Engine. Each batch of kv.ScanBatchSize items is read in
// its own read transaction.
func (s *Store) ScanPrefix(ctx context.Context, space string, prefix []byte) iter.Seq2[kv.Item, error] {
	const op = "boltstore.ScanPrefix"
	return func(yield func(kv.Item, error) bool) {
		if err := s.checkOpen(op); err != nil {
			yield(kv.Item{}, err)
			return
		}
		if err := kv.ValidateSpace(op, space); err != nil {
			yield(kv.Item{}, err)
			return
		}

		start := kv.Clone(prefix)
		inclusive := true
		for {
			if err := ctx.Err(); err != nil {
				yield(kv.Item{}, err)
				return
			}

			batch, err := s.scanBatch(space, prefix, start, inclusive)
			if err != nil {
				yield(kv.Item{}, normalize(op, err))
				return
			}
			for _, item := range batch {
				if !yield(item, nil) {
					return
				}
			}
			if len(batch) < kv.ScanBatchSize {
				return
			}
			start = batch[len(batch)-1].Key
			inclusive = false
		}
	}
}

func (s *Store) scanBatch(space string, prefix, start []byte, inclusive bool) ([]kv.Item, error) {
	batch := make([]kv.Item, 0, 16)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(space))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !inclusive && bytes.Equal(k, start) {
				continue
			}
			batch = append(batch, kv.Item{Key: kv.Clone(k), Value: kv.Clone(v)})
			if len(batch) == kv.ScanBatchSize {
				break
			}
		}
		return nil
	})
	return batch, err
}

// View implements kv.Engine. Slices handed to fn point into the memory map.
func (s *Store) View(ctx context.Context, fn func(r kv.Reader) error) error {
	const op = "boltstore.View"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return fn(reader{tx: tx})
	})
	// Errors returned by fn itself are passed through unchanged.
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return normalize(op, err)
	}
	return err
}

// Begin implements kv.Engine.
func (s *Store) Begin(ctx context.Context) (kv.Txn, error) {
	const op = "boltstore.Begin"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	if err := s.writer.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.checkOpen(op); err != nil {
		s.writer.Release(1)
		return nil, err
	}

	tx, err := s.db.Begin(true)
	if err != nil {
		s.writer.Release(1)
		return nil, normalize(op, err)
	}
	return &txn{s: s, tx: tx}, nil
}

// Flush implements kv.Engine.
func (s *Store) Flush(ctx context.Context) error {
	const op = "boltstore.Flush"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	return normalize(op, s.db.Sync())
}

// SizeOnDisk implements kv.Engine.
func (s *Store) SizeOnDisk() (int64, error) {
	const op = "boltstore.SizeOnDisk"
	if err := s.checkOpen(op); err != nil {
		return 0, err
	}
	st, err := os.Stat(s.path)
	if err != nil {
		return 0, model.Backend(op, err)
	}
	return st.Size(), nil
}

// Close implements kv.Engine.
func (s *Store) Close() error {
	_ = s.writer.Acquire(context.Background(), 1)
	defer s.writer.Release(1)

	if s.closed.Swap(true) {
		return nil
	}
	return normalize("boltstore.Close", s.db.Close())
}

func (s *Store) validate(ctx context.Context, op, space string, key []byte) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := kv.ValidateSpace(op, space); err != nil {
		return err
	}
	return kv.ValidateKey(op, key)
}

// normalize maps bbolt errors into the model taxonomy.
func normalize(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bolt.ErrTxClosed), errors.Is(err, bolt.ErrTxNotWritable):
		return model.Transaction(op, "%v", err)
	case errors.Is(err, bolt.ErrBucketNameRequired), errors.Is(err, bolt.ErrKeyRequired),
		errors.Is(err, bolt.ErrKeyTooLarge), errors.Is(err, bolt.ErrValueTooLarge):
		return model.InvalidOperation(op, "%v", err)
	default:
		return model.Backend(op, err)
	}
}

type reader struct {
	tx *bolt.Tx
}

func (r reader) Get(space string, key []byte) ([]byte, error) {
	v, ok := lookup(r.tx, space, key)
	if !ok {
		return nil, model.NotFound("boltstore.View.Get", "key %q in space %q", key, space)
	}
	return v, nil
}

func (r reader) ScanPrefix(space string, prefix []byte, fn func(key, value []byte) error) error {
	b := r.tx.Bucket([]byte(space))
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
