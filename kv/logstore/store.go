// Package logstore is the single-writer, log-structured storage backend.
//
// Every space is an in-memory B-tree. Writes are serialized behind one writer lock,
// logged to the write-ahead log and then applied. On open the latest snapshot is
// loaded and the committed tail of the WAL is replayed on top of it. Compact writes
// a new snapshot and truncates the WAL.
package logstore

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
	"github.com/hupe1980/loom/wal"
)

// Name is the backend identifier.
const Name = "logstore"

type entry struct {
	key   []byte
	value []byte
}

func lessEntry(a, b entry) bool { return bytes.Compare(a.key, b.key) < 0 }

// Options configures a Store.
type Options struct {
	// BTreeDegree is the degree of each space's B-tree.
	BTreeDegree int

	// WALOptions are applied after Path is set to the store directory.
	WALOptions []func(o *wal.Options)

	// CompactOnClose writes a snapshot and truncates the WAL on Close.
	CompactOnClose bool

	Logger *slog.Logger
}

// DefaultOptions returns default store options.
var DefaultOptions = Options{
	BTreeDegree:    32,
	CompactOnClose: true,
}

// Store implements kv.Engine.
type Store struct {
	dir    string
	opts   Options
	logger *slog.Logger

	writer *semaphore.Weighted // single writer
	mu     sync.RWMutex        // guards spaces
	spaces map[string]*btree.BTreeG[entry]

	wal    *wal.WAL
	lock   *dirLock
	closed atomic.Bool
}

var _ kv.Engine = (*Store)(nil)

// Open opens or creates a store in dir.
func Open(dir string, optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BTreeDegree < 2 {
		opts.BTreeDegree = DefaultOptions.BTreeDegree
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, model.Backend("logstore.Open", err)
	}
	lock, err := lockDir(dir)
	if err != nil {
		return nil, model.Backend("logstore.Open", err)
	}

	s := &Store{
		dir:    dir,
		opts:   opts,
		logger: opts.Logger.With("backend", Name, "dir", dir),
		writer: semaphore.NewWeighted(1),
		lock:   lock,
	}

	s.spaces, err = readSnapshot(dir, s.newTree)
	if err != nil {
		_ = lock.release()
		return nil, model.Backend("logstore.Open", err)
	}

	walOpts := append([]func(o *wal.Options){func(o *wal.Options) { o.Path = dir }}, opts.WALOptions...)
	s.wal, err = wal.New(walOpts...)
	if err != nil {
		_ = lock.release()
		return nil, model.Backend("logstore.Open", err)
	}

	replayed := 0
	if err := s.wal.ReplayCommitted(func(b wal.Batch) error {
		s.apply(b.Ops)
		replayed++
		return nil
	}); err != nil {
		_ = s.wal.Close()
		_ = lock.release()
		return nil, model.Backend("logstore.Open", err)
	}
	if replayed > 0 {
		s.logger.Info("replayed write-ahead log", "transactions", replayed)
	}

	return s, nil
}

func (s *Store) newTree() *btree.BTreeG[entry] {
	return btree.NewG(s.opts.BTreeDegree, lessEntry)
}

// Name implements kv.Engine.
func (s *Store) Name() string { return Name }

func (s *Store) checkOpen(op string) error {
	if s.closed.Load() {
		return model.Backend(op, kv.ErrClosed)
	}
	return nil
}

// apply mutates the in-memory trees. Caller must not hold s.mu.
func (s *Store) apply(ops []wal.Op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		tree, ok := s.spaces[op.Space]
		switch op.Type {
		case wal.OpPut:
			if !ok {
				tree = s.newTree()
				s.spaces[op.Space] = tree
			}
			tree.ReplaceOrInsert(entry{key: op.Key, value: op.Value})
		case wal.OpDelete:
			if ok {
				tree.Delete(entry{key: op.Key})
			}
		}
	}
}

// getLocked returns the stored value without copying. Caller must hold s.mu.
func (s *Store) getLocked(space string, key []byte) ([]byte, bool) {
	tree, ok := s.spaces[space]
	if !ok {
		return nil, false
	}
	e, ok := tree.Get(entry{key: key})
	return e.value, ok
}

// Get implements kv.Engine.
func (s *Store) Get(ctx context.Context, space string, key []byte) ([]byte, error) {
	const op = "logstore.Get"
	if err := s.validate(ctx, op, space, key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	v, ok := s.getLocked(space, key)
	s.mu.RUnlock()
	if !ok {
		return nil, model.NotFound(op, "key %q in space %q", key, space)
	}
	return kv.Clone(v), nil
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

// ScanPrefix implements kv.Engine. Items are read in batches of kv.ScanBatchSize;
// the read lock is only held while a batch is copied.
func (s *Store) ScanPrefix(ctx context.Context, space string, prefix []byte) iter.Seq2[kv.Item, error] {
	const op = "logstore.ScanPrefix"
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

			batch := s.scanBatch(space, prefix, start, inclusive)
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

func (s *Store) scanBatch(space string, prefix, start []byte, inclusive bool) []kv.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tree, ok := s.spaces[space]
	if !ok {
		return nil
	}

	batch := make([]kv.Item, 0, 16)
	tree.AscendGreaterOrEqual(entry{key: start}, func(e entry) bool {
		if !bytes.HasPrefix(e.key, prefix) {
			return false
		}
		if !inclusive && bytes.Equal(e.key, start) {
			return true
		}
		batch = append(batch, kv.Item{Key: kv.Clone(e.key), Value: kv.Clone(e.value)})
		return len(batch) < kv.ScanBatchSize
	})
	return batch
}

// View implements kv.Engine. Writers wait until fn returns.
func (s *Store) View(ctx context.Context, fn func(r kv.Reader) error) error {
	const op = "logstore.View"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(reader{s: s})
}

// Begin implements kv.Engine.
func (s *Store) Begin(ctx context.Context) (kv.Txn, error) {
	const op = "logstore.Begin"
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
	return &txn{s: s, pending: map[string]map[string]*[]byte{}}, nil
}

// Flush implements kv.Engine.
func (s *Store) Flush(ctx context.Context) error {
	const op = "logstore.Flush"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	return model.Backend(op, s.wal.Sync())
}

// Compact writes a snapshot of every space and truncates the WAL.
func (s *Store) Compact(ctx context.Context) error {
	const op = "logstore.Compact"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if err := s.writer.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer s.writer.Release(1)
	return s.compactHeld(op)
}

// compactHeld requires the writer lock.
func (s *Store) compactHeld(op string) error {
	s.mu.RLock()
	err := writeSnapshot(s.dir, s.spaces)
	s.mu.RUnlock()
	if err != nil {
		return model.Backend(op, err)
	}
	if err := s.wal.Checkpoint(); err != nil {
		return model.Backend(op, err)
	}
	s.logger.Debug("compacted store")
	return nil
}

// SizeOnDisk implements kv.Engine.
func (s *Store) SizeOnDisk() (int64, error) {
	const op = "logstore.SizeOnDisk"
	if err := s.checkOpen(op); err != nil {
		return 0, err
	}
	walSize, err := s.wal.Size()
	if err != nil {
		return 0, model.Backend(op, err)
	}
	return walSize + snapshotSize(s.dir), nil
}

// Close implements kv.Engine.
func (s *Store) Close() error {
	const op = "logstore.Close"
	// Wait for an in-flight writer before shutting down.
	_ = s.writer.Acquire(context.Background(), 1)
	defer s.writer.Release(1)

	if s.closed.Swap(true) {
		return nil
	}

	var firstErr error
	if s.opts.CompactOnClose {
		if err := s.compactHeld(op); err != nil {
			firstErr = err
		}
	}
	if err := s.wal.Close(); err != nil && firstErr == nil {
		firstErr = model.Backend(op, err)
	}
	if err := s.lock.release(); err != nil && firstErr == nil {
		firstErr = model.Backend(op, err)
	}
	return firstErr
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

type reader struct {
	s *Store
}

func (r reader) Get(space string, key []byte) ([]byte, error) {
	v, ok := r.s.getLocked(space, key)
	if !ok {
		return nil, model.NotFound("logstore.View.Get", "key %q in space %q", key, space)
	}
	return v, nil
}

func (r reader) ScanPrefix(space string, prefix []byte, fn func(key, value []byte) error) error {
	tree, ok := r.s.spaces[space]
	if !ok {
		return nil
	}
	var err error
	tree.AscendGreaterOrEqual(entry{key: prefix}, func(e entry) bool {
		if !bytes.HasPrefix(e.key, prefix) {
			return false
		}
		err = fn(e.key, e.value)
		return err == nil
	})
	return err
}
