// Package kvtest is the behavior suite every kv.Engine must pass.
//
// Backends call RunSuite from their own tests. Trace replays a fixed workload and
// records every observable outcome so that two backends can be compared line by
// line.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
)

// Opener returns a fresh, empty engine. The suite closes it.
type Opener func(t *testing.T) kv.Engine

// RunSuite runs the engine contract tests against engines produced by open.
func RunSuite(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e kv.Engine)
	}{
		{"PutGet", testPutGet},
		{"Overwrite", testOverwrite},
		{"GetMissing", testGetMissing},
		{"Delete", testDelete},
		{"InvalidArguments", testInvalidArguments},
		{"SpacesAreIsolated", testSpacesAreIsolated},
		{"ScanPrefixOrder", testScanPrefixOrder},
		{"ScanPrefixEarlyStop", testScanPrefixEarlyStop},
		{"ScanPrefixOwnsItems", testScanPrefixOwnsItems},
		{"TxnReadsOwnWrites", testTxnReadsOwnWrites},
		{"TxnAbortDiscards", testTxnAbortDiscards},
		{"TxnFinished", testTxnFinished},
		{"UpdateRollsBackOnError", testUpdateRollsBackOnError},
		{"View", testView},
		{"ConcurrentReaders", testConcurrentReaders},
		{"FlushAndSize", testFlushAndSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := open(t)
			defer e.Close()
			tt.fn(t, e)
		})
	}

	t.Run("Closed", func(t *testing.T) {
		e := open(t)
		require.NoError(t, e.Close())
		testClosed(t, e)
	})
}

func testPutGet(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, "nodes", []byte("n/1"), []byte("hello")))

	v, err := e.Get(ctx, "nodes", []byte("n/1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)

	// Binary keys, including 0x00 and 0xff bytes.
	key := []byte{0x00, 0xff, 0x10}
	require.NoError(t, e.Put(ctx, "nodes", key, []byte{1}))
	v, err = e.Get(ctx, "nodes", key)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, v)
}

func testOverwrite(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, "nodes", []byte("k"), []byte("v1")))
	require.NoError(t, e.Put(ctx, "nodes", []byte("k"), []byte("v2")))

	v, err := e.Get(ctx, "nodes", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func testGetMissing(t *testing.T, e kv.Engine) {
	ctx := context.Background()

	_, err := e.Get(ctx, "nodes", []byte("missing"))
	assert.True(t, model.IsNotFound(err))

	_, err = e.Get(ctx, "never-created", []byte("missing"))
	assert.True(t, model.IsNotFound(err))
}

func testDelete(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, "nodes", []byte("k"), []byte("v")))
	require.NoError(t, e.Delete(ctx, "nodes", []byte("k")))

	_, err := e.Get(ctx, "nodes", []byte("k"))
	assert.True(t, model.IsNotFound(err))

	err = e.Delete(ctx, "nodes", []byte("k"))
	assert.True(t, model.IsNotFound(err))
}

func testInvalidArguments(t *testing.T, e kv.Engine) {
	ctx := context.Background()

	assert.ErrorIs(t, e.Put(ctx, "nodes", nil, []byte("v")), model.ErrInvalidOperation)
	assert.ErrorIs(t, e.Put(ctx, "", []byte("k"), []byte("v")), model.ErrInvalidOperation)

	_, err := e.Get(ctx, "nodes", []byte{})
	assert.ErrorIs(t, err, model.ErrInvalidOperation)

	_, err = kv.Collect(e.ScanPrefix(ctx, "", nil))
	assert.ErrorIs(t, err, model.ErrInvalidOperation)
}

func testSpacesAreIsolated(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, "a", []byte("k"), []byte("in-a")))
	require.NoError(t, e.Put(ctx, "b", []byte("k"), []byte("in-b")))

	va, err := e.Get(ctx, "a", []byte("k"))
	require.NoError(t, err)
	vb, err := e.Get(ctx, "b", []byte("k"))
	require.NoError(t, err)

	assert.Equal(t, []byte("in-a"), va)
	assert.Equal(t, []byte("in-b"), vb)
}

func testScanPrefixOrder(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	keys := []string{"o/b/2", "o/a/1", "o/b/1", "o/", "p/x", "n/y", "o/a/0"}
	for _, k := range keys {
		require.NoError(t, e.Put(ctx, "edges", []byte(k), []byte(k)))
	}

	items, err := kv.Collect(e.ScanPrefix(ctx, "edges", []byte("o/")))
	require.NoError(t, err)

	var got []string
	for _, it := range items {
		got = append(got, string(it.Key))
		assert.Equal(t, it.Key, it.Value)
	}
	assert.Equal(t, []string{"o/", "o/a/0", "o/a/1", "o/b/1", "o/b/2"}, got)

	items, err = kv.Collect(e.ScanPrefix(ctx, "edges", []byte("o/b/")))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = kv.Collect(e.ScanPrefix(ctx, "edges", nil))
	require.NoError(t, err)
	assert.Len(t, items, len(keys))

	items, err = kv.Collect(e.ScanPrefix(ctx, "empty", []byte("o/")))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func testScanPrefixEarlyStop(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Put(ctx, "nodes", []byte(fmt.Sprintf("k/%02d", i)), []byte("v")))
	}

	n := 0
	for _, err := range e.ScanPrefix(ctx, "nodes", []byte("k/")) {
		require.NoError(t, err)
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, 5, n)

	// A stopped scan must not keep the writer out.
	require.NoError(t, e.Put(ctx, "nodes", []byte("k/99"), []byte("v")))
}

func testScanPrefixOwnsItems(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, "nodes", []byte("k"), []byte("value")))

	items, err := kv.Collect(e.ScanPrefix(ctx, "nodes", []byte("k")))
	require.NoError(t, err)
	require.Len(t, items, 1)

	items[0].Value[0] = 'X'
	v, err := e.Get(ctx, "nodes", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), v)
}

func testTxnReadsOwnWrites(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, "nodes", []byte("old"), []byte("v")))

	tx, err := e.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, tx.Put("nodes", []byte("new"), []byte("v")))
	v, err := tx.Get("nodes", []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, tx.Delete("nodes", []byte("old")))
	_, err = tx.Get("nodes", []byte("old"))
	assert.True(t, model.IsNotFound(err))

	require.NoError(t, tx.Commit())

	_, err = e.Get(ctx, "nodes", []byte("old"))
	assert.True(t, model.IsNotFound(err))
	_, err = e.Get(ctx, "nodes", []byte("new"))
	assert.NoError(t, err)
}

func testTxnAbortDiscards(t *testing.T, e kv.Engine) {
	ctx := context.Background()

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put("nodes", []byte("k"), []byte("v")))
	require.NoError(t, tx.Abort())

	_, err = e.Get(ctx, "nodes", []byte("k"))
	assert.True(t, model.IsNotFound(err))
}

func testTxnFinished(t *testing.T, e kv.Engine) {
	ctx := context.Background()

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.ErrorIs(t, tx.Put("nodes", []byte("k"), []byte("v")), model.ErrTransaction)
	assert.ErrorIs(t, tx.Commit(), model.ErrTransaction)
	assert.ErrorIs(t, tx.Abort(), model.ErrTransaction)
}

func testUpdateRollsBackOnError(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := kv.Update(ctx, e, func(tx kv.Txn) error {
		if err := tx.Put("nodes", []byte("a"), []byte("1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = e.Get(ctx, "nodes", []byte("a"))
	assert.True(t, model.IsNotFound(err))

	// The writer slot was released.
	require.NoError(t, e.Put(ctx, "nodes", []byte("b"), []byte("2")))
}

func testView(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, "nodes", []byte("n/1"), []byte("a")))
	require.NoError(t, e.Put(ctx, "nodes", []byte("n/2"), []byte("b")))

	var seen []string
	err := e.View(ctx, func(r kv.Reader) error {
		v, err := r.Get("nodes", []byte("n/1"))
		if err != nil {
			return err
		}
		seen = append(seen, string(v))

		if _, err := r.Get("nodes", []byte("n/3")); !model.IsNotFound(err) {
			return fmt.Errorf("expected not found, got %v", err)
		}

		return r.ScanPrefix("nodes", []byte("n/"), func(key, value []byte) error {
			seen = append(seen, string(key)+"="+string(value))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "n/1=a", "n/2=b"}, seen)

	stop := errors.New("stop")
	err = e.View(ctx, func(r kv.Reader) error {
		return r.ScanPrefix("nodes", nil, func(key, value []byte) error { return stop })
	})
	assert.ErrorIs(t, err, stop)
}

func testConcurrentReaders(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, e.Put(ctx, "nodes", []byte(fmt.Sprintf("k/%02d", i)), []byte("v")))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			items, err := kv.Collect(e.ScanPrefix(ctx, "nodes", []byte("k/")))
			if err == nil && len(items) < 20 {
				err = fmt.Errorf("scan saw %d items", len(items))
			}
			if err != nil {
				errs <- err
			}
		}()
		go func(i int) {
			defer wg.Done()
			if err := e.Put(ctx, "other", []byte(fmt.Sprintf("w/%d", i)), []byte("v")); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func testFlushAndSize(t *testing.T, e kv.Engine) {
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, "nodes", []byte("k"), make([]byte, 4096)))
	require.NoError(t, e.Flush(ctx))

	size, err := e.SizeOnDisk()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func testClosed(t *testing.T, e kv.Engine) {
	ctx := context.Background()

	_, err := e.Get(ctx, "nodes", []byte("k"))
	assert.ErrorIs(t, err, model.ErrBackend)
	assert.ErrorIs(t, err, kv.ErrClosed)

	assert.ErrorIs(t, e.Put(ctx, "nodes", []byte("k"), []byte("v")), model.ErrBackend)

	_, err = e.Begin(ctx)
	assert.ErrorIs(t, err, model.ErrBackend)

	_, err = kv.Collect(e.ScanPrefix(ctx, "nodes", nil))
	assert.ErrorIs(t, err, model.ErrBackend)

	assert.NoError(t, e.Close())
}
