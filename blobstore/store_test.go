package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"local":  func(t *testing.T) Store { return NewLocalStore(t.TempDir()) },
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newStore(t)) })
			t.Run("Abort", func(t *testing.T) { testAbort(t, newStore(t)) })
			t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
		})
	}
}

func testLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	data := []byte("hello world, this is a test blob for loom")

	w, err := s.Create(ctx, "backups/data-001.bin")
	require.NoError(t, err)
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	b, err := s.Open(ctx, "backups/data-001.bin")
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, int64(len(data)), b.Size())

	buf := make([]byte, 5)
	n, err = b.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))

	r, err := b.ReadRange(ctx, 13, 4)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "this", string(got))

	all, err := ReadAll(ctx, s, "backups/data-001.bin")
	require.NoError(t, err)
	assert.Equal(t, data, all)

	require.NoError(t, s.Delete(ctx, "backups/data-001.bin"))
	require.NoError(t, s.Delete(ctx, "backups/data-001.bin"))
	_, err = s.Open(ctx, "backups/data-001.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testAbort(t *testing.T, s Store) {
	ctx := context.Background()

	w, err := s.Create(ctx, "partial.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte("half"))
	require.NoError(t, err)
	require.NoError(t, Abort(ctx, w))

	_, err = s.Open(ctx, "partial.bin")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func testList(t *testing.T, s Store) {
	ctx := context.Background()
	for _, name := range []string{"b/2", "a/1", "b/1", "c"} {
		require.NoError(t, s.Put(ctx, name, []byte(name)))
	}

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "b/1", "b/2", "c"}, names)

	names, err = s.List(ctx, "b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/1", "b/2"}, names)

	empty, err := s.Open(ctx, "c")
	require.NoError(t, err)
	defer empty.Close()
	r, err := NewReader(ctx, empty)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "c", string(got))
}

func TestLocalStoreRejectsEscapingNames(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	for _, name := range []string{"", "../outside", "/abs"} {
		_, err := s.Create(ctx, name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestLocalStoreCreatesOnClose(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)

	w, err := s.Create(context.Background(), "x.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "x.bin"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, w.Close())
	_, err = os.Stat(filepath.Join(dir, "x.bin"))
	assert.NoError(t, err)
	assert.Error(t, w.Close())
}

func TestLocalStoreListMissingRoot(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "missing"))
	names, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}
