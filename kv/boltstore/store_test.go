package boltstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
)

func TestStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "nodes", []byte("n/1"), []byte("one")))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(ctx, "nodes", []byte("n/1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)
}

func TestStoreEmptyValueExists(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "idx", []byte("k"), nil))

	v, err := s.Get(ctx, "idx", []byte("k"))
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.Delete(ctx, "idx", []byte("k")))
	_, err = s.Get(ctx, "idx", []byte("k"))
	assert.True(t, model.IsNotFound(err))
}

func TestNormalize(t *testing.T) {
	assert.NoError(t, normalize("op", nil))
	assert.ErrorIs(t, normalize("op", kv.ErrClosed), model.ErrBackend)
}
