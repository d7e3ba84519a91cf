package kvtest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loom/kv/boltstore"
	"github.com/hupe1980/loom/kv/kvtest"
	"github.com/hupe1980/loom/kv/logstore"
)

func TestBackendParity(t *testing.T) {
	ls, err := logstore.Open(t.TempDir())
	require.NoError(t, err)
	defer ls.Close()

	bs, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	defer bs.Close()

	want := kvtest.Trace(t, ls)
	got := kvtest.Trace(t, bs)

	require.NotEmpty(t, want)
	assert.Equal(t, want, got)
}
