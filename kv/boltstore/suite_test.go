package boltstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/kv/boltstore"
	"github.com/hupe1980/loom/kv/kvtest"
)

func TestSuite(t *testing.T) {
	kvtest.RunSuite(t, func(t *testing.T) kv.Engine {
		s, err := boltstore.Open(t.TempDir())
		require.NoError(t, err)
		return s
	})
}
