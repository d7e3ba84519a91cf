package logstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/kv/kvtest"
	"github.com/hupe1980/loom/kv/logstore"
	"github.com/hupe1980/loom/wal"
)

func TestSuite(t *testing.T) {
	kvtest.RunSuite(t, func(t *testing.T) kv.Engine {
		s, err := logstore.Open(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestSuiteCompressedSyncWAL(t *testing.T) {
	kvtest.RunSuite(t, func(t *testing.T) kv.Engine {
		s, err := logstore.Open(t.TempDir(), func(o *logstore.Options) {
			o.WALOptions = []func(o *wal.Options){func(o *wal.Options) {
				o.Compress = true
				o.DurabilityMode = wal.DurabilitySync
			}}
		})
		require.NoError(t, err)
		return s
	})
}
