package resource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Workers(t *testing.T) {
	c := NewController(Config{MaxWorkers: 2})
	assert.Equal(t, int64(2), c.MaxWorkers())

	require.NoError(t, c.AcquireWorker(t.Context()))
	require.NoError(t, c.AcquireWorker(t.Context()))
	assert.Equal(t, int64(2), c.Running())

	assert.False(t, c.TryAcquireWorker())

	c.ReleaseWorker()
	assert.Equal(t, int64(1), c.Running())

	assert.True(t, c.TryAcquireWorker())
}

func TestController_AcquireWorkerHonorsContext(t *testing.T) {
	c := NewController(Config{MaxWorkers: 1})
	require.NoError(t, c.AcquireWorker(t.Context()))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireWorker(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(1), c.Running())
}

func TestController_DefaultsToOneWorker(t *testing.T) {
	c := NewController(Config{})
	assert.Equal(t, int64(1), c.MaxWorkers())
	assert.True(t, c.TryAcquireWorker())
	assert.False(t, c.TryAcquireWorker())
}

func TestController_WaitTask(t *testing.T) {
	c := NewController(Config{TasksPerSecond: 1000, TaskBurst: 2})
	require.NoError(t, c.WaitTask(t.Context()))
	require.NoError(t, c.WaitTask(t.Context()))

	slow := NewController(Config{TasksPerSecond: 0.001})
	require.NoError(t, slow.WaitTask(t.Context()))
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, slow.WaitTask(ctx))
}

func TestController_NilSafe(t *testing.T) {
	var c *Controller

	assert.NoError(t, c.AcquireWorker(context.Background()))
	assert.True(t, c.TryAcquireWorker())
	c.ReleaseWorker()
	assert.Equal(t, int64(0), c.Running())
	assert.Equal(t, int64(0), c.MaxWorkers())

	assert.NoError(t, c.WaitTask(context.Background()))
	assert.NoError(t, c.AcquireIO(context.Background(), 100))
	assert.True(t, c.TryAcquireIO(100))
}

func TestController_AcquireIOLargerThanBurst(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	require.NoError(t, c.AcquireIO(t.Context(), 1<<20+10))
}

func TestRateLimitedWriter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 10000})

	var buf bytes.Buffer
	w := NewRateLimitedWriter(t.Context(), &buf, c)

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", buf.String())
}

func TestRateLimitedReader(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 10000})

	r := NewRateLimitedReader(t.Context(), bytes.NewReader([]byte("hello world")), c)

	buf := make([]byte, 5)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestRateLimitedReader_ContextCanceled(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRateLimitedReader(ctx, bytes.NewReader([]byte("hello world")), c)

	_, err := r.Read(make([]byte, 1000))
	assert.Error(t, err)
}
