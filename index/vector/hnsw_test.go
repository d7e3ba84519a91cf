package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loom/testutil"
)

func keysOf(results []Result) []uint32 {
	out := make([]uint32, len(results))
	for i, r := range results {
		out[i] = r.Key
	}
	return out
}

func TestRecall(t *testing.T) {
	for _, metric := range []Metric{Cosine, Euclidean} {
		t.Run(metric.String(), func(t *testing.T) {
			rng := testutil.NewRNG(4711)
			data := rng.UniformRangeVectors(1000, 32)

			h := New(32, func(o *Options) { o.Metric = metric })
			for i, v := range data {
				require.NoError(t, h.Insert(uint32(i), v))
			}
			assert.Equal(t, 1000, h.Len())

			all := make([]uint32, len(data))
			for i := range all {
				all[i] = uint32(i)
			}

			const k = 10
			var recall float64
			queries := rng.UniformRangeVectors(50, 32)
			for _, q := range queries {
				got, err := h.Search(q, k, nil)
				require.NoError(t, err)
				require.Len(t, got, k)

				want, err := h.BruteSearch(q, k, all)
				require.NoError(t, err)

				recall += testutil.ComputeRecall(keysOf(got), keysOf(want))
			}
			recall /= float64(len(queries))
			assert.GreaterOrEqual(t, recall, 0.95)
		})
	}
}

func TestSearchOrdering(t *testing.T) {
	h := New(2)
	require.NoError(t, h.Insert(1, []float32{1, 0}))
	require.NoError(t, h.Insert(2, []float32{0, 1}))
	require.NoError(t, h.Insert(3, []float32{1, 1}))
	require.NoError(t, h.Insert(4, []float32{2, 0})) // same direction as 1

	res, err := h.Search([]float32{1, 0}, 4, nil)
	require.NoError(t, err)
	require.Len(t, res, 4)

	assert.Equal(t, []uint32{1, 4, 3, 2}, keysOf(res))
	assert.InDelta(t, 1.0, res[0].Similarity, 1e-6)
	for i := 1; i < len(res); i++ {
		assert.LessOrEqual(t, res[i].Similarity, res[i-1].Similarity)
	}
}

func TestSearchWithFilter(t *testing.T) {
	rng := testutil.NewRNG(1)
	h := New(16)
	for i, v := range rng.UniformRangeVectors(300, 16) {
		require.NoError(t, h.Insert(uint32(i), v))
	}

	allow := func(key uint32) bool { return key%50 == 0 }
	res, err := h.Search(rng.UniformRangeVectors(1, 16)[0], 10, allow)
	require.NoError(t, err)
	// Only 6 keys pass; the beam widens until all are found.
	assert.Len(t, res, 6)
	for _, r := range res {
		assert.True(t, allow(r.Key))
	}
}

func TestDeleteAndReinsert(t *testing.T) {
	h := New(2)
	require.NoError(t, h.Insert(1, []float32{1, 0}))
	require.NoError(t, h.Insert(2, []float32{0, 1}))

	assert.True(t, h.Delete(1))
	assert.False(t, h.Delete(1))
	assert.False(t, h.Contains(1))

	res, err := h.Search([]float32{1, 0}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, keysOf(res))

	// Replacing a key keeps one live entry.
	require.NoError(t, h.Insert(2, []float32{1, 0}))
	assert.Equal(t, 1, h.Len())
	res, err = h.Search([]float32{1, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.InDelta(t, 1.0, res[0].Similarity, 1e-6)
}

func TestCompact(t *testing.T) {
	rng := testutil.NewRNG(99)
	data := rng.UniformRangeVectors(200, 16)

	h := New(16, func(o *Options) { o.CompactRatio = 0 })
	for i, v := range data {
		require.NoError(t, h.Insert(uint32(i), v))
	}
	for i := 0; i < 150; i++ {
		require.True(t, h.Delete(uint32(i)))
	}
	// Replacing live keys leaves tombstones too.
	for i := 150; i < 160; i++ {
		require.NoError(t, h.Insert(uint32(i), data[i]))
	}
	assert.Equal(t, 160, h.Stats().Tombstones)

	assert.Equal(t, 160, h.Compact())
	s := h.Stats()
	assert.Equal(t, 50, s.Live)
	assert.Equal(t, 0, s.Tombstones)
	assert.Equal(t, 50, s.Levels[0])
	assert.Equal(t, 0, h.Compact())

	live := make([]uint32, 0, 50)
	for i := 150; i < 200; i++ {
		live = append(live, uint32(i))
	}
	for _, q := range rng.UniformRangeVectors(10, 16) {
		got, err := h.Search(q, 5, nil)
		require.NoError(t, err)
		want, err := h.BruteSearch(q, 5, live)
		require.NoError(t, err)
		assert.Equal(t, keysOf(want), keysOf(got))
	}
}

func TestAutoCompact(t *testing.T) {
	rng := testutil.NewRNG(5)
	h := New(8, func(o *Options) {
		o.CompactRatio = 0.5
		o.CompactMin = 10
	})
	for i, v := range rng.UniformRangeVectors(40, 8) {
		require.NoError(t, h.Insert(uint32(i), v))
	}
	for i := 0; i < 20; i++ {
		h.Delete(uint32(i))
	}
	assert.Equal(t, 20, h.Stats().Tombstones)

	// The 21st tombstone crosses half of the graph.
	h.Delete(20)
	s := h.Stats()
	assert.Equal(t, 19, s.Live)
	assert.Equal(t, 0, s.Tombstones)
	assert.False(t, h.Contains(20))
	assert.True(t, h.Contains(39))
}

func TestInsertErrors(t *testing.T) {
	h := New(0)
	require.NoError(t, h.Insert(1, []float32{1, 2, 3}))
	assert.Equal(t, 3, h.Dimension())

	var dimErr *ErrDimensionMismatch
	assert.ErrorAs(t, h.Insert(2, []float32{1}), &dimErr)
	assert.ErrorIs(t, h.Insert(3, []float32{0, 0, 0}), ErrZeroVector)

	_, err := h.Search([]float32{1}, 1, nil)
	assert.ErrorAs(t, err, &dimErr)

	h.Reset(false)
	assert.Equal(t, 0, h.Dimension())
	res, err := h.Search([]float32{1, 2}, 3, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestStats(t *testing.T) {
	h := New(4)
	assert.Equal(t, Stats{Dimension: 4}, h.Stats())

	rng := testutil.NewRNG(7)
	for i, v := range rng.UniformRangeVectors(100, 4) {
		require.NoError(t, h.Insert(uint32(i), v))
	}
	h.Delete(3)

	s := h.Stats()
	assert.Equal(t, 99, s.Live)
	assert.Equal(t, 1, s.Tombstones)
	assert.Equal(t, 100, s.Levels[0])
	assert.Greater(t, s.AvgLinks[0], 1.0)
}
