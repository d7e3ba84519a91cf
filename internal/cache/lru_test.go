package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRU_Eviction(t *testing.T) {
	c := New[string, int](2)
	c.Add("a", 1)
	c.Add("b", 2)

	// Touch a so b becomes the eviction candidate.
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.Add("c", 3)
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Evictions)
}

func TestLRU_UpdateAndRemove(t *testing.T) {
	c := New[string, int](4)
	c.Add("a", 1)
	c.Add("a", 5)
	assert.Equal(t, 1, c.Len())

	v, _ := c.Get("a")
	assert.Equal(t, 5, v)

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Equal(t, 0, c.Len())
}

func TestLRU_Invalidate(t *testing.T) {
	c := New[string, int](8)
	for i, k := range []string{"msg_1", "msg_2", "ent_1"} {
		c.Add(k, i)
	}

	c.Invalidate(func(key string) bool { return strings.HasPrefix(key, "msg_") })
	assert.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestLRU_Disabled(t *testing.T) {
	c := New[string, int](0)
	c.Add("a", 1)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
