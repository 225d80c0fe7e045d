package cache

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/crabtree/internal/base"
)

var _ = flag.Bool("slow", false, "run slow tests")

// Helper to create a test Node
func makeTestNode(id base.PageID) *base.Node {
	return &base.Node{ID: id, Leaf: true}
}

func TestCacheBasics(t *testing.T) {
	t.Parallel()

	c, err := NewCache(10)
	require.NoError(t, err)

	_, hit := c.Get(1)
	assert.False(t, hit, "Expected cache miss for Page 1")

	node1 := makeTestNode(1)
	c.Put(1, node1)

	retrieved, hit := c.Get(1)
	assert.True(t, hit, "Expected cache hit for Page 1")
	assert.Same(t, node1, retrieved)
	assert.Equal(t, 1, c.Size())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCacheReplaceAndDelete(t *testing.T) {
	t.Parallel()

	c, err := NewCache(10)
	require.NoError(t, err)

	c.Put(1, makeTestNode(1))
	replacement := makeTestNode(1)
	replacement.Generation = 5
	c.Put(1, replacement)

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, base.Generation(5), got.Generation)
	assert.Equal(t, 1, c.Size())

	c.Delete(1)
	_, ok = c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestCacheBounded(t *testing.T) {
	t.Parallel()

	c, err := NewCache(MinCacheSize)
	require.NoError(t, err)

	for i := 0; i < 10*MinCacheSize; i++ {
		c.Put(base.PageID(i), makeTestNode(base.PageID(i)))
	}
	assert.LessOrEqual(t, c.Size(), MinCacheSize)

	// Most recent insert survives eviction.
	_, ok := c.Get(base.PageID(10*MinCacheSize - 1))
	assert.True(t, ok)
}
