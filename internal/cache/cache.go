package cache

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"github.com/alexhholmes/crabtree/internal/base"
)

const (
	MinCacheSize = 16 // Minimum: hold tree path + concurrent ops
)

// Cache is a bounded LRU of clean decoded nodes. Dirty nodes never live
// here; a node enters the cache when it is read from disk or made durable by
// a checkpoint.
type Cache struct {
	lru *freelru.SyncedLRU[base.PageID, *base.Node]

	// Stats
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

func hashPageID(id base.PageID) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return uint32(xxhash.Sum64(buf[:]))
}

// NewCache creates a new node cache with the specified maximum size
func NewCache(maxSize int) (*Cache, error) {
	maxSize = max(maxSize, MinCacheSize)
	lru, err := freelru.NewSynced[base.PageID, *base.Node](uint32(maxSize), hashPageID)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: lru}, nil
}

// Put adds a node to the cache, replacing any existing entry for the id.
func (c *Cache) Put(id base.PageID, node *base.Node) {
	if c.lru.Add(id, node) {
		c.evictions.Add(1)
	}
}

// Get retrieves a node from the cache.
// Returns (Node, true) on cache hit, (nil, false) on miss.
func (c *Cache) Get(id base.PageID) (*base.Node, bool) {
	node, ok := c.lru.Get(id)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return node, ok
}

// Delete removes a page from the cache.
func (c *Cache) Delete(id base.PageID) {
	c.lru.Remove(id)
}

// Size returns current number of cached entries
func (c *Cache) Size() int {
	return c.lru.Len()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.lru.Len(),
	}
}
