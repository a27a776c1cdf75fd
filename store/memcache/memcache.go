// Package memcache provides the bounded in-memory cache of decoded tiles.
// It is purely derivative state: entries are rebuilt from the tile store or
// the network on demand and the whole cache can be dropped at any time.
package memcache

import (
	"image"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a fixed-capacity LRU of decoded tile images. Access on Get or
// Put refreshes recency; insertion beyond capacity evicts the
// least-recently-used entry. Safe for concurrent use from the render path
// and the cache-fill path.
type Cache[K comparable] struct {
	lru *lru.Cache[K, image.Image]
}

// New creates a cache holding at most capacity decoded tiles.
func New[K comparable](capacity int) (*Cache[K], error) {
	c, err := lru.New[K, image.Image](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache[K]{lru: c}, nil
}

// Get returns the cached image for a key and marks it recently used.
func (c *Cache[K]) Get(key K) (image.Image, bool) {
	return c.lru.Get(key)
}

// Put inserts or refreshes an entry, evicting the least-recently-used
// entry when over capacity.
func (c *Cache[K]) Put(key K, img image.Image) {
	c.lru.Add(key, img)
}

// Peek returns the cached image for a key without refreshing recency.
// Read-side helpers that must not disturb eviction ordering use this
// instead of Get.
func (c *Cache[K]) Peek(key K) (image.Image, bool) {
	return c.lru.Peek(key)
}

// Contains reports presence without refreshing recency.
func (c *Cache[K]) Contains(key K) bool {
	return c.lru.Contains(key)
}

// Remove drops a single entry.
func (c *Cache[K]) Remove(key K) {
	c.lru.Remove(key)
}

// Purge drops every entry, used when the tileserver changes.
func (c *Cache[K]) Purge() {
	c.lru.Purge()
}

// Resize changes the capacity, evicting oldest entries if shrinking.
func (c *Cache[K]) Resize(capacity int) {
	c.lru.Resize(capacity)
}

// Len returns the current number of cached entries.
func (c *Cache[K]) Len() int {
	return c.lru.Len()
}
