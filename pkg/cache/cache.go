// Package cache provides per-batch memoization of frame refinement
// results. The cache is in-memory, unbounded within a batch, and never
// durable across runs; it exists so re-dispatched frames skip the
// refinement engine entirely.
package cache

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/materialsio/peakflow/pkg/dataset"
)

// Key fingerprints one frame's computation. The fingerprint always
// covers the full processing context: frames processed under different
// recipe parameters must never collide.
type Key uint64

// NewKey builds a key from the frame's file path, the sample identifier,
// the global frame index, and the recipe's parameter signature.
func NewKey(path, sample string, frameIndex int, paramSignature string) Key {
	h := xxhash.New()
	var sep = []byte{0}
	_, _ = h.WriteString(path)
	_, _ = h.Write(sep)
	_, _ = h.WriteString(sample)
	_, _ = h.Write(sep)

	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], uint64(frameIndex))
	_, _ = h.Write(idx[:])
	_, _ = h.Write(sep)
	_, _ = h.WriteString(paramSignature)
	return Key(h.Sum64())
}

// Result is one frame's cached output: per-peak measurement rows,
// indexed [peak][azimuth slice].
type Result struct {
	FrameNumber int32
	Rows        [][]dataset.Row
}

// Valid reports whether the entry matches the expected shape. A stale
// or corrupted entry fails this check and is treated as a miss.
func (r Result) Valid(peaks, azimuths int) bool {
	if len(r.Rows) != peaks {
		return false
	}
	for _, rows := range r.Rows {
		if len(rows) > azimuths {
			return false
		}
	}
	return true
}

// Cache is a concurrent put-if-absent map scoped to one batch run.
// Duplicate computation under a racing miss is tolerated; the first
// stored result wins and later puts are dropped.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Result
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]Result)}
}

// Get returns the cached result for key, if present.
func (c *Cache) Get(key Key) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[key]
	return r, ok
}

// PutIfAbsent stores the result unless the key is already present.
// It reports whether the store took effect.
func (c *Cache) PutIfAbsent(key Key, r Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return false
	}
	c.entries[key] = r
	return true
}

// Delete removes an entry, used to evict a corrupted result before
// recomputing.
func (c *Cache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
