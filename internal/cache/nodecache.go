package cache

import (
	"fmt"
	"sync"

	"github.com/agentic-research/scanline/internal/channels"
	"github.com/agentic-research/scanline/internal/row"
)

// NodeCache is the in-RAM row cache shared by every node in a graph.
// Keys fingerprint the producing node plus the row's spatial parameters,
// so a hit is exactly a row some upstream evaluation already produced.
//
// The cache owns its rows: AddRow hands them out cache-owned with one
// reference already taken for the caller, and eviction only destroys rows
// whose reference count has dropped to zero.
type NodeCache struct {
	mu       sync.Mutex
	entries  *lru[*row.Row]
	size     uint64
	capacity uint64

	hits, misses, evictions uint64
}

// Stats is a point-in-time readout for the CLI.
type Stats struct {
	Entries   int    `json:"entries"`
	Size      uint64 `json:"size"`
	Capacity  uint64 `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

func NewNodeCache(capacity uint64) *NodeCache {
	return &NodeCache{entries: newLRU[*row.Row](), capacity: capacity}
}

// SetCapacity changes the byte budget. It does not shrink existing
// content; the next insert evicts down as usual.
func (c *NodeCache) SetCapacity(bytes uint64) {
	c.mu.Lock()
	c.capacity = bytes
	c.mu.Unlock()
}

// Get probes the cache. It always returns the key composed from the
// parameters; the row is nil on a miss. On a hit the row's reference
// count is already bumped for the caller.
func (c *NodeCache) Get(nodeHash uint64, filename string, x, r, y int) (uint64, *row.Row) {
	key := row.Key(nodeHash, filename, x, r, y)
	c.mu.Lock()
	defer c.mu.Unlock()
	if rw, ok := c.entries.lookup(key); ok {
		rw.Lock()
		rw.Ref()
		rw.Unlock()
		c.hits++
		return key, rw
	}
	c.misses++
	return key, nil
}

// AddRow constructs a row over [x, r) at y, marks it cache-owned, inserts
// it under key with a reference held by the caller, and returns it.
func (c *NodeCache) AddRow(key uint64, x, r, y int, set channels.Set, filename string) (*row.Row, error) {
	rw, err := row.New(x, y, r, set)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}
	rw.MarkCacheOwned()
	// Take the caller's reference before the row is visible to other
	// goroutines through the cache.
	rw.Lock()
	rw.Ref()
	rw.Unlock()

	c.mu.Lock()
	// A concurrent producer may have raced us to this key; the new row
	// replaces it and the old one is left to its remaining readers.
	if old, ok := c.entries.remove(key); ok {
		c.size -= old.Size()
		old.Lock()
		removable := old.Removable()
		old.Unlock()
		if removable {
			old.Deallocate()
		}
	}
	evict := c.size >= c.capacity
	c.size += rw.Size()
	key2, victim, evicted := c.entries.insert(key, rw, evict)
	if evicted {
		victim.Lock()
		removable := victim.Removable()
		victim.Unlock()
		if !removable {
			// Emergency contract: nothing was removable and the LRU
			// handed back a pinned head. Put it back untouched.
			c.entries.insert(key2, victim, false)
		} else {
			c.size -= victim.Size()
			c.evictions++
			victim.Deallocate()
		}
	}
	c.mu.Unlock()
	return rw, nil
}

// Discard rolls back a reservation made by AddRow after a failed compute.
// The entry is removed only if it is still the same row, so a concurrent
// producer's replacement survives.
func (c *NodeCache) Discard(key uint64, rw *row.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.entries.lookup(key)
	if !ok || cur != rw {
		return
	}
	c.entries.remove(key)
	c.size -= rw.Size()
	rw.Lock()
	rw.Unref()
	rw.Unlock()
	rw.Deallocate()
}

// Clear destroys every removable entry. Rows still referenced survive and
// stay in the cache.
func (c *NodeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keep []pair[*row.Row]
	c.entries.each(func(key uint64, rw *row.Row) bool {
		rw.Lock()
		removable := rw.Removable()
		rw.Unlock()
		if removable {
			c.size -= rw.Size()
			rw.Deallocate()
		} else {
			keep = append(keep, pair[*row.Row]{key: key, value: rw})
		}
		return true
	})
	c.entries = newLRU[*row.Row]()
	for _, p := range keep {
		c.entries.insert(p.key, p.value, false)
	}
}

// CurrentSize is the byte count of resident rows.
func (c *NodeCache) CurrentSize() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *NodeCache) Capacity() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

func (c *NodeCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.entries.len(),
		Size:      c.size,
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
