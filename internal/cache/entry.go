// Package cache holds the two tiers under every node pull: the in-RAM row
// cache and the disk-backed frame cache with its mapped-in-RAM subset.
// Both are LRU, both own their entries exclusively; holders only borrow
// under reference count.
package cache

import (
	"errors"
	"sync"
)

var (
	ErrNotCached    = errors.New("cache: entry not cached")
	ErrMapFailed    = errors.New("cache: mapping backing file failed")
	ErrCacheCorrupt = errors.New("cache: corrupt on-disk cache")
	ErrAllocFailed  = errors.New("cache: entry allocation failed")
)

// Entry is what both cache tiers store. Reference-count operations and
// Removable require the entry lock held; the caches take it themselves
// around every such call, in cache-lock → entry-lock order.
type Entry interface {
	Lock()
	Unlock()
	Ref()
	Unref()
	RefCount() int
	// Removable reports refCount == 0: only removable entries may be
	// destroyed by eviction.
	Removable() bool
	// Size is the entry's byte count, charged against the cache budget.
	Size() uint64
	MemoryMapped() bool
	// Deallocate frees the entry's storage (heap buffers or mapping).
	// It does not unlink a backing file; that is the cache's move.
	Deallocate()
}

// entryBase carries the lock, size and reference count shared by
// file-backed entries in this package.
type entryBase struct {
	mu   sync.Mutex
	size uint64
	refs int
}

func (e *entryBase) Lock()   { e.mu.Lock() }
func (e *entryBase) Unlock() { e.mu.Unlock() }

func (e *entryBase) Ref()            { e.refs++ }
func (e *entryBase) Unref()          { e.refs-- }
func (e *entryBase) RefCount() int { return e.refs }
func (e *entryBase) Removable() bool { return e.refs == 0 }
func (e *entryBase) Size() uint64 { return e.size }
