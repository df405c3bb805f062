// Package row defines the atomic unit of node output: one horizontal line
// of pixels over a column range [x, r) and a set of channels. Rows are
// reference counted so the node cache can own them while readers borrow
// them; the cache-owned flag keeps the drop path inert when the cache is
// the real owner.
package row

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agentic-research/scanline/internal/channels"
	"github.com/agentic-research/scanline/internal/hash"
)

var ErrBadRange = errors.New("row: invalid column range")

// Row is one scan-line. Content accessors and reference-count operations
// require the caller to hold the row's lock when the row is shared between
// goroutines; Release locks internally.
type Row struct {
	mu         sync.Mutex
	refs       int
	cacheOwned bool

	y       int
	zoomedY int
	x, r    int
	set     channels.Set
	bufs    [channels.MaxChannels][]float32
	size    uint64
}

// New allocates a row over [x, r) with buffers for every channel in set.
// Alpha is initialised to 1.0, every other channel to 0.0.
func New(x, y, r int, set channels.Set) (*Row, error) {
	if r <= x {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrBadRange, x, r)
	}
	rw := &Row{y: y, zoomedY: -1, x: x, r: r}
	set.ForEach(rw.TurnOn)
	return rw, nil
}

// TurnOn activates channel c, allocating its buffer. Already-active
// channels are left alone.
func (rw *Row) TurnOn(c channels.Channel) {
	if rw.set.Contains(c) {
		return
	}
	rw.set = rw.set.With(c)
	buf := make([]float32, rw.r-rw.x)
	if c == channels.Alpha {
		for i := range buf {
			buf[i] = 1
		}
	}
	rw.bufs[c] = buf
	rw.size += uint64(len(buf)) * 4
}

func (rw *Row) Y() int { return rw.y }
func (rw *Row) Offset() int { return rw.x }
func (rw *Row) Right() int { return rw.r }
func (rw *Row) ZoomedY() int { return rw.zoomedY }

func (rw *Row) SetZoomedY(z int) { rw.zoomedY = z }

func (rw *Row) Channels() channels.Set { return rw.set }

// Pixels returns the buffer for channel c, or nil if c is not in the
// row's set. Index i addresses image column Offset()+i.
func (rw *Row) Pixels(c channels.Channel) []float32 {
	return rw.bufs[c]
}

// Writable is Pixels for writers; it exists so call sites read as intent.
func (rw *Row) Writable(c channels.Channel) []float32 {
	return rw.bufs[c]
}

// Clear zeroes channel c.
func (rw *Row) Clear(c channels.Channel) {
	buf := rw.bufs[c]
	for i := range buf {
		buf[i] = 0
	}
}

// WidenRange grows the column range to the union of the current range and
// [x, r). A narrower or equal request is a no-op; previously stored pixels
// keep their image-space positions. Newly exposed alpha is 1.0, everything
// else 0.0.
func (rw *Row) WidenRange(x, r int) {
	nx, nr := rw.x, rw.r
	if x < nx {
		nx = x
	}
	if r > nr {
		nr = r
	}
	if nx == rw.x && nr == rw.r {
		return
	}
	oldX, oldLen := rw.x, rw.r-rw.x
	rw.size = 0
	rw.set.ForEach(func(c channels.Channel) {
		buf := make([]float32, nr-nx)
		if c == channels.Alpha {
			for i := range buf {
				buf[i] = 1
			}
		}
		copy(buf[oldX-nx:oldX-nx+oldLen], rw.bufs[c])
		rw.bufs[c] = buf
		rw.size += uint64(len(buf)) * 4
	})
	rw.x, rw.r = nx, nr
}

// CopyFrom copies the given channels of src over [x, r), widening the
// range and activating missing channels first. Columns outside src's own
// range are left untouched.
func (rw *Row) CopyFrom(src *Row, set channels.Set, x, r int) {
	rw.WidenRange(x, r)
	if x < src.x {
		x = src.x
	}
	if r > src.r {
		r = src.r
	}
	if r <= x {
		return
	}
	set.ForEach(func(c channels.Channel) {
		from := src.Pixels(c)
		if from == nil {
			return
		}
		rw.TurnOn(c)
		copy(rw.bufs[c][x-rw.x:r-rw.x], from[x-src.x:r-src.x])
	})
}

// Lock acquires the row's lock. Holders must take it before touching
// buffers or the reference count from concurrent contexts.
func (rw *Row) Lock() { rw.mu.Lock() }

func (rw *Row) Unlock() { rw.mu.Unlock() }

// Ref bumps the reference count. Caller holds the lock.
func (rw *Row) Ref() { rw.refs++ }

// Unref drops one reference. Caller holds the lock.
func (rw *Row) Unref() { rw.refs-- }

// RefCount reads the reference count. Caller holds the lock.
func (rw *Row) RefCount() int { return rw.refs }

// Removable reports whether the cache may destroy this row. Caller holds
// the lock.
func (rw *Row) Removable() bool { return rw.refs == 0 }

// Size is the byte count of the allocated buffers.
func (rw *Row) Size() uint64 { return rw.size }

// MemoryMapped reports whether the row is file backed. Rows in the node
// cache are heap entries.
func (rw *Row) MemoryMapped() bool { return false }

// MarkCacheOwned hands structural ownership to the cache: Release will
// then only drop a reference instead of destroying the row.
func (rw *Row) MarkCacheOwned() { rw.cacheOwned = true }

// CacheOwned reports whether a cache holds structural ownership.
func (rw *Row) CacheOwned() bool { return rw.cacheOwned }

// Deallocate frees the channel buffers. Called by the cache once the row
// is evicted with no readers left, or by Release for uncached rows.
func (rw *Row) Deallocate() {
	for i := range rw.bufs {
		rw.bufs[i] = nil
	}
	rw.size = 0
	rw.set = channels.MaskNone
}

// Release is how a holder lets go of a row. For an uncached row it frees
// the buffers immediately; for a cache-owned row it drops one reference
// and leaves reclamation to the cache.
func (rw *Row) Release() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if !rw.cacheOwned {
		rw.Deallocate()
		return
	}
	rw.refs--
}

// Key composes the node-cache key for a row: the producing node's
// fingerprint, the current source filename (empty for pure operators) and
// the spatial parameters.
func Key(nodeHash uint64, filename string, x, r, y int) uint64 {
	var h hash.Hash
	h.AppendString(filename)
	h.Append(nodeHash)
	h.AppendInt(x)
	h.AppendInt(r)
	h.AppendInt(y)
	h.Compute()
	return h.Value()
}
