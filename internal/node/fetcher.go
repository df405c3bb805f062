package node

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/scanline/internal/channels"
	"github.com/agentic-research/scanline/internal/row"
)

// InputFetcher batches and parallelises pulls of a contiguous y-range
// [y, t] from a single parent node. Fetched rows stay referenced (and so
// pinned in the row cache) until Close. Per-row completion arrives on
// RowDone in finish order, not y order; Done closes after the last row.
type InputFetcher struct {
	node *Node
	x, r int
	y, t int
	set  channels.Set

	mu        sync.Mutex
	rows      map[int]*row.Row
	completed *roaring.Bitmap
	err       error
	remaining int

	rowDone chan int
	done    chan struct{}
	claimed bool
}

// NewInputFetcher prepares a fetch of rows y..t (inclusive) over [x, r)
// for the given channels. Nothing runs until Claim.
func NewInputFetcher(n *Node, x, y, r, t int, set channels.Set) *InputFetcher {
	count := t - y + 1
	if count < 0 {
		count = 0
	}
	return &InputFetcher{
		node:      n,
		x:         x,
		r:         r,
		y:         y,
		t:         t,
		set:       set,
		rows:      make(map[int]*row.Row, count),
		completed: roaring.New(),
		remaining: count,
		rowDone:   make(chan int, count),
		done:      make(chan struct{}),
	}
}

// Claim schedules one ProduceRow per line on the context's worker pool.
func (f *InputFetcher) Claim() {
	if f.claimed {
		return
	}
	f.claimed = true
	if f.remaining == 0 {
		close(f.done)
		return
	}
	pool := f.node.ctx.Pool
	for line := f.y; line <= f.t; line++ {
		line := line
		pool.Go(func() { f.fetch(line) })
	}
}

func (f *InputFetcher) fetch(line int) {
	rw, err := f.node.ProduceRow(line, f.x, f.r, f.set)

	f.mu.Lock()
	if err != nil {
		if f.err == nil {
			f.err = err
		}
	} else {
		f.rows[line] = rw
	}
	f.completed.Add(uint32(line - f.y))
	f.remaining--
	last := f.remaining == 0
	// rowDone is buffered for the whole range, so this never blocks; sending
	// under the lock orders every notification before done closes.
	f.rowDone <- line
	f.mu.Unlock()

	if last {
		close(f.done)
	}
}

// RowDone delivers the y of each completed row, in completion order. The
// channel is buffered for the whole range; it is never closed.
func (f *InputFetcher) RowDone() <-chan int { return f.rowDone }

// Done closes once every row of the range has completed (or failed).
func (f *InputFetcher) Done() <-chan struct{} { return f.done }

// Wait blocks for whole-range completion and returns the first failure.
// Any failure marks the whole range as failed.
func (f *InputFetcher) Wait() error {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// At returns the fetched row for line y. It is only meaningful after the
// row has completed; asking earlier, or for a failed range, is an error.
func (f *InputFetcher) At(y int) (*row.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if !f.completed.Contains(uint32(y - f.y)) {
		return nil, fmt.Errorf("fetcher: row %d not fetched yet", y)
	}
	rw, ok := f.rows[y]
	if !ok {
		return nil, fmt.Errorf("fetcher: row %d outside range [%d, %d]", y, f.y, f.t)
	}
	return rw, nil
}

// Close drains any in-flight work, releases every fetched row and unpins
// the cached entries. The fetcher is unusable afterwards.
func (f *InputFetcher) Close() {
	if f.claimed {
		<-f.done
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rw := range f.rows {
		rw.Release()
	}
	f.rows = nil
}
