// Package node is the pull engine: a DAG of compute nodes whose terminal
// node pulls rows of pixels back through the graph on demand, consulting
// the row cache at every step.
package node

import (
	"fmt"

	"github.com/agentic-research/scanline/internal/box"
	"github.com/agentic-research/scanline/internal/cache"
	"github.com/agentic-research/scanline/internal/channels"
	"github.com/agentic-research/scanline/internal/hash"
	"github.com/agentic-research/scanline/internal/row"
)

// Context bundles the process-wide collaborators a graph evaluates
// against. Tests construct independent contexts; the CLI builds one per
// run.
type Context struct {
	Rows   *cache.NodeCache
	Frames *cache.ViewerCache
	Pool   *Pool
}

// Info is what a node knows about its output before any pixel exists:
// bounds, channels, frame range and scan direction. It merges upward from
// the parents during validation.
type Info struct {
	box.Box
	DisplayWindow box.Format
	Channels      channels.Set
	FirstFrame    int
	LastFrame     int
	YDirection    int
}

func (i *Info) Reset() {
	*i = Info{FirstFrame: -1, LastFrame: -1}
}

// MergeFrameRange widens the frame range to include [first, last].
func (i *Info) MergeFrameRange(first, last int) {
	if i.FirstFrame == -1 || first < i.FirstFrame {
		i.FirstFrame = first
	}
	if last > i.LastFrame {
		i.LastFrame = last
	}
}

// Op is the operator contract: everything a concrete node type plugs into
// the engine. Compute is the only place operator math runs; it may pull
// parent rows through n.Input(i).ProduceRow or an InputFetcher.
type Op interface {
	Name() string
	MinInputs() int
	MaxInputs() int
	// CachesRows reports whether this operator's output is worth a slot
	// in the row cache. Trivial operators skip caching.
	CachesRows() bool
	// AppendParams feeds every parameter value into the fingerprint.
	AppendParams(h *hash.Hash)
	// Validate fills n.Info from the operator's own knowledge; the
	// engine has already validated and merged the parents.
	Validate(n *Node) error
	// InChannels maps the channels requested downstream to the channels
	// needed from the given input.
	InChannels(input int, downstream channels.Set) channels.Set
	Compute(n *Node, y, x, r int, set channels.Set, out *row.Row) error
}

// FileSource is implemented by operators whose output depends on a file
// on disk; the current filename joins the row cache key.
type FileSource interface {
	CurrentFilename() string
}

// Node ties an operator into the graph.
type Node struct {
	name    string
	op      Op
	ctx     *Context
	parents []*Node

	info      Info
	fp        hash.Hash
	requested channels.Set
}

func New(ctx *Context, name string, op Op) *Node {
	n := &Node{name: name, op: op, ctx: ctx}
	n.info.Reset()
	return n
}

func (n *Node) Name() string { return n.name }
func (n *Node) Op() Op { return n.op }
func (n *Node) Context() *Context { return n.ctx }

func (n *Node) Parents() []*Node { return n.parents }

// Input returns the parent at the given index, nil if unconnected.
func (n *Node) Input(i int) *Node {
	if i < 0 || i >= len(n.parents) {
		return nil
	}
	return n.parents[i]
}

// Connect appends parent as the next input of n. Input order is
// significant: it is part of the fingerprint.
func (n *Node) Connect(parent *Node) error {
	if len(n.parents) >= n.op.MaxInputs() {
		return fmt.Errorf("node %s: already has %d inputs", n.name, len(n.parents))
	}
	n.parents = append(n.parents, parent)
	return nil
}

func (n *Node) Info() *Info { return &n.info }

// Validate recomputes Info bottom-up: parents first, then the node's own
// operator. A single parent is copied, several are merged.
func (n *Node) Validate() error {
	for _, p := range n.parents {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	if len(n.parents) > 0 {
		n.info.Reset()
		first := n.parents[0].info
		n.info.Box = first.Box
		n.info.DisplayWindow = first.DisplayWindow
		n.info.Channels = first.Channels
		n.info.FirstFrame = first.FirstFrame
		n.info.LastFrame = first.LastFrame
		n.info.YDirection = first.YDirection
		for _, p := range n.parents[1:] {
			n.info.Merge(p.info.Box)
			n.info.Channels = n.info.Channels.Union(p.info.Channels)
			n.info.MergeFrameRange(p.info.FirstFrame, p.info.LastFrame)
		}
	}
	if err := n.op.Validate(n); err != nil {
		return fmt.Errorf("node %s: %w", n.name, err)
	}
	return nil
}

// Request propagates the channels a consumer wants down to the parents,
// translated per input through the operator's InChannels.
func (n *Node) Request(set channels.Set) {
	n.requested = n.requested.Union(set)
	for i, p := range n.parents {
		p.Request(n.op.InChannels(i, n.requested))
	}
}

func (n *Node) Requested() channels.Set { return n.requested }

// ComputeTreeHash recomputes the node's fingerprint: its parameter words,
// its class name, then each parent's just-computed fingerprint in input
// order. Nodes already visited this round are skipped by name.
func (n *Node) ComputeTreeHash(visited map[string]bool) {
	if visited[n.name] {
		return
	}
	visited[n.name] = true
	n.fp.Reset()
	n.op.AppendParams(&n.fp)
	n.fp.AppendString(n.op.Name())
	for _, p := range n.parents {
		p.ComputeTreeHash(visited)
		n.fp.AppendHash(&p.fp)
	}
	n.fp.Compute()
}

// HashValue is the node's current fingerprint.
func (n *Node) HashValue() uint64 { return n.fp.Value() }

// HashChanged recomputes the tree hash and reports whether it moved.
func (n *Node) HashChanged() bool {
	old := n.fp.Value()
	n.ComputeTreeHash(make(map[string]bool))
	return old != n.fp.Value()
}

// currentFilename is the file component of the row key, empty for pure
// operators.
func (n *Node) currentFilename() string {
	if fs, ok := n.op.(FileSource); ok {
		return fs.CurrentFilename()
	}
	return ""
}

// ProduceRow returns the node's output row for line y over [x, r). The
// row cache is consulted first; on a miss the row is computed, and for
// cache-worthy operators inserted before compute so concurrent readers
// find it pinned. A failed compute rolls the reservation back and leaves
// no entry under the key.
//
// The returned row is referenced for the caller when cache-owned; release
// it with Release.
func (n *Node) ProduceRow(y, x, r int, set channels.Set) (*row.Row, error) {
	filename := n.currentFilename()

	var rows *cache.NodeCache
	if n.ctx != nil {
		rows = n.ctx.Rows
	}
	if rows == nil {
		out, err := row.New(x, y, r, set)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.name, err)
		}
		if err := n.op.Compute(n, y, x, r, set, out); err != nil {
			out.Release()
			return nil, fmt.Errorf("node %s: %w", n.name, err)
		}
		return out, nil
	}

	key, cached := rows.Get(n.HashValue(), filename, x, r, y)
	if cached != nil {
		return cached, nil
	}

	if n.op.CachesRows() {
		out, err := rows.AddRow(key, x, r, y, set, filename)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.name, err)
		}
		if err := n.op.Compute(n, y, x, r, set, out); err != nil {
			rows.Discard(key, out)
			return nil, fmt.Errorf("node %s: %w", n.name, err)
		}
		return out, nil
	}

	out, err := row.New(x, y, r, set)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.name, err)
	}
	if err := n.op.Compute(n, y, x, r, set, out); err != nil {
		out.Release()
		return nil, fmt.Errorf("node %s: %w", n.name, err)
	}
	return out, nil
}
