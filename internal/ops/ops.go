// Package ops holds the built-in operators. The math is deliberately
// small; these exist to drive rows through the pull engine and the
// caches.
package ops

import (
	"errors"
	"fmt"

	"github.com/agentic-research/scanline/internal/box"
	"github.com/agentic-research/scanline/internal/channels"
	"github.com/agentic-research/scanline/internal/hash"
	"github.com/agentic-research/scanline/internal/node"
	"github.com/agentic-research/scanline/internal/reader"
	"github.com/agentic-research/scanline/internal/row"
)

var ErrNoInput = errors.New("ops: input not connected")

// Read pulls rows out of a decoder. Its output is cache-worthy and its
// resolved filename joins the row key, so two Read nodes on the same file
// share cache entries.
type Read struct {
	Path  string
	Frame int

	Headers *reader.HeaderCache
	info    *reader.ImageInfo
}

func (r *Read) Name() string { return "Read" }
func (r *Read) MinInputs() int { return 0 }
func (r *Read) MaxInputs() int { return 0 }
func (r *Read) CachesRows() bool { return true }

func (r *Read) CurrentFilename() string { return r.Path }

func (r *Read) AppendParams(h *hash.Hash) {
	h.AppendString(r.Path)
	h.AppendInt(r.Frame)
}

func (r *Read) Validate(n *node.Node) error {
	info, err := r.Headers.OpenHeader(r.Path)
	if err != nil {
		return err
	}
	r.info = info
	ni := n.Info()
	ni.Box = info.DataWindow
	ni.DisplayWindow = info.DisplayWindow
	ni.Channels = info.Channels
	ni.FirstFrame = info.FirstFrame
	ni.LastFrame = info.LastFrame
	ni.YDirection = info.YDirection
	return nil
}

func (r *Read) InChannels(int, channels.Set) channels.Set { return channels.MaskNone }

func (r *Read) Compute(n *node.Node, y, x, rgt int, set channels.Set, out *row.Row) error {
	if r.info == nil {
		if err := r.Validate(n); err != nil {
			return err
		}
	}
	frame := r.info.ClampFrame(r.Frame)
	roi := box.Box{X: x, Y: y, R: rgt, T: y + 1}
	return r.Headers.Decode(r.Path, frame, roi, out)
}

// Grade scales and offsets the color channels. Its parameters make the
// fingerprint cascade observable: flip Gain and every descendant re-keys.
type Grade struct {
	Gain   float32
	Offset float32
}

func (g *Grade) Name() string { return "Grade" }
func (g *Grade) MinInputs() int { return 1 }
func (g *Grade) MaxInputs() int { return 1 }
func (g *Grade) CachesRows() bool { return true }

func (g *Grade) AppendParams(h *hash.Hash) {
	h.AppendFloat(g.Gain)
	h.AppendFloat(g.Offset)
}

func (g *Grade) Validate(*node.Node) error { return nil }

func (g *Grade) InChannels(_ int, downstream channels.Set) channels.Set { return downstream }

func (g *Grade) Compute(n *node.Node, y, x, r int, set channels.Set, out *row.Row) error {
	in := n.Input(0)
	if in == nil {
		return ErrNoInput
	}
	src, err := in.ProduceRow(y, x, r, set)
	if err != nil {
		return err
	}
	defer src.Release()
	out.CopyFrom(src, set, x, r)
	set.ForEach(func(c channels.Channel) {
		if c == channels.Alpha {
			return
		}
		buf := out.Writable(c)
		for i := range buf {
			buf[i] = buf[i]*g.Gain + g.Offset
		}
	})
	return nil
}

// Merge composites input 0 over input 1. Two inputs in declared order, so
// swapping them re-fingerprints the node.
type Merge struct{}

func (m *Merge) Name() string { return "Merge" }
func (m *Merge) MinInputs() int { return 2 }
func (m *Merge) MaxInputs() int { return 2 }
func (m *Merge) CachesRows() bool { return true }

func (m *Merge) AppendParams(*hash.Hash) {}

func (m *Merge) Validate(*node.Node) error { return nil }

func (m *Merge) InChannels(_ int, downstream channels.Set) channels.Set {
	return downstream.With(channels.Alpha)
}

func (m *Merge) Compute(n *node.Node, y, x, r int, set channels.Set, out *row.Row) error {
	a, b := n.Input(0), n.Input(1)
	if a == nil || b == nil {
		return ErrNoInput
	}
	want := set.With(channels.Alpha)
	srcA, err := a.ProduceRow(y, x, r, want)
	if err != nil {
		return err
	}
	defer srcA.Release()
	srcB, err := b.ProduceRow(y, x, r, want)
	if err != nil {
		return err
	}
	defer srcB.Release()

	alphaA := srcA.Pixels(channels.Alpha)
	set.ForEach(func(c channels.Channel) {
		bufA := srcA.Pixels(c)
		bufB := srcB.Pixels(c)
		dst := out.Writable(c)
		for i := range dst {
			var va, vb, aa float32
			if bufA != nil {
				va = bufA[i]
			}
			if bufB != nil {
				vb = bufB[i]
			}
			aa = 1
			if alphaA != nil {
				aa = alphaA[i]
			}
			dst[i] = va + vb*(1-aa)
		}
	})
	return nil
}

// Blur1D is a vertical box blur. It is the in-tree consumer of the
// InputFetcher: each output row needs the parent rows y-Radius..y+Radius.
type Blur1D struct {
	Radius int
}

func (b *Blur1D) Name() string { return "Blur1D" }
func (b *Blur1D) MinInputs() int { return 1 }
func (b *Blur1D) MaxInputs() int { return 1 }
func (b *Blur1D) CachesRows() bool { return true }

func (b *Blur1D) AppendParams(h *hash.Hash) {
	h.AppendInt(b.Radius)
}

func (b *Blur1D) Validate(n *node.Node) error {
	if b.Radius < 0 {
		return fmt.Errorf("blur: negative radius %d", b.Radius)
	}
	return nil
}

func (b *Blur1D) InChannels(_ int, downstream channels.Set) channels.Set { return downstream }

func (b *Blur1D) Compute(n *node.Node, y, x, r int, set channels.Set, out *row.Row) error {
	in := n.Input(0)
	if in == nil {
		return ErrNoInput
	}
	lo, hi := y-b.Radius, y+b.Radius
	if t := in.Info().Y; lo < t {
		lo = t
	}
	if t := in.Info().T - 1; hi > t && t >= lo {
		hi = t
	}
	fetcher := node.NewInputFetcher(in, x, lo, r, hi, set)
	fetcher.Claim()
	defer fetcher.Close()
	if err := fetcher.Wait(); err != nil {
		return err
	}
	count := float32(hi - lo + 1)
	set.ForEach(func(c channels.Channel) {
		dst := out.Writable(c)
		for i := range dst {
			dst[i] = 0
		}
		for line := lo; line <= hi; line++ {
			src, err := fetcher.At(line)
			if err != nil {
				continue
			}
			buf := src.Pixels(c)
			if buf == nil {
				continue
			}
			for i := range dst {
				dst[i] += buf[i] / count
			}
		}
	})
	return nil
}

// Fail is a test/debug operator whose compute always errors; it exists to
// exercise the rollback path.
type Fail struct{}

func (f *Fail) Name() string { return "Fail" }
func (f *Fail) MinInputs() int { return 0 }
func (f *Fail) MaxInputs() int { return 0 }
func (f *Fail) CachesRows() bool { return true }

func (f *Fail) AppendParams(*hash.Hash) {}

func (f *Fail) Validate(*node.Node) error { return nil }

func (f *Fail) InChannels(int, channels.Set) channels.Set { return channels.MaskNone }

func (f *Fail) Compute(*node.Node, int, int, int, channels.Set, *row.Row) error {
	return errors.New("fail operator: compute refused")
}
