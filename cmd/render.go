package cmd

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/scanline/api"
	"github.com/agentic-research/scanline/internal/box"
	"github.com/agentic-research/scanline/internal/cache"
	"github.com/agentic-research/scanline/internal/channels"
	"github.com/agentic-research/scanline/internal/node"
	"github.com/agentic-research/scanline/internal/ops"
	"github.com/agentic-research/scanline/internal/reader"
)

var renderJobs int

func init() {
	renderCmd.Flags().IntVar(&renderJobs, "frame-jobs", 2, "Frames rendered concurrently")
	rootCmd.AddCommand(renderCmd)
}

var renderCmd = &cobra.Command{
	Use:   "render [graph.hcl]",
	Short: "Pull every row of the requested frames through the graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := api.Load(args[0])
		if err != nil {
			return err
		}
		ctx, headers, err := openContext()
		if err != nil {
			return err
		}
		defer ctx.Pool.Close()

		start := time.Now()
		frameCount := 0

		g, err := api.Build(def, ctx, headers)
		if err != nil {
			return err
		}
		if err := g.Validate(); err != nil {
			return err
		}

		var eg errgroup.Group
		eg.SetLimit(renderJobs)
		for frame := g.FirstFrame; frame <= g.LastFrame; frame++ {
			frame := frame
			frameCount++
			eg.Go(func() error {
				// Each frame gets its own build of the graph so the
				// Read frame parameter (and with it every downstream
				// fingerprint) is per-frame without racing siblings.
				fg, err := api.Build(def, ctx, headers)
				if err != nil {
					return err
				}
				for _, n := range fg.Nodes {
					if rd, ok := n.Op().(*ops.Read); ok {
						rd.Frame = frame
					}
				}
				if err := fg.Validate(); err != nil {
					return err
				}
				return renderFrame(fg, ctx, headers, frame)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}

		if err := ctx.Frames.Save(); err != nil {
			return err
		}
		rs := ctx.Rows.Stats()
		fs := ctx.Frames.Stats()
		fmt.Printf("Rendered %d frame(s) in %v.\n", frameCount, time.Since(start))
		fmt.Printf("Row cache: %d entries, %s (%d hits, %d misses, %d evictions)\n",
			rs.Entries, humanize.IBytes(rs.Size), rs.Hits, rs.Misses, rs.Evictions)
		fmt.Printf("Frame cache: %d mapped + %d on disk, %s\n",
			fs.MappedEntries, fs.DiskEntries, humanize.IBytes(fs.MappedSize+fs.DiskSize))
		return nil
	},
}

// renderFrame pulls every row of the output's data window, stores the
// assembled tile in the viewer cache, and writes it to frame-NNNN.rgba in
// the working directory as raw interleaved float RGBA.
func renderFrame(g *api.Graph, ctx *node.Context, headers *reader.HeaderCache, frame int) error {
	out := g.Output
	info := out.Info()
	w, h := info.W(), info.H()
	if w <= 0 || h <= 0 {
		return fmt.Errorf("render: output %s has an empty data window", out.Name())
	}

	rect := box.TextureRect{X: info.X, Y: info.Y, R: info.R, T: info.T, W: w, H: h}
	key := cache.FrameKey(frame, out.HashValue(), 1, 0, 0, false,
		info.Box, info.DisplayWindow.Box, rect)

	entry := ctx.Frames.Get(key)
	if entry == nil {
		var err error
		entry, err = ctx.Frames.Add(key, frame, 1, 0, 0, false, reader.ImageInfo{
			Channels:      info.Channels,
			DataWindow:    info.Box,
			DisplayWindow: info.DisplayWindow,
			YDirection:    info.YDirection,
			FirstFrame:    info.FirstFrame,
			LastFrame:     info.LastFrame,
			CurrentName:   fmt.Sprintf("frame-%d", frame),
		}, rect, out.HashValue())
		if err != nil {
			return err
		}
		if err := fillEntry(g, entry, frame); err != nil {
			return err
		}
		if err := entry.Flush(); err != nil {
			return err
		}
	}
	entry.Lock()
	data := append([]byte(nil), entry.Data()...)
	entry.Unlock()
	entry.Lock()
	entry.Unref()
	entry.Unlock()

	path := fmt.Sprintf("frame-%04d.rgba", frame)
	return os.WriteFile(path, data, 0o644)
}

// fillEntry pulls the frame row by row into the entry's mapped bytes as
// interleaved float RGBA.
func fillEntry(g *api.Graph, entry *cache.FrameEntry, frame int) error {
	out := g.Output
	info := out.Info()
	order := [4]channels.Channel{channels.Red, channels.Green, channels.Blue, channels.Alpha}
	for y := info.Y; y < info.T; y++ {
		rw, err := out.ProduceRow(y, info.X, info.R, g.RequestedChannels)
		if err != nil {
			return err
		}
		entry.Lock()
		data := entry.Data()
		entry.Unlock()
		lineOff := (y - info.Y) * info.W() * 16
		for i := 0; i < info.W(); i++ {
			for ci, c := range order {
				var v float32
				if buf := rw.Pixels(c); buf != nil {
					v = buf[i]
				}
				off := lineOff + i*16 + ci*4
				binary.LittleEndian.PutUint32(data[off:off+4], math.Float32bits(v))
			}
		}
		rw.Release()
	}
	return nil
}
