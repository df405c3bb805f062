package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/agentic-research/scanline/internal/cache"
)

var cacheJSON bool

func init() {
	cacheCmd.PersistentFlags().BoolVar(&cacheJSON, "json", false, "Emit JSON")
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the disk frame cache",
}

func openFrameCache() (*cache.ViewerCache, error) {
	frameBytes, err := humanize.ParseBytes(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("bad --cache-size: %w", err)
	}
	root, err := cacheRoot()
	if err != nil {
		return nil, err
	}
	return cache.NewViewerCache(root, "ViewerCache", frameBytes, memFraction)
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print frame cache occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openFrameCache()
		if err != nil {
			return err
		}
		stats := c.Stats()
		if cacheJSON {
			fmt.Println(oj.JSON(map[string]any{
				"root":          c.Root(),
				"stats":         stats,
				"cached_frames": c.CachedFrames(),
			}, 2))
			return nil
		}
		fmt.Printf("Cache root: %s\n", c.Root())
		fmt.Printf("On disk:    %d entries, %s of %s\n",
			stats.DiskEntries, humanize.IBytes(stats.DiskSize), humanize.IBytes(stats.MaxSize))
		fmt.Printf("Mapped:     %d entries, %s (fraction %.2f)\n",
			stats.MappedEntries, humanize.IBytes(stats.MappedSize), stats.MemFraction)
		if frames := c.CachedFrames(); len(frames) > 0 {
			fmt.Printf("Frames:     %v\n", frames)
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe the frame cache and recreate its layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openFrameCache()
		if err != nil {
			return err
		}
		if err := c.ClearAll(); err != nil {
			return err
		}
		fmt.Printf("Cleared %s.\n", c.Root())
		return nil
	},
}
