package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agentic-research/scanline/internal/cache"
	"github.com/agentic-research/scanline/internal/node"
	"github.com/agentic-research/scanline/internal/reader"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	cacheDir    string
	cacheSize   string
	rowCacheSz  string
	memFraction float64
	jobs        int
	quiet       bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Root directory for the disk frame cache (default: OS cache dir)")
	rootCmd.PersistentFlags().StringVar(&cacheSize, "cache-size", "4GiB", "Disk frame cache budget")
	rootCmd.PersistentFlags().StringVar(&rowCacheSz, "row-cache-size", "512MiB", "In-memory row cache budget")
	rootCmd.PersistentFlags().Float64Var(&memFraction, "mem-fraction", 0.25, "Fraction of the frame cache budget kept memory-mapped")
	rootCmd.PersistentFlags().IntVar(&jobs, "jobs", 0, "Worker pool size (0 = one per CPU)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress standard output")

	rootCmd.AddCommand(versionCmd)
}

var rootCmd = &cobra.Command{
	Use:     "scanline",
	Short:   "Scanline: a pull-based node-graph compositor core",
	Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if quiet {
			f, err := os.Open(os.DevNull)
			if err == nil {
				os.Stdout = f
			}
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("scanline version %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

// cacheRoot resolves the frame-cache root directory from flags.
func cacheRoot() (string, error) {
	if cacheDir != "" {
		return cacheDir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(base, "scanline"), nil
}

// openContext builds the evaluation context the flags describe: row
// cache, disk frame cache (restored from its previous run) and worker
// pool.
func openContext() (*node.Context, *reader.HeaderCache, error) {
	rowBytes, err := humanize.ParseBytes(rowCacheSz)
	if err != nil {
		return nil, nil, fmt.Errorf("bad --row-cache-size: %w", err)
	}
	frameBytes, err := humanize.ParseBytes(cacheSize)
	if err != nil {
		return nil, nil, fmt.Errorf("bad --cache-size: %w", err)
	}
	root, err := cacheRoot()
	if err != nil {
		return nil, nil, err
	}
	frames, err := cache.NewViewerCache(root, "ViewerCache", frameBytes, memFraction)
	if err != nil {
		return nil, nil, err
	}
	headers, err := reader.NewHeaderCache(reader.Synthetic{}, 128)
	if err != nil {
		return nil, nil, err
	}
	ctx := &node.Context{
		Rows:   cache.NewNodeCache(rowBytes),
		Frames: frames,
		Pool:   node.NewPool(jobs),
	}
	return ctx, headers, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
