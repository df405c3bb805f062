package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/scanline/internal/box"
	"github.com/agentic-research/scanline/internal/channels"
	"github.com/agentic-research/scanline/internal/reader"
)

const mib = 1 << 20

// testInfo is a minimal header for cache entries.
func testInfo() reader.ImageInfo {
	b := box.Box{X: 0, Y: 0, R: 256, T: 256}
	return reader.ImageInfo{
		Channels:      channels.MaskRGBA,
		DataWindow:    b,
		DisplayWindow: box.Format{Box: b, Name: "test"},
		YDirection:    1,
		FirstFrame:    1,
		LastFrame:     8,
		CurrentName:   "test-frame",
	}
}

// mibRect sizes a float-RGBA tile to exactly 1 MiB: 256*256*16.
func mibRect() box.TextureRect {
	return box.TextureRect{X: 0, Y: 0, R: 256, T: 256, W: 256, H: 256}
}

func newTestCache(t *testing.T, maxSize uint64, memFraction float64) *ViewerCache {
	t.Helper()
	c, err := NewViewerCache(t.TempDir(), "ViewerCache", maxSize, memFraction)
	require.NoError(t, err)
	return c
}

func addFrame(t *testing.T, c *ViewerCache, frame int) (uint64, *FrameEntry) {
	t.Helper()
	key := FrameKey(frame, 0xf00d, 1, 0, 0, false, testInfo().DataWindow, testInfo().DisplayWindow.Box, mibRect())
	entry, err := c.Add(key, frame, 1, 0, 0, false, testInfo(), mibRect(), 0xf00d)
	require.NoError(t, err)
	require.EqualValues(t, mib, entry.Size())
	return key, entry
}

func release(e *FrameEntry) {
	e.Lock()
	e.Unref()
	e.Unlock()
}

func TestLayoutCreated(t *testing.T) {
	c := newTestCache(t, 4*mib, 0.25)
	files, subdirs := c.scanDataFiles()
	assert.Equal(t, 256, subdirs)
	assert.Equal(t, 0, files)
	if _, err := os.Stat(filepath.Join(c.Root(), manifestName)); err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
}

func TestDemoteThenRestore(t *testing.T) {
	// In-memory cap 1 MiB, disk cap 4 MiB; eight 1 MiB frames.
	c := newTestCache(t, 4*mib, 0.25)

	keys := make(map[int]uint64)
	for frame := 1; frame <= 8; frame++ {
		key, entry := addFrame(t, c, frame)
		keys[frame] = key
		release(entry)
	}

	stats := c.Stats()
	assert.Equal(t, 1, stats.MappedEntries, "only the MRU frame stays mapped")
	assert.Equal(t, 3, stats.DiskEntries, "the previous 3 frames are demoted")
	assert.EqualValues(t, 4, stats.Evictions, "the oldest 4 frames are destroyed")

	// Destroyed frames' files are unlinked.
	for frame := 1; frame <= 4; frame++ {
		if _, err := os.Stat(c.entryPath(keys[frame])); !os.IsNotExist(err) {
			t.Fatalf("frame %d file still on disk", frame)
		}
	}
	// Two-tier conservation: a key lives in exactly one set.
	for frame := 5; frame <= 8; frame++ {
		_, inMapped := c.mapped.lookup(keys[frame])
		_, inDisk := c.disk.lookup(keys[frame])
		if inMapped == inDisk {
			t.Fatalf("frame %d: mapped=%v disk=%v, want exactly one", frame, inMapped, inDisk)
		}
	}

	c.ClearInMemory()
	stats = c.Stats()
	assert.Equal(t, 0, stats.MappedEntries)
	assert.Equal(t, 4, stats.DiskEntries, "the last 4 frames survive on disk")

	// A disk hit remaps and promotes.
	entry := c.Get(keys[8])
	require.NotNil(t, entry, "F8 should remap from disk")
	assert.NotNil(t, entry.Data(), "promoted entry must be mapped")
	assert.Equal(t, 1, c.Stats().MappedEntries)
	assert.Equal(t, 3, c.Stats().DiskEntries)
	release(entry)
}

func TestPinnedMappedEntrySurvivesDemotion(t *testing.T) {
	c := newTestCache(t, 8*mib, 0.125) // 1 MiB mapped budget

	_, e1 := addFrame(t, c, 1) // kept referenced
	_, e2 := addFrame(t, c, 2)
	release(e2)

	// e1 was the demotion victim but is pinned; it must stay mapped.
	assert.NotNil(t, e1.Data(), "pinned entry must not be unmapped")
	release(e1)
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	root := t.TempDir()
	c, err := NewViewerCache(root, "ViewerCache", 8*mib, 0.5)
	require.NoError(t, err)

	var keys []uint64
	for frame := 1; frame <= 3; frame++ {
		key := FrameKey(frame, 0xbeef, 1, 0, 0, false, testInfo().DataWindow, testInfo().DisplayWindow.Box, mibRect())
		entry, err := c.Add(key, frame, 1, 0, 0, false, testInfo(), mibRect(), 0xbeef)
		require.NoError(t, err)
		// Stamp the data so the round-trip is observable.
		entry.Lock()
		entry.Data()[0] = byte(frame)
		entry.Unlock()
		require.NoError(t, entry.Flush())
		release(entry)
		keys = append(keys, key)
	}
	require.NoError(t, c.Save())

	// Restart: a fresh cache over the same directory.
	c2, err := NewViewerCache(root, "ViewerCache", 8*mib, 0.5)
	require.NoError(t, err)
	for i, key := range keys {
		entry := c2.Get(key)
		require.NotNil(t, entry, "key %d should restore", i)
		entry.Lock()
		assert.Equal(t, byte(i+1), entry.Data()[0], "restored bytes must match")
		assert.EqualValues(t, 0xbeef, entry.TreeVersion)
		entry.Unlock()
		release(entry)
	}
}

func TestRestoreVersionMismatchWipes(t *testing.T) {
	root := t.TempDir()
	c, err := NewViewerCache(root, "ViewerCache", 8*mib, 0.5)
	require.NoError(t, err)
	_, entry := addFrame(t, c, 1)
	release(entry)
	require.NoError(t, c.Save())

	manifest := filepath.Join(c.Root(), manifestName)
	raw, err := os.ReadFile(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifest, append([]byte("v0.0.0\n"), raw...), 0o644))

	c2, err := NewViewerCache(root, "ViewerCache", 8*mib, 0.5)
	require.NoError(t, err)
	stats := c2.Stats()
	assert.Equal(t, 0, stats.DiskEntries, "version mismatch must wipe")
	files, subdirs := c2.scanDataFiles()
	assert.Equal(t, 256, subdirs)
	assert.Equal(t, 0, files)
}

func TestRestoreCountMismatchWipes(t *testing.T) {
	root := t.TempDir()
	c, err := NewViewerCache(root, "ViewerCache", 8*mib, 0.5)
	require.NoError(t, err)
	key1, e1 := addFrame(t, c, 1)
	release(e1)
	_, e2 := addFrame(t, c, 2)
	release(e2)
	require.NoError(t, c.Save())

	// Delete one data file behind the manifest's back.
	require.NoError(t, os.Remove(c.entryPath(key1)))

	c2, err := NewViewerCache(root, "ViewerCache", 8*mib, 0.5)
	require.NoError(t, err)
	stats := c2.Stats()
	assert.Equal(t, 0, stats.DiskEntries, "count mismatch must produce an empty cache")
	files, subdirs := c2.scanDataFiles()
	assert.Equal(t, 256, subdirs)
	assert.Equal(t, 0, files)

	// Subsequent adds succeed against the recreated layout.
	_, e3 := addFrame(t, c2, 3)
	release(e3)
}

func TestMissingManifestRecreates(t *testing.T) {
	root := t.TempDir()
	c, err := NewViewerCache(root, "ViewerCache", 8*mib, 0.5)
	require.NoError(t, err)
	_, entry := addFrame(t, c, 1)
	release(entry)
	require.NoError(t, c.Save())
	require.NoError(t, os.Remove(filepath.Join(c.Root(), manifestName)))

	c2, err := NewViewerCache(root, "ViewerCache", 8*mib, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0, c2.Stats().DiskEntries)
}

func TestClearAllUnlinks(t *testing.T) {
	c := newTestCache(t, 8*mib, 0.5)
	key, entry := addFrame(t, c, 1)
	release(entry)
	path := c.entryPath(key)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("entry file missing before clear: %v", err)
	}

	require.NoError(t, c.ClearAll())
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("ClearAll left a data file behind")
	}
	files, subdirs := c.scanDataFiles()
	assert.Equal(t, 256, subdirs)
	assert.Equal(t, 0, files)
	assert.Empty(t, c.CachedFrames())
}

func TestCachedFrames(t *testing.T) {
	c := newTestCache(t, 8*mib, 0.5)
	for _, frame := range []int{3, 1, 7} {
		_, entry := addFrame(t, c, frame)
		release(entry)
	}
	assert.Equal(t, []uint32{1, 3, 7}, c.CachedFrames())
}

func TestFrameKeyDistinguishesDisplayParams(t *testing.T) {
	info := testInfo()
	base := FrameKey(1, 0xabc, 1, 0, 0, false, info.DataWindow, info.DisplayWindow.Box, mibRect())
	assert.NotEqual(t, base, FrameKey(2, 0xabc, 1, 0, 0, false, info.DataWindow, info.DisplayWindow.Box, mibRect()))
	assert.NotEqual(t, base, FrameKey(1, 0xabd, 1, 0, 0, false, info.DataWindow, info.DisplayWindow.Box, mibRect()))
	assert.NotEqual(t, base, FrameKey(1, 0xabc, 0.5, 0, 0, false, info.DataWindow, info.DisplayWindow.Box, mibRect()))
	assert.NotEqual(t, base, FrameKey(1, 0xabc, 1, 1.5, 0, false, info.DataWindow, info.DisplayWindow.Box, mibRect()))
	assert.NotEqual(t, base, FrameKey(1, 0xabc, 1, 0, 2, false, info.DataWindow, info.DisplayWindow.Box, mibRect()))
	assert.NotEqual(t, base, FrameKey(1, 0xabc, 1, 0, 0, true, info.DataWindow, info.DisplayWindow.Box, mibRect()))
}

func TestDescriptorRoundTrip(t *testing.T) {
	entry := NewFrameEntry(0.5, 1.25, 2, 0xdeadbeef, true, testInfo(), mibRect())
	entry.path = "/tmp/cache/ab/0123456789abcd.powc"
	entry.size = entry.ByteCount()

	parsed, err := parseFrameDescriptor(entry.Descriptor())
	require.NoError(t, err)
	assert.Equal(t, entry.path, parsed.Path())
	assert.Equal(t, entry.Zoom, parsed.Zoom)
	assert.Equal(t, entry.Exposure, parsed.Exposure)
	assert.Equal(t, entry.LUT, parsed.LUT)
	assert.Equal(t, entry.TreeVersion, parsed.TreeVersion)
	assert.Equal(t, entry.ByteMode, parsed.ByteMode)
	assert.Equal(t, entry.Info, parsed.Info)
	assert.Equal(t, entry.Rect, parsed.Rect)
	assert.Equal(t, entry.ByteCount(), parsed.Size())
}

func TestKeyFromPath(t *testing.T) {
	c := newTestCache(t, mib, 0.5)
	const key = uint64(0xab00112233445566)
	got, ok := keyFromPath(c.entryPath(key))
	require.True(t, ok)
	assert.Equal(t, key, got)
}
