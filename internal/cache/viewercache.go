package cache

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/scanline/internal/box"
	"github.com/agentic-research/scanline/internal/reader"
)

// Version is written as the first line of the manifest. Any mismatch on
// restore wipes and recreates the cache.
const Version = "v1.0.0"

const (
	manifestName = "restoreFile.powc"
	entrySuffix  = ".powc"
)

// ViewerCache is the disk-backed frame cache. Entries live in one of two
// LRUs: the mapped subset (files currently in the address space) and the
// disk set (files present on disk, unmapped). The mapped subset is capped
// at a fraction of the whole budget; overflowing it demotes entries to
// the disk set, and overflowing the whole budget destroys disk-set
// entries and unlinks their files.
type ViewerCache struct {
	mu          sync.Mutex
	root        string
	maxSize     uint64
	memFraction float64

	mapped     *lru[*FrameEntry]
	disk       *lru[*FrameEntry]
	mappedSize uint64
	diskSize   uint64

	// cached-frame markers for the timeline readout
	frames     *roaring.Bitmap
	frameCount map[uint32]int
	keyFrame   map[uint64]int

	hits, misses, evictions uint64
}

// NewViewerCache lays out (or reuses) the on-disk cache rooted at
// <root>/<name> and restores whatever survived the previous run.
func NewViewerCache(root, name string, maxSize uint64, memFraction float64) (*ViewerCache, error) {
	if memFraction <= 0 || memFraction > 1 {
		memFraction = 0.25
	}
	c := &ViewerCache{
		root:        filepath.Join(root, name),
		maxSize:     maxSize,
		memFraction: memFraction,
		mapped:      newLRU[*FrameEntry](),
		disk:        newLRU[*FrameEntry](),
		frames:      roaring.New(),
		frameCount:  make(map[uint32]int),
		keyFrame:    make(map[uint64]int),
	}
	if err := c.Restore(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ViewerCache) Root() string { return c.root }

func (c *ViewerCache) maxInMemory() uint64 {
	return uint64(c.memFraction * float64(c.maxSize))
}

// entryPath places a key under its two-nibble subfolder:
// <root>/<hi 2 hex>/<lo 14 hex>.powc
func (c *ViewerCache) entryPath(key uint64) string {
	return filepath.Join(c.root,
		fmt.Sprintf("%02x", key>>56),
		fmt.Sprintf("%014x%s", key&0x00ffffffffffffff, entrySuffix))
}

// keyFromPath recovers the cache key from an entry file path.
func keyFromPath(path string) (uint64, bool) {
	base := strings.TrimSuffix(filepath.Base(path), entrySuffix)
	dir := filepath.Base(filepath.Dir(path))
	var hi, lo uint64
	if _, err := fmt.Sscanf(dir, "%02x", &hi); err != nil {
		return 0, false
	}
	if _, err := fmt.Sscanf(base, "%014x", &lo); err != nil {
		return 0, false
	}
	return hi<<56 | lo, true
}

// Add allocates a backing file for a new frame, maps it, and inserts it
// into the mapped subset with a reference held for the caller. Demotion
// and eviction ripple through the tiers as the budgets overflow.
func (c *ViewerCache) Add(key uint64, frame int, zoom, exposure, lut float32, byteMode bool,
	info reader.ImageInfo, rect box.TextureRect, treeVersion uint64,
) (*FrameEntry, error) {
	entry := NewFrameEntry(zoom, exposure, lut, treeVersion, byteMode, info, rect)
	if err := entry.Allocate(c.entryPath(key)); err != nil {
		return nil, err
	}

	entry.Lock()
	entry.Ref()
	entry.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-adding a key must not leave a stale twin in either set.
	c.dropExisting(key)
	c.markFrame(key, frame)
	c.insertMapped(key, entry)
	return entry, nil
}

// dropExisting unbinds a key from both sets ahead of a replacement.
// A still-referenced old entry keeps its storage until its readers let
// go; a removable one is deallocated in place. Callers hold the cache
// lock.
func (c *ViewerCache) dropExisting(key uint64) {
	for _, set := range []*lru[*FrameEntry]{c.mapped, c.disk} {
		old, ok := set.remove(key)
		if !ok {
			continue
		}
		if set == c.mapped {
			c.mappedSize -= old.Size()
		} else {
			c.diskSize -= old.Size()
		}
		old.Lock()
		removable := old.Removable()
		old.Unlock()
		if removable {
			old.Deallocate()
		}
		c.unmarkFrame(key)
	}
}

// insertMapped puts entry into the mapped subset, demoting the evicted
// entry (if any) into the disk set. Callers hold the cache lock.
func (c *ViewerCache) insertMapped(key uint64, entry *FrameEntry) {
	evict := c.mappedSize >= c.maxInMemory()
	c.mappedSize += entry.Size()
	vKey, victim, evicted := c.mapped.insert(key, entry, evict)
	if !evicted {
		return
	}
	victim.Lock()
	removable := victim.Removable()
	victim.Unlock()
	if !removable {
		// Still referenced: put it back rather than unmap under a reader.
		c.mapped.insert(vKey, victim, false)
		return
	}
	c.mappedSize -= victim.Size()
	victim.Deallocate()
	c.insertDisk(vKey, victim)
}

// insertDisk puts an unmapped entry into the disk set, destroying the
// overall-LRU entry and unlinking its file when the whole budget
// overflows. Callers hold the cache lock.
func (c *ViewerCache) insertDisk(key uint64, entry *FrameEntry) {
	evict := c.mappedSize+c.diskSize >= c.maxSize
	c.diskSize += entry.Size()
	vKey, victim, evicted := c.disk.insert(key, entry, evict)
	if !evicted {
		return
	}
	victim.Lock()
	removable := victim.Removable()
	victim.Unlock()
	if !removable {
		c.disk.insert(vKey, victim, false)
		return
	}
	c.diskSize -= victim.Size()
	c.evictions++
	c.destroy(vKey, victim)
}

// destroy frees an entry and unlinks its backing file. Callers hold the
// cache lock and have verified the entry is removable.
func (c *ViewerCache) destroy(key uint64, entry *FrameEntry) {
	entry.Deallocate()
	if entry.Path() != "" {
		_ = os.Remove(entry.Path())
	}
	c.unmarkFrame(key)
}

// Get probes the mapped subset first, then the disk set. A disk hit
// remaps the file and promotes the entry back into the mapped subset. An
// entry whose file fails to remap is dropped and unlinked, and the probe
// reports a miss. On a hit the entry's reference count is already bumped.
func (c *ViewerCache) Get(key uint64) *FrameEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.mapped.lookup(key); ok {
		entry.Lock()
		entry.Ref()
		entry.Unlock()
		c.hits++
		return entry
	}
	entry, ok := c.disk.remove(key)
	if !ok {
		c.misses++
		return nil
	}
	c.diskSize -= entry.Size()
	if err := entry.Reopen(); err != nil {
		log.Printf("viewer cache: dropping %s: %v", entry.Path(), err)
		c.destroy(key, entry)
		c.misses++
		return nil
	}
	entry.Lock()
	entry.Ref()
	entry.Unlock()
	c.insertMapped(key, entry)
	c.hits++
	return entry
}

// ClearInMemory demotes every removable mapped entry to the disk set.
// Entries still referenced are re-inserted into the mapped subset; when
// everything left is referenced the pass stops rather than spin.
func (c *ViewerCache) ClearInMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearInMemoryLocked()
}

func (c *ViewerCache) clearInMemoryLocked() {
	notRemovable := 0
	for c.mapped.len() > 0 {
		key, entry, ok := c.mapped.evict()
		if !ok {
			return
		}
		entry.Lock()
		removable := entry.Removable()
		entry.Unlock()
		if !removable {
			c.mapped.insert(key, entry, false)
			notRemovable++
			if notRemovable >= c.mapped.len() {
				return
			}
			continue
		}
		c.mappedSize -= entry.Size()
		entry.Deallocate()
		c.insertDisk(key, entry)
	}
}

// ClearAll empties both sets, unlinks every data file and recreates the
// 256 subfolders. Referenced entries survive in the mapped subset.
func (c *ViewerCache) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keep []pair[*FrameEntry]
	c.mapped.each(func(key uint64, entry *FrameEntry) bool {
		entry.Lock()
		removable := entry.Removable()
		entry.Unlock()
		if removable {
			c.mappedSize -= entry.Size()
			entry.Deallocate()
		} else {
			keep = append(keep, pair[*FrameEntry]{key: key, value: entry})
		}
		return true
	})
	c.disk.each(func(key uint64, entry *FrameEntry) bool {
		c.diskSize -= entry.Size()
		entry.Deallocate()
		return true
	})
	c.mapped = newLRU[*FrameEntry]()
	c.disk = newLRU[*FrameEntry]()
	c.frames.Clear()
	c.frameCount = make(map[uint32]int)
	c.keyFrame = make(map[uint64]int)
	for _, p := range keep {
		c.mapped.insert(p.key, p.value, false)
	}
	return c.recreateLocked()
}

// Save flushes the mapped subset down to the disk set, then writes the
// manifest: the version line followed by one descriptor per on-disk
// entry.
func (c *ViewerCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearInMemoryLocked()

	f, err := os.Create(filepath.Join(c.root, manifestName))
	if err != nil {
		return fmt.Errorf("viewer cache: write manifest: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, Version)
	c.disk.each(func(_ uint64, entry *FrameEntry) bool {
		fmt.Fprintln(w, entry.Descriptor())
		return true
	})
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("viewer cache: write manifest: %w", err)
	}
	return f.Close()
}

// Restore reads the manifest and re-registers every surviving entry into
// the disk set. A missing manifest, a version mismatch or a disagreement
// between the manifest and the actual data files wipes the cache and
// recreates an empty, well-formed layout. After a successful restore the
// manifest is truncated back to the version line; live entries are
// re-announced by the next Save.
func (c *ViewerCache) Restore() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	manifest := filepath.Join(c.root, manifestName)
	f, err := os.Open(manifest)
	if err != nil {
		return c.recreateLocked()
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != Version {
		log.Printf("viewer cache: version mismatch, recreating %s", c.root)
		return c.recreateLocked()
	}

	var entries []*FrameEntry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		entry, err := parseFrameDescriptor(line)
		if err != nil {
			log.Printf("viewer cache: discarding entry: %v", err)
			return c.recreateLocked()
		}
		entries = append(entries, entry)
	}

	count, subdirs := c.scanDataFiles()
	if subdirs < 256 || count != len(entries) {
		log.Printf("viewer cache: manifest lists %d entries, disk holds %d; recreating %s",
			len(entries), count, c.root)
		return c.recreateLocked()
	}

	for _, entry := range entries {
		key, ok := keyFromPath(entry.Path())
		if !ok {
			log.Printf("viewer cache: bad entry path %s; recreating %s", entry.Path(), c.root)
			return c.recreateLocked()
		}
		// Verify the file still opens and matches before trusting it.
		if err := entry.Reopen(); err != nil {
			log.Printf("viewer cache: dropping %s: %v", entry.Path(), err)
			_ = os.Remove(entry.Path())
			continue
		}
		entry.Deallocate()
		c.diskSize += entry.Size()
		c.disk.insert(key, entry, false)
	}

	// Truncate the manifest to the version line; surviving entries are
	// re-announced by the next Save.
	return os.WriteFile(manifest, []byte(Version+"\n"), 0o644)
}

// scanDataFiles counts entry files and hex subfolders under the root.
func (c *ViewerCache) scanDataFiles() (files, subdirs int) {
	dirs, err := os.ReadDir(c.root)
	if err != nil {
		return 0, 0
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if len(d.Name()) != 2 {
			continue
		}
		subdirs++
		items, err := os.ReadDir(filepath.Join(c.root, d.Name()))
		if err != nil {
			continue
		}
		for _, it := range items {
			if !it.IsDir() && strings.HasSuffix(it.Name(), entrySuffix) {
				files++
			}
		}
	}
	return files, subdirs
}

// recreateLocked wipes the on-disk layout and builds the empty skeleton:
// the root, 256 subfolders, and a manifest holding only the version line.
func (c *ViewerCache) recreateLocked() error {
	if err := os.RemoveAll(c.root); err != nil {
		return fmt.Errorf("viewer cache: wipe %s: %w", c.root, err)
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("viewer cache: create %s: %w", c.root, err)
	}
	for i := 0; i <= 0xff; i++ {
		if err := os.Mkdir(filepath.Join(c.root, fmt.Sprintf("%02x", i)), 0o755); err != nil {
			return fmt.Errorf("viewer cache: create subfolder: %w", err)
		}
	}
	manifest := filepath.Join(c.root, manifestName)
	if err := os.WriteFile(manifest, []byte(Version+"\n"), 0o644); err != nil {
		return fmt.Errorf("viewer cache: create manifest: %w", err)
	}
	return nil
}

// markFrame records that a key caches the given frame number. Callers
// hold the cache lock.
func (c *ViewerCache) markFrame(key uint64, frame int) {
	if frame < 0 {
		return
	}
	fr := uint32(frame)
	c.keyFrame[key] = frame
	c.frameCount[fr]++
	c.frames.Add(fr)
}

func (c *ViewerCache) unmarkFrame(key uint64) {
	frame, ok := c.keyFrame[key]
	if !ok {
		return
	}
	delete(c.keyFrame, key)
	fr := uint32(frame)
	if c.frameCount[fr]--; c.frameCount[fr] <= 0 {
		delete(c.frameCount, fr)
		c.frames.Remove(fr)
	}
}

// CachedFrames lists the frame numbers with at least one resident entry,
// in ascending order. Only frames added this session are tracked;
// restored entries do not carry a frame number.
func (c *ViewerCache) CachedFrames() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames.ToArray()
}

// ViewerStats is a point-in-time readout for the CLI.
type ViewerStats struct {
	MappedEntries int     `json:"mapped_entries"`
	DiskEntries   int     `json:"disk_entries"`
	MappedSize    uint64  `json:"mapped_size"`
	DiskSize      uint64  `json:"disk_size"`
	MaxSize       uint64  `json:"max_size"`
	MemFraction   float64 `json:"mem_fraction"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
}

func (c *ViewerCache) Stats() ViewerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ViewerStats{
		MappedEntries: c.mapped.len(),
		DiskEntries:   c.disk.len(),
		MappedSize:    c.mappedSize,
		DiskSize:      c.diskSize,
		MaxSize:       c.maxSize,
		MemFraction:   c.memFraction,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
	}
}
