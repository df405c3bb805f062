package cache

import (
	"fmt"
	"os"
	"strings"

	"github.com/agentic-research/scanline/internal/box"
	"github.com/agentic-research/scanline/internal/hash"
	"github.com/agentic-research/scanline/internal/mmapfile"
	"github.com/agentic-research/scanline/internal/reader"
)

// FrameEntry is one presentation-ready viewer tile, always disk backed.
// While it sits in the mapped subset its file is in the address space;
// demoted to the disk set the mapping is dropped and only the file
// remains.
type FrameEntry struct {
	entryBase

	Zoom        float32
	Exposure    float32
	LUT         float32
	TreeVersion uint64
	ByteMode    bool
	Info        reader.ImageInfo
	Rect        box.TextureRect

	path   string
	mapped *mmapfile.File
}

// NewFrameEntry builds the descriptor side of an entry; Allocate gives it
// a backing file.
func NewFrameEntry(zoom, exposure, lut float32, treeVersion uint64, byteMode bool,
	info reader.ImageInfo, rect box.TextureRect,
) *FrameEntry {
	return &FrameEntry{
		Zoom:        zoom,
		Exposure:    exposure,
		LUT:         lut,
		TreeVersion: treeVersion,
		ByteMode:    byteMode,
		Info:        info,
		Rect:        rect,
	}
}

// ByteCount is the exact size of the backing file: 4 bytes per texel in
// byte mode, 16 (float RGBA) otherwise.
func (f *FrameEntry) ByteCount() uint64 {
	per := uint64(16)
	if f.ByteMode {
		per = 4
	}
	return uint64(f.Rect.W) * uint64(f.Rect.H) * per
}

// Allocate creates (or re-uses) the backing file at path, sized to
// ByteCount, and maps it. On failure the entry is left unallocated and a
// freshly created file is unlinked.
func (f *FrameEntry) Allocate(path string) error {
	m, err := mmapfile.Open(path, mmapfile.KeepOrCreate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}
	if err := m.Resize(int64(f.ByteCount())); err != nil {
		_ = m.Close()
		_ = os.Remove(path)
		return fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}
	f.mapped = m
	f.path = path
	f.size = f.ByteCount()
	return nil
}

// Reopen remaps an entry whose file is already on disk. The file must
// exist and match ByteCount exactly.
func (f *FrameEntry) Reopen() error {
	if f.path == "" {
		return fmt.Errorf("%w: entry has no backing path", ErrMapFailed)
	}
	m, err := mmapfile.Open(f.path, mmapfile.KeepOrFail)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	if uint64(m.Size()) != f.ByteCount() {
		_ = m.Close()
		return fmt.Errorf("%w: %s: size %d, want %d", ErrMapFailed, f.path, m.Size(), f.ByteCount())
	}
	f.mapped = m
	return nil
}

// Deallocate drops the mapping, leaving the file on disk.
func (f *FrameEntry) Deallocate() {
	if f.mapped != nil {
		_ = f.mapped.Close()
		f.mapped = nil
	}
}

// Data is the mapped texel bytes, nil while demoted.
func (f *FrameEntry) Data() []byte {
	if f.mapped == nil {
		return nil
	}
	return f.mapped.Data()
}

// Flush schedules the mapped bytes for write-out.
func (f *FrameEntry) Flush() error {
	if f.mapped == nil {
		return nil
	}
	return f.mapped.Flush()
}

func (f *FrameEntry) Path() string { return f.path }

func (f *FrameEntry) MemoryMapped() bool { return true }

func boolWord(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// FrameKey composes the viewer-cache key. It folds everything that makes
// a displayed tile distinct: frame number, the upstream tree version, the
// display adjustments (zoom, exposure, LUT, bit depth) and the windows
// and texture rectangle. Display adjustments live here and not in the row
// key: the row cache sits upstream of them.
func FrameKey(frame int, treeVersion uint64, zoom, exposure, lut float32, byteMode bool,
	dataWindow box.Box, displayWindow box.Box, rect box.TextureRect,
) uint64 {
	var h hash.Hash
	h.AppendInt(frame)
	h.Append(treeVersion)
	h.AppendFloat(zoom)
	h.AppendFloat(exposure)
	h.AppendFloat(lut)
	h.Append(boolWord(byteMode))
	h.AppendInt(dataWindow.X)
	h.AppendInt(dataWindow.Y)
	h.AppendInt(dataWindow.T)
	h.AppendInt(dataWindow.R)
	h.AppendInt(displayWindow.X)
	h.AppendInt(displayWindow.Y)
	h.AppendInt(displayWindow.T)
	h.AppendInt(displayWindow.R)
	h.AppendInt(rect.X)
	h.AppendInt(rect.Y)
	h.AppendInt(rect.T)
	h.AppendInt(rect.R)
	h.AppendInt(rect.W)
	h.AppendInt(rect.H)
	h.Compute()
	return h.Value()
}

// Descriptor prints the manifest line for this entry:
// path zoom exposure lut treeVersion byteMode <info> texX texY texR texT texW texH
func (f *FrameEntry) Descriptor() string {
	return fmt.Sprintf("%s %g %g %g %d %d %s %d %d %d %d %d %d",
		f.path, f.Zoom, f.Exposure, f.LUT, f.TreeVersion, boolWord(f.ByteMode),
		f.Info.Descriptor(),
		f.Rect.X, f.Rect.Y, f.Rect.R, f.Rect.T, f.Rect.W, f.Rect.H)
}

// parseFrameDescriptor is the inverse of Descriptor.
func parseFrameDescriptor(line string) (*FrameEntry, error) {
	fields := strings.Fields(line)
	if len(fields) != 13 {
		return nil, fmt.Errorf("%w: descriptor %q", ErrCacheCorrupt, line)
	}
	f := &FrameEntry{path: fields[0]}
	var byteMode int
	if _, err := fmt.Sscanf(strings.Join(fields[1:6], " "), "%g %g %g %d %d",
		&f.Zoom, &f.Exposure, &f.LUT, &f.TreeVersion, &byteMode); err != nil {
		return nil, fmt.Errorf("%w: descriptor %q: %v", ErrCacheCorrupt, line, err)
	}
	f.ByteMode = byteMode != 0
	info, err := reader.ParseDescriptor(fields[6])
	if err != nil {
		return nil, fmt.Errorf("%w: descriptor %q: %v", ErrCacheCorrupt, line, err)
	}
	f.Info = info
	if _, err := fmt.Sscanf(strings.Join(fields[7:], " "), "%d %d %d %d %d %d",
		&f.Rect.X, &f.Rect.Y, &f.Rect.R, &f.Rect.T, &f.Rect.W, &f.Rect.H); err != nil {
		return nil, fmt.Errorf("%w: descriptor %q: %v", ErrCacheCorrupt, line, err)
	}
	f.size = f.ByteCount()
	return f, nil
}
