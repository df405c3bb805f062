// Package mmapfile wraps a named, resizable, memory-mapped file. It is the
// storage primitive under every disk-backed cache entry: the cache decides
// when a file is created, remapped or unlinked; this package only owns the
// mapping itself. Closing a File unmaps and closes but never unlinks.
package mmapfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mode selects how Open treats an existing (or missing) file.
type Mode int

const (
	// KeepOrCreate opens the file if present, creates it otherwise.
	KeepOrCreate Mode = iota
	// KeepOrFail opens the file only if it already exists. Used when
	// remapping a cache entry whose backing file must already be on disk.
	KeepOrFail
)

var (
	ErrOpen   = errors.New("mmapfile: open failed")
	ErrMap    = errors.New("mmapfile: mmap failed")
	ErrResize = errors.New("mmapfile: resize failed")
)

// File is a read/write memory-mapped file that is wholly loaded into the
// address space of the process.
type File struct {
	path string
	f    *os.File
	data []byte
	size int64
}

// Open maps the file at path according to mode. A zero-length file is left
// unmapped until the first Resize; Data returns nil in that state.
func Open(path string, mode Mode) (*File, error) {
	flags := os.O_RDWR
	if mode == KeepOrCreate {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	m := &File{path: path, f: f, size: info.Size()}
	if m.size > 0 {
		if err := m.mapRange(m.size); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *File) mapRange(n int64) error {
	data, err := unix.Mmap(int(m.f.Fd()), 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMap, m.path, err)
	}
	m.data = data
	return nil
}

// Resize grows or shrinks the file to n bytes and remaps it, preserving
// existing content up to the new size.
func (m *File) Resize(n int64) error {
	if n == m.size {
		return nil
	}
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrResize, m.path, err)
		}
		m.data = nil
	}
	if err := m.f.Truncate(n); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrResize, m.path, err)
	}
	m.size = n
	if n > 0 {
		if err := m.mapRange(n); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrResize, m.path, err)
		}
	}
	return nil
}

// Data is the mapped byte range, nil while the file is empty.
func (m *File) Data() []byte { return m.data }

// Size is the logical length of the file in bytes.
func (m *File) Size() int64 { return m.size }

// Capacity is the mapped length. It equals Size; the physical file is
// never held larger than the mapping.
func (m *File) Capacity() int64 { return m.size }

// Path is the name the file was opened under.
func (m *File) Path() string { return m.path }

// Flush asks the kernel to schedule the dirty pages for write-out.
// Best effort: durability is not required for cache correctness, a lost
// entry is just a future miss.
func (m *File) Flush() error {
	if m.data == nil {
		return nil
	}
	return unix.Msync(m.data, unix.MS_ASYNC)
}

// Close unmaps and closes the file. The file stays on disk; unlinking is
// the owner's call.
func (m *File) Close() error {
	var first error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			first = err
		}
		m.data = nil
	}
	if m.f != nil {
		if err := m.f.Close(); err != nil && first == nil {
			first = err
		}
		m.f = nil
	}
	return first
}
