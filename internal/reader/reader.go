// Package reader is the engine-facing surface of file inputs: the decoder
// contract, the per-file header information that travels with cached
// frames, and an LRU of opened headers so scrubbing a sequence does not
// re-probe the same files.
package reader

import (
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentic-research/scanline/internal/box"
	"github.com/agentic-research/scanline/internal/channels"
	"github.com/agentic-research/scanline/internal/row"
)

var (
	ErrDecodeFailed = errors.New("reader: decode failed")
	ErrBadHeader    = errors.New("reader: bad header descriptor")
)

// ImageInfo describes one source: what a decoder learns from the file
// header before any pixel is read.
type ImageInfo struct {
	Channels      channels.Set
	DataWindow    box.Box
	DisplayWindow box.Format
	YDirection    int
	FirstFrame    int
	LastFrame     int
	// CurrentName is the resolved name of the frame being read, for
	// sequences where the path is a pattern.
	CurrentName string
}

// ClampFrame clips a frame number to the source's declared range.
func (i ImageInfo) ClampFrame(frame int) int {
	if frame < i.FirstFrame {
		return i.FirstFrame
	}
	if frame > i.LastFrame {
		return i.LastFrame
	}
	return frame
}

// Descriptor serialises the info as a single whitespace-free token for the
// frame-cache manifest. CurrentName goes last so it may contain slashes.
// Neither name may contain whitespace, and the display name no slash;
// cache-managed names satisfy both.
func (i ImageInfo) Descriptor() string {
	return fmt.Sprintf("%d:%d:%d:%d/%d:%d:%d:%d/%s/%08x/%d/%d:%d/%s",
		i.DataWindow.X, i.DataWindow.Y, i.DataWindow.R, i.DataWindow.T,
		i.DisplayWindow.X, i.DisplayWindow.Y, i.DisplayWindow.R, i.DisplayWindow.T,
		i.DisplayWindow.Name,
		uint32(i.Channels), i.YDirection, i.FirstFrame, i.LastFrame, i.CurrentName)
}

// ParseDescriptor is the inverse of Descriptor.
func ParseDescriptor(tok string) (ImageInfo, error) {
	parts := strings.SplitN(tok, "/", 7)
	if len(parts) != 7 {
		return ImageInfo{}, fmt.Errorf("%w: %q", ErrBadHeader, tok)
	}
	var i ImageInfo
	var mask uint32
	if _, err := fmt.Sscanf(parts[0], "%d:%d:%d:%d",
		&i.DataWindow.X, &i.DataWindow.Y, &i.DataWindow.R, &i.DataWindow.T); err != nil {
		return ImageInfo{}, fmt.Errorf("%w: data window in %q", ErrBadHeader, tok)
	}
	if _, err := fmt.Sscanf(parts[1], "%d:%d:%d:%d",
		&i.DisplayWindow.X, &i.DisplayWindow.Y, &i.DisplayWindow.R, &i.DisplayWindow.T); err != nil {
		return ImageInfo{}, fmt.Errorf("%w: display window in %q", ErrBadHeader, tok)
	}
	i.DisplayWindow.Name = parts[2]
	if _, err := fmt.Sscanf(parts[3], "%x", &mask); err != nil {
		return ImageInfo{}, fmt.Errorf("%w: channel mask in %q", ErrBadHeader, tok)
	}
	i.Channels = channels.Set(mask)
	if _, err := fmt.Sscanf(parts[4], "%d", &i.YDirection); err != nil {
		return ImageInfo{}, fmt.Errorf("%w: y direction in %q", ErrBadHeader, tok)
	}
	if _, err := fmt.Sscanf(parts[5], "%d:%d", &i.FirstFrame, &i.LastFrame); err != nil {
		return ImageInfo{}, fmt.Errorf("%w: frame range in %q", ErrBadHeader, tok)
	}
	i.CurrentName = parts[6]
	return i, nil
}

// Decoder is what a file format plugs in: header probing and row decoding.
type Decoder interface {
	OpenHeader(path string) (*ImageInfo, error)
	// Decode fills out with the pixels of the given frame over the
	// region of interest. The row's range and channels are already set.
	Decode(path string, frame int, roi box.Box, out *row.Row) error
}

// HeaderCache memoises OpenHeader results per path.
type HeaderCache struct {
	dec     Decoder
	headers *lru.Cache[string, *ImageInfo]
}

func NewHeaderCache(dec Decoder, size int) (*HeaderCache, error) {
	if size <= 0 {
		size = 128
	}
	headers, err := lru.New[string, *ImageInfo](size)
	if err != nil {
		return nil, err
	}
	return &HeaderCache{dec: dec, headers: headers}, nil
}

func (h *HeaderCache) OpenHeader(path string) (*ImageInfo, error) {
	if info, ok := h.headers.Get(path); ok {
		return info, nil
	}
	info, err := h.dec.OpenHeader(path)
	if err != nil {
		return nil, err
	}
	h.headers.Add(path, info)
	return info, nil
}

func (h *HeaderCache) Decode(path string, frame int, roi box.Box, out *row.Row) error {
	return h.dec.Decode(path, frame, roi, out)
}
