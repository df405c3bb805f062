package hash

import (
	"encoding/binary"
	"hash/crc32"
	"math"
)

// Hash builds the 64-bit fingerprint that identifies a node's output.
// Words are accumulated in append order; Compute folds the whole buffer
// with a CRC-32 and stores the checksum widened to 64 bits. The checksum
// of a node's buffer depends on its parameter words, its class name and
// the already-computed fingerprints of its parents, in that order, so two
// trees whose upstream contributions are all equal hash equal. Being a
// 32-bit checksum, distinct trees can still collide.
type Hash struct {
	buf   []byte
	value uint64
}

// Append adds one 64-bit word to the pending buffer.
func (h *Hash) Append(w uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], w)
	h.buf = append(h.buf, b[:]...)
}

// AppendInt adds an integer parameter as one word.
func (h *Hash) AppendInt(v int) {
	h.Append(uint64(int64(v)))
}

// AppendFloat adds the bit pattern of a float parameter as one word.
// Hashing the bits instead of a formatted value keeps the fingerprint
// stable across locales and formatting changes.
func (h *Hash) AppendFloat(f float32) {
	h.Append(uint64(math.Float32bits(f)))
}

// AppendString adds each rune of text as one word.
func (h *Hash) AppendString(s string) {
	for _, r := range s {
		h.Append(uint64(r))
	}
}

// AppendHash folds another hash's final value in as one word.
func (h *Hash) AppendHash(o *Hash) {
	h.Append(o.Value())
}

// Compute runs the checksum over the accumulated buffer, stores it as the
// hash value and clears the buffer for the next round.
func (h *Hash) Compute() {
	h.value = uint64(crc32.ChecksumIEEE(h.buf))
	h.buf = h.buf[:0]
}

// Value returns the current checksum. Zero until Compute has run.
func (h *Hash) Value() uint64 {
	return h.value
}

// Reset drops both the pending buffer and the stored value.
func (h *Hash) Reset() {
	h.buf = h.buf[:0]
	h.value = 0
}

// Of is a convenience for one-shot keys: it appends the given words and
// returns the computed value.
func Of(words ...uint64) uint64 {
	var h Hash
	for _, w := range words {
		h.Append(w)
	}
	h.Compute()
	return h.Value()
}
