// Package btree implements a latched B+-tree index over paged storage,
// with latch-crabbing concurrency for point lookups, range iteration,
// inserts, and deletes.
package btree

import (
	"bytes"
	"cmp"
	"encoding/binary"
)

// Order is a total order over keys, returning -1/0/+1.
type Order[K any] func(a, b K) int

// KeyCodec encodes fixed-width keys into node entries. The width
// determines the node fan-out; the on-disk format stores exactly
// Size() bytes per key.
type KeyCodec[K any] interface {
	Size() int
	Encode(dst []byte, key K)
	Decode(src []byte) K
}

// Uint32Codec stores 4-byte unsigned integer keys.
type Uint32Codec struct{}

func (Uint32Codec) Size() int                   { return 4 }
func (Uint32Codec) Encode(dst []byte, k uint32) { binary.LittleEndian.PutUint32(dst, k) }
func (Uint32Codec) Decode(src []byte) uint32    { return binary.LittleEndian.Uint32(src) }

// OrderUint32 is the natural order on uint32 keys.
func OrderUint32(a, b uint32) int { return cmp.Compare(a, b) }

// Uint64Codec stores 8-byte unsigned integer keys.
type Uint64Codec struct{}

func (Uint64Codec) Size() int                   { return 8 }
func (Uint64Codec) Encode(dst []byte, k uint64) { binary.LittleEndian.PutUint64(dst, k) }
func (Uint64Codec) Decode(src []byte) uint64    { return binary.LittleEndian.Uint64(src) }

// OrderUint64 is the natural order on uint64 keys.
func OrderUint64(a, b uint64) int { return cmp.Compare(a, b) }

// BytesCodec stores fixed-width byte-string keys, zero-padded to the
// configured width. Widths of 4, 8, 16, 32, and 64 bytes cover the
// generic key family of the on-disk contract.
type BytesCodec struct {
	width int
}

// NewBytesCodec creates a codec for keys of the given byte width.
func NewBytesCodec(width int) BytesCodec {
	return BytesCodec{width: width}
}

func (c BytesCodec) Size() int { return c.width }

func (c BytesCodec) Encode(dst []byte, k []byte) {
	n := copy(dst[:c.width], k)
	for i := n; i < c.width; i++ {
		dst[i] = 0
	}
}

func (c BytesCodec) Decode(src []byte) []byte {
	out := make([]byte, c.width)
	copy(out, src[:c.width])
	return out
}

// OrderBytes is the lexicographic order on byte-string keys.
func OrderBytes(a, b []byte) int { return bytes.Compare(a, b) }
