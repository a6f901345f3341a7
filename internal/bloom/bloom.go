// Package bloom implements the per-SST bloom filter: a double-hashed bit
// array sized to bits_per_key × num_keys, matching the on-disk block
// format fixed by the SST layout (bits_per_key|num_keys|bitmap_len|bitmap,
// all little-endian).
package bloom

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// Filter is a mutable bloom filter under construction (Builder) or a
// read-only view over a decoded bitmap (Reader); both share the same probe
// logic so may_contain behaves identically whether the filter was just
// built or loaded from disk.
type Filter struct {
	bitsPerKey int
	numKeys    uint32
	bits       []byte // bit i is (bits[i/8] >> (i%8)) & 1
	numBits    uint64
	k          int
}

// New creates an empty filter sized for an expected key count. murmur3's
// 128-bit output supplies the two independent hashes the double-hashing
// probe positions derive from.
func New(bitsPerKey int, expectedKeys int) *Filter {
	if bitsPerKey <= 0 {
		bitsPerKey = 10
	}
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	// numBits is rounded up to a whole byte so that a filter rebuilt from
	// its serialized bitmap (FromBitmap derives numBits from the bitmap
	// length) probes the exact same positions as the one that built it.
	numBits := uint64(bitsPerKey) * uint64(expectedKeys)
	if numBits < 8 {
		numBits = 8
	}
	numBits = (numBits + 7) / 8 * 8
	k := int(math.Round(0.693 * float64(bitsPerKey)))
	if k < 1 {
		k = 1
	}
	return &Filter{
		bitsPerKey: bitsPerKey,
		bits:       make([]byte, numBits/8),
		numBits:    numBits,
		k:          k,
	}
}

// Add inserts a key's encoded form into the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := probeHashes(key)
	for i := 0; i < f.k; i++ {
		pos := probePosition(h1, h2, i, f.numBits)
		f.bits[pos/8] |= 1 << (pos % 8)
	}
	f.numKeys++
}

// MayContain reports whether key is possibly present (false positives
// allowed, false negatives never).
func (f *Filter) MayContain(key []byte) bool {
	if f == nil || len(f.bits) == 0 {
		return true
	}
	h1, h2 := probeHashes(key)
	for i := 0; i < f.k; i++ {
		pos := probePosition(h1, h2, i, f.numBits)
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// BitsPerKey, NumKeys, and Bitmap expose the on-disk block fields for the
// SST builder/reader to serialize/deserialize directly.
func (f *Filter) BitsPerKey() int { return f.bitsPerKey }
func (f *Filter) NumKeys() uint32 { return f.numKeys }
func (f *Filter) Bitmap() []byte  { return f.bits }
func (f *Filter) NumBits() uint64 { return f.numBits }

// FromBitmap reconstructs a read-only Filter from a decoded SST bloom
// block, for use by sst.Reader.may_contain.
func FromBitmap(bitsPerKey int, numKeys uint32, bitmap []byte) *Filter {
	k := int(math.Round(0.693 * float64(bitsPerKey)))
	if k < 1 {
		k = 1
	}
	return &Filter{
		bitsPerKey: bitsPerKey,
		numKeys:    numKeys,
		bits:       bitmap,
		numBits:    uint64(len(bitmap)) * 8,
		k:          k,
	}
}

// probeHashes derives the two independent 64-bit hashes murmur3.Sum128
// produces, the seeds for the h1 + i*h2 mod m double-hashing construction.
func probeHashes(key []byte) (uint64, uint64) {
	h1, h2 := murmur3.Sum128(key)
	return h1, h2
}

func probePosition(h1, h2 uint64, i int, numBits uint64) uint64 {
	combined := h1 + uint64(i)*h2
	return combined % numBits
}
