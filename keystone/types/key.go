package types

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/keystonedb/keystone/keystone/kerr"
)

// Key length limits.
const (
	MaxPKLen = 2048
	MaxSKLen = 1024
	MinPKLen = 1
)

// NumStripes is the fixed number of independent LSM shards.
const NumStripes = 256

// Key is a composite partition key plus optional sort key. Both fields
// are opaque byte strings chosen by the caller.
type Key struct {
	PK []byte
	SK []byte // nil means "no sort key"
}

// ReservedKeyPrefix is the lead byte reserved for the engine's own
// secondary-index records, which share stripes with base-table records.
// Caller-supplied keys may not start with it.
const ReservedKeyPrefix = 0xFF

// Validate enforces the key length bounds plus the reserved lead byte,
// returning InvalidArgument on violation.
func (k Key) Validate() error {
	if len(k.PK) < MinPKLen {
		return kerr.New(kerr.InvalidArgument, "partition key must not be empty")
	}
	if len(k.PK) > MaxPKLen {
		return kerr.New(kerr.InvalidArgument, "partition key length %d exceeds max %d", len(k.PK), MaxPKLen)
	}
	if len(k.SK) > MaxSKLen {
		return kerr.New(kerr.InvalidArgument, "sort key length %d exceeds max %d", len(k.SK), MaxSKLen)
	}
	if k.PK[0] == ReservedKeyPrefix {
		return kerr.New(kerr.InvalidArgument, "partition key may not start with reserved byte 0x%02X", ReservedKeyPrefix)
	}
	if len(k.SK) > 0 && k.SK[0] == ReservedKeyPrefix {
		return kerr.New(kerr.InvalidArgument, "sort key may not start with reserved byte 0x%02X", ReservedKeyPrefix)
	}
	return nil
}

// HasSK reports whether the key carries a sort key. A nil SK means no
// sort key; an empty-but-non-nil SK is a zero-length sort key and
// encodes with an explicit zero length prefix.
func (k Key) HasSK() bool { return k.SK != nil }

// Encode produces the canonical on-disk byte sequence (a binding
// on-disk contract):
//
//	u32 pk_len(LE) | pk bytes | [ u32 sk_len(LE) | sk bytes ]
//
// Raw byte comparison (bytes.Compare) of two Encode outputs IS the total
// order used for memtable and SST storage — see CompareEncoded. Because a
// PK-only encoding is an exact byte-prefix of any composite encoding
// sharing that PK, it always sorts strictly first. Within a single
// partition (fixed PK, hence
// fixed length prefix and fixed PK bytes), this reduces to plain
// byte-wise comparison of the SK bytes, which is what Query's sort-key
// range scans rely on.
func Encode(k Key) []byte {
	hasSK := k.HasSK()
	size := 4 + len(k.PK)
	if hasSK {
		size += 4 + len(k.SK)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(k.PK)))
	off := 4
	copy(buf[off:], k.PK)
	off += len(k.PK)
	if hasSK {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(k.SK)))
		off += 4
		copy(buf[off:], k.SK)
	}
	return buf
}

// Decode parses bytes produced by Encode, returning Corruption on any
// length inconsistency.
func Decode(b []byte) (Key, error) {
	if len(b) < 4 {
		return Key{}, kerr.New(kerr.Corruption, "encoded key too short: %d bytes", len(b))
	}
	pkLen := int(binary.LittleEndian.Uint32(b[0:4]))
	if pkLen < 0 || 4+pkLen > len(b) {
		return Key{}, kerr.New(kerr.Corruption, "encoded key pk_len %d out of range", pkLen)
	}
	pk := make([]byte, pkLen)
	copy(pk, b[4:4+pkLen])
	rest := b[4+pkLen:]
	if len(rest) == 0 {
		return Key{PK: pk}, nil
	}
	if len(rest) < 4 {
		return Key{}, kerr.New(kerr.Corruption, "encoded key truncated sk_len")
	}
	skLen := int(binary.LittleEndian.Uint32(rest[0:4]))
	if skLen < 0 || 4+skLen != len(rest) {
		return Key{}, kerr.New(kerr.Corruption, "encoded key sk_len %d inconsistent with remaining %d bytes", skLen, len(rest)-4)
	}
	sk := make([]byte, skLen)
	copy(sk, rest[4:4+skLen])
	return Key{PK: pk, SK: sk}, nil
}

// CompareEncoded orders two Encode outputs via plain byte-wise
// comparison — the total order memtables and SSTs are sorted under.
func CompareEncoded(a, b []byte) int {
	return bytes.Compare(a, b)
}

// StripeOf routes a partition key to one of NumStripes independent
// shards: CRC32 (IEEE polynomial) of the PK bytes, mod 256. Only the PK
// participates, so every record for a partition lands in one stripe.
// Routing is deliberately a different hash from the murmur3 framing
// checksums — the two concerns never mix.
func StripeOf(pk []byte) uint8 {
	return uint8(crc32.ChecksumIEEE(pk) % NumStripes)
}
