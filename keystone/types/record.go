package types

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/keystonedb/keystone/keystone/kerr"
)

// RecordKind distinguishes a live value from a tombstone.
type RecordKind byte

const (
	Put RecordKind = iota + 1
	Delete
)

// Record is the unit of storage in the memtable, WAL, and SST: a key, a
// kind, a commit sequence number, and (for Put) the full replacement
// item. Delete carries no value — it is a tombstone.
type Record struct {
	Key   Key
	Kind  RecordKind
	Seqno uint64
	Value Item // nil for Delete
}

// EncodeRecord serializes a Record into the deterministic tagged
// encoding used as the WAL record body and the SST data-region entry
// body: explicit length-prefixed fields, little-endian, no reflection.
//
// Layout: u32 keylen(LE) | encoded key | u8 kind | u64 seqno(LE) |
// [ u32 itemlen(LE) | encoded item ]  (item block present only for Put)
func EncodeRecord(r Record) []byte {
	ek := Encode(r.Key)
	var itemBytes []byte
	if r.Kind == Put {
		itemBytes = EncodeItem(r.Value)
	}
	size := 4 + len(ek) + 1 + 8
	if r.Kind == Put {
		size += 4 + len(itemBytes)
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(ek)))
	off += 4
	off += copy(buf[off:], ek)
	buf[off] = byte(r.Kind)
	off++
	binary.LittleEndian.PutUint64(buf[off:], r.Seqno)
	off += 8
	if r.Kind == Put {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(itemBytes)))
		off += 4
		copy(buf[off:], itemBytes)
	}
	return buf
}

// DecodeRecord parses a buffer produced by EncodeRecord.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) < 4 {
		return Record{}, kerr.New(kerr.Corruption, "record truncated: missing key length")
	}
	keyLen := int(binary.LittleEndian.Uint32(b[0:4]))
	off := 4
	if keyLen < 0 || off+keyLen > len(b) {
		return Record{}, kerr.New(kerr.Corruption, "record key length %d out of range", keyLen)
	}
	key, err := Decode(b[off : off+keyLen])
	if err != nil {
		return Record{}, err
	}
	off += keyLen
	if off+1+8 > len(b) {
		return Record{}, kerr.New(kerr.Corruption, "record truncated: missing kind/seqno")
	}
	kind := RecordKind(b[off])
	off++
	seqno := binary.LittleEndian.Uint64(b[off:])
	off += 8
	rec := Record{Key: key, Kind: kind, Seqno: seqno}
	switch kind {
	case Put:
		if off+4 > len(b) {
			return Record{}, kerr.New(kerr.Corruption, "record truncated: missing item length")
		}
		itemLen := int(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		if itemLen < 0 || off+itemLen > len(b) {
			return Record{}, kerr.New(kerr.Corruption, "record item length %d out of range", itemLen)
		}
		item, err := DecodeItem(b[off : off+itemLen])
		if err != nil {
			return Record{}, err
		}
		rec.Value = item
	case Delete:
		// no payload
	default:
		return Record{}, kerr.New(kerr.Corruption, "record has unknown kind %d", kind)
	}
	return rec, nil
}

// EncodeItem serializes an Item as: u32 count(LE) | ( u32 namelen(LE) |
// name bytes | encoded value )*, attributes in ascending name order.
func EncodeItem(it Item) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(it)))
	names := make([]string, 0, len(it))
	for name := range it {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := it[name]
		nb := []byte(name)
		head := make([]byte, 4+len(nb))
		binary.LittleEndian.PutUint32(head, uint32(len(nb)))
		copy(head[4:], nb)
		buf = append(buf, head...)
		buf = append(buf, EncodeValue(v)...)
	}
	return buf
}

// DecodeItem parses a buffer produced by EncodeItem.
func DecodeItem(b []byte) (Item, error) {
	if len(b) < 4 {
		return nil, kerr.New(kerr.Corruption, "item truncated: missing count")
	}
	count := int(binary.LittleEndian.Uint32(b))
	off := 4
	it := make(Item, count)
	for i := 0; i < count; i++ {
		if off+4 > len(b) {
			return nil, kerr.New(kerr.Corruption, "item truncated: missing attr name length")
		}
		nameLen := int(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		if nameLen < 0 || off+nameLen > len(b) {
			return nil, kerr.New(kerr.Corruption, "item attr name length %d out of range", nameLen)
		}
		name := string(b[off : off+nameLen])
		off += nameLen
		v, n, err := DecodeValue(b[off:])
		if err != nil {
			return nil, err
		}
		it[name] = v
		off += n
	}
	return it, nil
}

// EncodeValue serializes a single Value as a 1-byte discriminant
// followed by a variant-specific, length-prefixed payload.
func EncodeValue(v Value) []byte {
	switch v.Kind {
	case KindS:
		return encodeLenPrefixed(byte(KindS), []byte(v.S))
	case KindN:
		return encodeLenPrefixed(byte(KindN), []byte(v.N))
	case KindB:
		return encodeLenPrefixed(byte(KindB), v.B)
	case KindBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return []byte{byte(KindBool), b}
	case KindNull:
		return []byte{byte(KindNull)}
	case KindTs:
		buf := make([]byte, 9)
		buf[0] = byte(KindTs)
		binary.LittleEndian.PutUint64(buf[1:], uint64(v.Ts))
		return buf
	case KindVecF32:
		buf := make([]byte, 5+4*len(v.VecF))
		buf[0] = byte(KindVecF32)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(v.VecF)))
		off := 5
		for _, f := range v.VecF {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
			off += 4
		}
		return buf
	case KindL:
		buf := []byte{byte(KindL), 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(v.L)))
		for _, e := range v.L {
			buf = append(buf, EncodeValue(e)...)
		}
		return buf
	case KindM:
		buf := []byte{byte(KindM), 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(v.M)))
		names := make([]string, 0, len(v.M))
		for name := range v.M {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			e := v.M[name]
			nb := []byte(name)
			head := make([]byte, 4+len(nb))
			binary.LittleEndian.PutUint32(head, uint32(len(nb)))
			copy(head[4:], nb)
			buf = append(buf, head...)
			buf = append(buf, EncodeValue(e)...)
		}
		return buf
	default:
		// An absent/zero Value should never reach serialization; callers
		// validate presence before this point.
		return []byte{0}
	}
}

// DecodeValue parses one Value starting at b[0], returning the Value and
// the number of bytes consumed.
func DecodeValue(b []byte) (Value, int, error) {
	if len(b) < 1 {
		return Value{}, 0, kerr.New(kerr.Corruption, "value truncated: missing discriminant")
	}
	kind := Kind(b[0])
	switch kind {
	case KindS:
		s, n, err := decodeLenPrefixedString(b[1:])
		return S(s), 1 + n, err
	case KindN:
		s, n, err := decodeLenPrefixedString(b[1:])
		return N(s), 1 + n, err
	case KindB:
		bs, n, err := decodeLenPrefixedBytes(b[1:])
		return B(bs), 1 + n, err
	case KindBool:
		if len(b) < 2 {
			return Value{}, 0, kerr.New(kerr.Corruption, "bool value truncated")
		}
		return Bool(b[1] != 0), 2, nil
	case KindNull:
		return Null(), 1, nil
	case KindTs:
		if len(b) < 9 {
			return Value{}, 0, kerr.New(kerr.Corruption, "timestamp value truncated")
		}
		ms := int64(binary.LittleEndian.Uint64(b[1:9]))
		return Ts(ms), 9, nil
	case KindVecF32:
		if len(b) < 5 {
			return Value{}, 0, kerr.New(kerr.Corruption, "vecf32 value truncated")
		}
		count := int(binary.LittleEndian.Uint32(b[1:5]))
		off := 5
		if count < 0 || off+4*count > len(b) {
			return Value{}, 0, kerr.New(kerr.Corruption, "vecf32 length %d out of range", count)
		}
		vs := make([]float32, count)
		for i := 0; i < count; i++ {
			vs[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
			off += 4
		}
		return VecF32(vs...), off, nil
	case KindL:
		if len(b) < 5 {
			return Value{}, 0, kerr.New(kerr.Corruption, "list value truncated")
		}
		count := int(binary.LittleEndian.Uint32(b[1:5]))
		off := 5
		vs := make([]Value, count)
		for i := 0; i < count; i++ {
			v, n, err := DecodeValue(b[off:])
			if err != nil {
				return Value{}, 0, err
			}
			vs[i] = v
			off += n
		}
		return L(vs...), off, nil
	case KindM:
		if len(b) < 5 {
			return Value{}, 0, kerr.New(kerr.Corruption, "map value truncated")
		}
		count := int(binary.LittleEndian.Uint32(b[1:5]))
		off := 5
		m := make(map[string]Value, count)
		for i := 0; i < count; i++ {
			if off+4 > len(b) {
				return Value{}, 0, kerr.New(kerr.Corruption, "map entry truncated")
			}
			nameLen := int(binary.LittleEndian.Uint32(b[off:]))
			off += 4
			if nameLen < 0 || off+nameLen > len(b) {
				return Value{}, 0, kerr.New(kerr.Corruption, "map key length %d out of range", nameLen)
			}
			name := string(b[off : off+nameLen])
			off += nameLen
			v, n, err := DecodeValue(b[off:])
			if err != nil {
				return Value{}, 0, err
			}
			m[name] = v
			off += n
		}
		return M(m), off, nil
	default:
		return Value{}, 0, kerr.New(kerr.Corruption, "value has unknown discriminant %d", kind)
	}
}

func encodeLenPrefixed(discriminant byte, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = discriminant
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

func decodeLenPrefixedBytes(b []byte) ([]byte, int, error) {
	if len(b) < 4 {
		return nil, 0, kerr.New(kerr.Corruption, "length-prefixed value truncated")
	}
	n := int(binary.LittleEndian.Uint32(b))
	if n < 0 || 4+n > len(b) {
		return nil, 0, kerr.New(kerr.Corruption, "length-prefixed value length %d out of range", n)
	}
	out := make([]byte, n)
	copy(out, b[4:4+n])
	return out, 4 + n, nil
}

func decodeLenPrefixedString(b []byte) (string, int, error) {
	bs, n, err := decodeLenPrefixedBytes(b)
	if err != nil {
		return "", 0, err
	}
	return string(bs), n, nil
}
