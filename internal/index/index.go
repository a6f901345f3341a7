// Package index computes the secondary-index records a base-table write
// must also produce: LSI entries sharing the base item's stripe, and GSI
// entries living in their own alternate-partition stripe space, each
// carrying a backpointer to the base key. Computing these here (rather
// than inline in the engine) keeps the write path's index maintenance
// logic unit-testable against plain Items, independent of the WAL/stripe
// machinery that eventually carries the resulting records.
package index

import (
	"encoding/binary"

	"github.com/keystonedb/keystone/keystone/kerr"
	"github.com/keystonedb/keystone/keystone/schema"
	"github.com/keystonedb/keystone/keystone/types"
)

// BackpointerPKAttr and BackpointerSKAttr are the reserved attribute
// names an index record's payload uses to carry the base item's key, so
// a reader doing an index query can follow up with a base-table Get
// when the index projection doesn't carry every attribute it needs.
const (
	BackpointerPKAttr = "_base_pk"
	BackpointerSKAttr = "_base_sk"
)

// nsByte leads every index record's GSI partition key and every index
// record's sort key, keeping index records out of base-table reads even
// though they share the same stripes. Caller keys may not start with
// this byte (types.Key.Validate rejects them), which is what makes the
// separation sound rather than probabilistic.
const nsByte = types.ReservedKeyPrefix

// maxIndexNameLen bounds index names so the one-byte name-length prefix
// in the key namespace encoding always fits.
const maxIndexNameLen = 255

// Entries computes the index Put/Delete records for every LSI and GSI in
// sch, comparing an item's pre-image (oldItem, nil if it didn't exist)
// against its post-image (newItem, nil if the write is a delete). The
// caller folds the returned records into the same WAL batch as the base
// write, so index and base-table state always advance under the same
// commit.
func Entries(sch schema.Schema, seqno uint64, baseKey types.Key, oldItem, newItem types.Item) ([]types.Record, error) {
	var records []types.Record
	for _, def := range sch.LSIs {
		recs, err := entriesForIndex(def, seqno, baseKey, oldItem, newItem)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	for _, def := range sch.GSIs {
		recs, err := entriesForIndex(def, seqno, baseKey, oldItem, newItem)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

func entriesForIndex(def schema.IndexDef, seqno uint64, baseKey types.Key, oldItem, newItem types.Item) ([]types.Record, error) {
	if len(def.Name) == 0 || len(def.Name) > maxIndexNameLen {
		return nil, kerr.New(kerr.InvalidArgument, "index name length %d outside [1, %d]", len(def.Name), maxIndexNameLen)
	}
	oldKey, oldOK, err := indexKey(def, baseKey, oldItem)
	if err != nil {
		return nil, err
	}
	newKey, newOK, err := indexKey(def, baseKey, newItem)
	if err != nil {
		return nil, err
	}

	var records []types.Record
	if oldOK && (!newOK || types.CompareEncoded(types.Encode(oldKey), types.Encode(newKey)) != 0) {
		records = append(records, types.Record{Key: oldKey, Kind: types.Delete, Seqno: seqno})
	}
	if newOK {
		records = append(records, types.Record{
			Key:   newKey,
			Kind:  types.Put,
			Seqno: seqno,
			Value: projectItem(def, baseKey, newItem),
		})
	}
	return records, nil
}

// indexKey computes an index record's key for the given definition and
// item, and reports false if the item lacks the attribute(s) the index
// requires — such items simply get no entry in that index.
func indexKey(def schema.IndexDef, baseKey types.Key, item types.Item) (types.Key, bool, error) {
	if item == nil {
		return types.Key{}, false, nil
	}
	if def.IsGSI() {
		return gsiKey(def, baseKey, item)
	}
	return lsiKey(def, baseKey, item)
}

// lsiKey builds { pk: base_pk, sk: ns || name || extract(a_sk, item) ||
// base_sk } (layout in encodeIndexSK)
// — same stripe as the base item (the PK is untouched), ordered by the
// indexed attribute within the partition, with the namespaced SK keeping
// the entry invisible to base-table reads.
func lsiKey(def schema.IndexDef, baseKey types.Key, item types.Item) (types.Key, bool, error) {
	skVal, ok := item[def.SKAttr]
	if !ok || skVal.IsAbsent() {
		return types.Key{}, false, nil
	}
	extracted, err := encodeIndexAttr(skVal)
	if err != nil {
		return types.Key{}, false, err
	}
	sk := encodeIndexSK(def.Name, extracted, baseKey.SK)
	return types.Key{PK: baseKey.PK, SK: sk}, true, nil
}

// gsiKey builds { pk: ns || name || extract(a_pk, item), sk: ns || name
// || extract(a_sk, item) || encoded(base_key) } — a separate stripe
// space keyed by the alternate partition attribute under the index's own
// namespace. The encoded base key is always appended to SK (even when
// the index has no SKAttr) so that two items sharing the same GSI
// partition/sort values still get distinct index records instead of
// overwriting one another.
func gsiKey(def schema.IndexDef, baseKey types.Key, item types.Item) (types.Key, bool, error) {
	pkVal, ok := item[def.PKAttr]
	if !ok || pkVal.IsAbsent() {
		return types.Key{}, false, nil
	}
	attr, err := encodeIndexAttr(pkVal)
	if err != nil {
		return types.Key{}, false, err
	}

	var extracted []byte
	if def.SKAttr != "" {
		if skVal, ok := item[def.SKAttr]; ok && !skVal.IsAbsent() {
			extracted, err = encodeIndexAttr(skVal)
			if err != nil {
				return types.Key{}, false, err
			}
		}
	}
	sk := encodeIndexSK(def.Name, extracted, types.Encode(baseKey))
	return types.Key{PK: GSIPartitionKey(def.Name, attr), SK: sk}, true, nil
}

// GSIPartitionKey builds the namespaced partition key a GSI entry is
// routed and queried by: ns | u8 name_len | name | attribute bytes. The
// engine's index-query path uses it to translate a caller-supplied
// attribute value into the stripe space the matching entries live in.
func GSIPartitionKey(name string, attr []byte) []byte {
	out := make([]byte, 2+len(name)+len(attr))
	out[0] = nsByte
	out[1] = byte(len(name))
	copy(out[2:], name)
	copy(out[2+len(name):], attr)
	return out
}

// encodeIndexSK builds an index record's sort key: ns | u8 name_len |
// name | u32 extracted_len(LE) | extracted | suffix. The extracted
// component is length-prefixed so SplitIndexSK can recover it exactly —
// a plain concatenation would leave SK predicates unable to tell where
// the attribute encoding ends and the disambiguating suffix (base SK
// for LSI, encoded base key for GSI) begins, since both are
// variable-length.
func encodeIndexSK(name string, extracted, suffix []byte) []byte {
	out := make([]byte, 2+len(name)+4+len(extracted)+len(suffix))
	out[0] = nsByte
	out[1] = byte(len(name))
	off := 2
	off += copy(out[off:], name)
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(extracted)))
	off += 4
	off += copy(out[off:], extracted)
	copy(out[off:], suffix)
	return out
}

// SplitIndexSK recovers the index name, the extracted indexed-attribute
// bytes, and the disambiguating suffix from an index record's SK, as
// written by encodeIndexSK, so a query can scope results to one index
// and evaluate its SK predicate against just the attribute value.
func SplitIndexSK(sk []byte) (name string, extracted []byte, suffix []byte, err error) {
	if len(sk) < 2 || sk[0] != nsByte {
		return "", nil, nil, kerr.New(kerr.Corruption, "sort key is not an index entry")
	}
	nameLen := int(sk[1])
	if 2+nameLen+4 > len(sk) {
		return "", nil, nil, kerr.New(kerr.Corruption, "index sk truncated name/length prefix")
	}
	name = string(sk[2 : 2+nameLen])
	off := 2 + nameLen
	n := int(binary.LittleEndian.Uint32(sk[off : off+4]))
	off += 4
	if n < 0 || off+n > len(sk) {
		return "", nil, nil, kerr.New(kerr.Corruption, "index sk extracted-length %d out of range", n)
	}
	return name, sk[off : off+n], sk[off+n:], nil
}

// IsIndexKey reports whether key belongs to a secondary-index record
// rather than the base table: GSI entries carry the namespace byte in
// their PK, LSI entries in their SK. Base-table reads (Query without an
// index name, Scan) skip records this returns true for.
func IsIndexKey(key types.Key) bool {
	if len(key.PK) > 0 && key.PK[0] == nsByte {
		return true
	}
	return len(key.SK) > 0 && key.SK[0] == nsByte
}

// encodeIndexAttr produces a byte encoding for an attribute value used
// as an index key component. Only the scalar kinds with a defined total
// order (S, N, B, Bool, Ts) are supported — L, M, Null, and VecF32
// cannot meaningfully key an index entry.
func encodeIndexAttr(v types.Value) ([]byte, error) {
	switch v.Kind {
	case types.KindS:
		return []byte(v.S), nil
	case types.KindN:
		return []byte(v.N), nil
	case types.KindB:
		return v.B, nil
	case types.KindBool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case types.KindTs:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.Ts))
		return buf, nil
	default:
		return nil, kerr.New(kerr.InvalidArgument, "attribute kind %d cannot be used as a secondary index key", v.Kind)
	}
}

// projectItem builds an index record's payload per the index's
// Projection, always including the backpointer attributes so a reader
// can follow up with a base-table Get regardless of projection.
func projectItem(def schema.IndexDef, baseKey types.Key, item types.Item) types.Item {
	out := types.Item{BackpointerPKAttr: types.B(append([]byte{}, baseKey.PK...))}
	if baseKey.HasSK() {
		out[BackpointerSKAttr] = types.B(append([]byte{}, baseKey.SK...))
	}
	switch def.Projection {
	case schema.ProjectionAll:
		for k, v := range item {
			out[k] = v
		}
	case schema.ProjectionInclude:
		for _, name := range def.Include {
			if v, ok := item[name]; ok {
				out[name] = v
			}
		}
	case schema.ProjectionKeysOnly:
		// backpointer only
	}
	return out
}

// BaseKeyOf extracts the base-table key from an index record's
// projected payload, for following up an index query with a base-table
// read when the projection doesn't carry every needed attribute.
func BaseKeyOf(item types.Item) (types.Key, error) {
	pkVal, ok := item[BackpointerPKAttr]
	if !ok || pkVal.Kind != types.KindB {
		return types.Key{}, kerr.New(kerr.Corruption, "index record missing backpointer partition key")
	}
	key := types.Key{PK: pkVal.B}
	if skVal, ok := item[BackpointerSKAttr]; ok && skVal.Kind == types.KindB {
		key.SK = skVal.B
	}
	return key, nil
}
