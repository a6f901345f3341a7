// Package memtable implements the per-stripe in-memory ordered map: a
// sorted slice of (encoded_key, Record) maintained via binary insertion,
// bounded by the flush threshold and cheap to drain in key order.
package memtable

import (
	"sort"

	"github.com/keystonedb/keystone/keystone/types"
)

type entry struct {
	key []byte
	rec types.Record
}

// Memtable is NOT safe for concurrent use; callers (internal/stripe) hold
// the owning stripe's write lock around every mutating call.
type Memtable struct {
	entries []entry
	byteEst int64
}

// New returns an empty memtable.
func New() *Memtable { return &Memtable{} }

// Put inserts or replaces the record at rec's encoded key. A new record
// always replaces any existing one at the same key —
// the memtable itself does not re-check seqno ordering, trusting the
// engine to only ever assign strictly increasing seqnos to the same key.
func (m *Memtable) Put(rec types.Record) {
	key := types.Encode(rec.Key)
	i := m.search(key)
	if i < len(m.entries) && types.CompareEncoded(m.entries[i].key, key) == 0 {
		m.byteEst += estimateSize(rec) - estimateSize(m.entries[i].rec)
		m.entries[i].rec = rec
		return
	}
	m.entries = append(m.entries, entry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = entry{key: key, rec: rec}
	m.byteEst += estimateSize(rec)
}

// Get returns the record stored at the given encoded key, or (Record{},
// false) on a miss. The returned record may be a Delete tombstone —
// callers convert that to absence.
func (m *Memtable) Get(key []byte) (types.Record, bool) {
	i := m.search(key)
	if i < len(m.entries) && types.CompareEncoded(m.entries[i].key, key) == 0 {
		return m.entries[i].rec, true
	}
	return types.Record{}, false
}

// All returns every record in ascending encoded-key order, for use by
// Stripe.Flush and range merges.
func (m *Memtable) All() []types.Record {
	out := make([]types.Record, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.rec
	}
	return out
}

// Len reports the number of distinct keys held.
func (m *Memtable) Len() int { return len(m.entries) }

// ByteEstimate reports the running estimated byte size, for
// max_memtable_size_bytes flush triggering.
func (m *Memtable) ByteEstimate() int64 { return m.byteEst }

// Clear empties the memtable, called after a successful flush.
func (m *Memtable) Clear() {
	m.entries = nil
	m.byteEst = 0
}

func (m *Memtable) search(key []byte) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return types.CompareEncoded(m.entries[i].key, key) >= 0
	})
}

func estimateSize(rec types.Record) int64 {
	size := int64(len(rec.Key.PK) + len(rec.Key.SK) + 16)
	for name, v := range rec.Value {
		size += int64(len(name)) + valueSizeEstimate(v)
	}
	return size
}

func valueSizeEstimate(v types.Value) int64 {
	switch v.Kind {
	case types.KindS:
		return int64(len(v.S))
	case types.KindN:
		return int64(len(v.N))
	case types.KindB:
		return int64(len(v.B))
	case types.KindL:
		var s int64
		for _, e := range v.L {
			s += valueSizeEstimate(e)
		}
		return s
	case types.KindM:
		var s int64
		for name, e := range v.M {
			s += int64(len(name)) + valueSizeEstimate(e)
		}
		return s
	default:
		return 8
	}
}
