package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystonedb/keystone/keystone/types"
)

func rec(pk, sk string, seqno uint64) types.Record {
	return types.Record{
		Key:   types.Key{PK: []byte(pk), SK: []byte(sk)},
		Kind:  types.Put,
		Seqno: seqno,
		Value: types.Item{"v": types.N("1")},
	}
}

func TestPutGetOrderedInsertion(t *testing.T) {
	m := New()
	m.Put(rec("p", "c", 1))
	m.Put(rec("p", "a", 2))
	m.Put(rec("p", "b", 3))

	all := m.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", string(all[0].Key.SK))
	assert.Equal(t, "b", string(all[1].Key.SK))
	assert.Equal(t, "c", string(all[2].Key.SK))
}

func TestPutReplacesExistingKey(t *testing.T) {
	m := New()
	m.Put(rec("p", "a", 1))
	m.Put(rec("p", "a", 2))
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get(types.Encode(types.Key{PK: []byte("p"), SK: []byte("a")}))
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Seqno)
}

func TestGetMiss(t *testing.T) {
	m := New()
	_, ok := m.Get(types.Encode(types.Key{PK: []byte("p"), SK: []byte("x")}))
	assert.False(t, ok)
}

func TestClearResetsState(t *testing.T) {
	m := New()
	m.Put(rec("p", "a", 1))
	m.Clear()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, int64(0), m.ByteEstimate())
}

func TestDeleteTombstoneStoredAsRecord(t *testing.T) {
	m := New()
	del := types.Record{Key: types.Key{PK: []byte("p"), SK: []byte("a")}, Kind: types.Delete, Seqno: 5}
	m.Put(del)
	got, ok := m.Get(types.Encode(del.Key))
	require.True(t, ok)
	assert.Equal(t, types.Delete, got.Kind)
}
