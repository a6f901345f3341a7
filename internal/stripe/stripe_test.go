package stripe

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystonedb/keystone/internal/sst"
	"github.com/keystonedb/keystone/keystone/types"
)

func testConfig(t *testing.T) Config {
	return Config{
		Dir:                  t.TempDir(),
		MaxMemtableRecords:   3,
		MaxMemtableSizeBytes: 0,
		BlockSize:            4096,
		BloomBitsPerKey:      10,
	}
}

func putRec(pk, sk string, seqno uint64) types.Record {
	return types.Record{
		Key:   types.Key{PK: []byte(pk), SK: []byte(sk)},
		Kind:  types.Put,
		Seqno: seqno,
		Value: types.Item{"v": types.N("1")},
	}
}

func TestPutThenGetFromMemtable(t *testing.T) {
	s := New(0, testConfig(t))
	rec := putRec("p", "a", 1)
	flushed, _, err := s.Put(rec)
	require.NoError(t, err)
	assert.False(t, flushed)

	got, err := s.Get(types.Encode(rec.Key))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), got.Seqno)
}

func TestPutTriggersFlushAtThreshold(t *testing.T) {
	s := New(0, testConfig(t))
	var lastFlushed bool
	var lastLSN uint64
	for i := uint64(1); i <= 3; i++ {
		f, lsn, err := s.Put(putRec("p", string(rune('a'+i)), i))
		require.NoError(t, err)
		lastFlushed, lastLSN = f, lsn
	}
	assert.True(t, lastFlushed)
	assert.Equal(t, uint64(3), lastLSN)
	assert.Equal(t, 1, s.SSTCount())
	assert.Equal(t, 0, s.mem.Len())
}

func TestGetFallsThroughToSST(t *testing.T) {
	s := New(0, testConfig(t))
	rec := putRec("p", "a", 1)
	_, _, err := s.Put(rec)
	require.NoError(t, err)
	_, err = s.Flush()
	require.NoError(t, err)
	require.Equal(t, 1, s.SSTCount())

	got, err := s.Get(types.Encode(rec.Key))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), got.Seqno)
}

func TestGetPrefersMemtableOverOlderSST(t *testing.T) {
	s := New(0, testConfig(t))
	key := types.Key{PK: []byte("p"), SK: []byte("a")}
	_, _, err := s.Put(types.Record{Key: key, Kind: types.Put, Seqno: 1, Value: types.Item{"v": types.N("1")}})
	require.NoError(t, err)
	_, err = s.Flush()
	require.NoError(t, err)

	_, _, err = s.Put(types.Record{Key: key, Kind: types.Put, Seqno: 2, Value: types.Item{"v": types.N("2")}})
	require.NoError(t, err)

	got, err := s.Get(types.Encode(key))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(2), got.Seqno)
}

func TestRangeMergesMemtableAndSSTDroppingTombstones(t *testing.T) {
	s := New(0, testConfig(t))
	_, _, err := s.Put(putRec("p", "a", 1))
	require.NoError(t, err)
	_, _, err = s.Put(putRec("p", "b", 2))
	require.NoError(t, err)
	_, err = s.Flush()
	require.NoError(t, err)

	del := types.Record{Key: types.Key{PK: []byte("p"), SK: []byte("a")}, Kind: types.Delete, Seqno: 3}
	_, _, err = s.Put(del)
	require.NoError(t, err)

	results, err := s.Range()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", string(results[0].Record.Key.SK))
}

func TestFlushOnEmptyMemtableIsNoop(t *testing.T) {
	s := New(0, testConfig(t))
	lsn, err := s.Flush()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), lsn)
	assert.Equal(t, 0, s.SSTCount())
}

func TestReplaceSSTsUnlinksOldFiles(t *testing.T) {
	s := New(0, testConfig(t))
	_, _, err := s.Put(putRec("p", "a", 1))
	require.NoError(t, err)
	_, err = s.Flush()
	require.NoError(t, err)
	_, _, err = s.Put(putRec("p", "b", 2))
	require.NoError(t, err)
	_, err = s.Flush()
	require.NoError(t, err)
	require.Equal(t, 2, s.SSTCount())

	snapshot := s.SSTs()
	replacementPath := snapshot[0].Path()
	oldPath := snapshot[1].Path()
	reader, err := sst.Open(replacementPath)
	require.NoError(t, err)

	require.NoError(t, s.ReplaceSSTs(snapshot, reader))
	assert.Equal(t, 1, s.SSTCount())
	_, statErr := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRestoreFromRecoveryPopulatesMemtableWithoutFlushing(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxMemtableRecords = 1
	s := New(0, cfg)
	s.RestoreFromRecovery(putRec("p", "a", 1))
	assert.Equal(t, 0, s.SSTCount())
	assert.Equal(t, 1, s.mem.Len())
}
