package keystone

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabasePutGetRoundTrip(t *testing.T) {
	db, err := CreateInMemory(Schema{}, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Put(Key{PK: []byte("user#1")}, Item{"name": S("alice")}, nil)
	require.NoError(t, err)

	item, found, err := db.Get(Key{PK: []byte("user#1")})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", item["name"].S)
}

func TestDatabaseBatchGetAndWrite(t *testing.T) {
	db, err := CreateInMemory(Schema{}, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	err = db.BatchWrite([]BatchWriteOp{
		{Key: Key{PK: []byte("a")}, Item: Item{"v": N("1")}},
		{Key: Key{PK: []byte("b")}, Item: Item{"v": N("2")}},
	})
	require.NoError(t, err)

	results, err := db.BatchGet([]Key{{PK: []byte("a")}, {PK: []byte("b")}, {PK: []byte("c")}})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Found)
	assert.True(t, results[1].Found)
	assert.False(t, results[2].Found)
}

func TestDatabaseConditionalPutFailureReturnsConditionalCheckFailed(t *testing.T) {
	db, err := CreateInMemory(Schema{}, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	cond := AttributeNotExists("v")
	_, err = db.Put(Key{PK: []byte("k")}, Item{"v": N("1")}, &cond)
	require.NoError(t, err)

	_, err = db.Put(Key{PK: []byte("k")}, Item{"v": N("2")}, &cond)
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrKindConditionalCheckFailed))
}

func TestDatabaseStatsString(t *testing.T) {
	db, err := CreateInMemory(Schema{}, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Put(Key{PK: []byte("k")}, Item{"v": N("1")}, nil)
	require.NoError(t, err)

	out := db.Stats().String()
	assert.True(t, strings.Contains(out, "totalSSTCount"))
}

func TestDatabaseTransactWrite(t *testing.T) {
	db, err := CreateInMemory(Schema{}, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.TransactWrite([]TransactWriteOp{
		{Kind: TxPut, Key: Key{PK: []byte("a")}, Item: Item{"v": N("1")}},
		{Kind: TxPut, Key: Key{PK: []byte("b")}, Item: Item{"v": N("2")}},
	}))

	items, err := db.TransactGet([]TransactGetItem{{Key: Key{PK: []byte("a")}}, {Key: Key{PK: []byte("b")}}})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0]["v"].N)
	assert.Equal(t, "2", items[1]["v"].N)
}
