package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystonedb/keystone/keystone/expr"
	"github.com/keystonedb/keystone/keystone/kerr"
	"github.com/keystonedb/keystone/keystone/schema"
	"github.com/keystonedb/keystone/keystone/types"
)

func testConfig() schema.Config {
	cfg := schema.DefaultConfig()
	cfg.CompactionEnabled = false
	cfg.MaxMemtableRecords = 1000
	return cfg
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Create(t.TempDir(), testConfig(), schema.Schema{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func key(pk, sk string) types.Key {
	return types.Key{PK: []byte(pk), SK: []byte(sk)}
}

func TestPutThenGetRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	item := types.Item{"name": types.S("alice")}
	_, err := e.Put(key("user#1", ""), item, nil)
	require.NoError(t, err)

	got, found, err := e.Get(key("user#1", ""))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", got["name"].S)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	e := openTestEngine(t)
	_, found, err := e.Get(key("nope", ""))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteTombstonesItem(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Put(key("user#1", ""), types.Item{"a": types.N("1")}, nil)
	require.NoError(t, err)
	_, err = e.Delete(key("user#1", ""), nil)
	require.NoError(t, err)

	_, found, err := e.Get(key("user#1", ""))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConditionalPutRejectsOnFailedCondition(t *testing.T) {
	e := openTestEngine(t)
	cond := expr.AttributeNotExists("a")
	_, err := e.Put(key("k", ""), types.Item{"a": types.N("1")}, &cond)
	require.NoError(t, err)

	_, err = e.Put(key("k", ""), types.Item{"a": types.N("2")}, &cond)
	require.Error(t, err)

	got, found, err := e.Get(key("k", ""))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", got["a"].N)
}

func TestUpdateAppliesActionsAndReturnsOldAndNew(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Put(key("k", ""), types.Item{"count": types.N("1")}, nil)
	require.NoError(t, err)

	old, newItem, err := e.Update(key("k", ""), []expr.UpdateAction{
		expr.Set("count", expr.PathPlus("count", "1")),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", old["count"].N)
	assert.Equal(t, "2", newItem["count"].N)
}

func TestQueryRangeWithinPartitionSortedBySK(t *testing.T) {
	e := openTestEngine(t)
	for _, sk := range []string{"b", "a", "c"} {
		_, err := e.Put(key("pk", sk), types.Item{"v": types.S(sk)}, nil)
		require.NoError(t, err)
	}
	out, err := e.Query(QueryInput{PK: []byte("pk")})
	require.NoError(t, err)
	require.Len(t, out.Items, 3)
	assert.Equal(t, "a", string(out.Items[0].Key.SK))
	assert.Equal(t, "b", string(out.Items[1].Key.SK))
	assert.Equal(t, "c", string(out.Items[2].Key.SK))
}

func TestQueryReverseWithLimit(t *testing.T) {
	e := openTestEngine(t)
	for _, sk := range []string{"a", "b", "c"} {
		_, err := e.Put(key("pk", sk), types.Item{"v": types.S(sk)}, nil)
		require.NoError(t, err)
	}
	out, err := e.Query(QueryInput{PK: []byte("pk"), Reverse: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, out.Items, 2)
	assert.Equal(t, "c", string(out.Items[0].Key.SK))
	assert.Equal(t, "b", string(out.Items[1].Key.SK))
	assert.NotNil(t, out.LastEvaluatedKey)
}

func TestQuerySortKeyBetween(t *testing.T) {
	e := openTestEngine(t)
	for i := 1; i <= 10; i++ {
		_, err := e.Put(key("user#alice", fmt.Sprintf("post#%03d", i)), types.Item{}, nil)
		require.NoError(t, err)
	}
	out, err := e.Query(QueryInput{
		PK: []byte("user#alice"),
		SK: SKPredicate{Kind: SKBetween, Lo: []byte("post#003"), Hi: []byte("post#007")},
	})
	require.NoError(t, err)
	require.Len(t, out.Items, 5)
	assert.Equal(t, "post#003", string(out.Items[0].Key.SK))
	assert.Equal(t, "post#007", string(out.Items[4].Key.SK))
}

func TestPutAfterDeleteResurrectsKey(t *testing.T) {
	e := openTestEngine(t)
	k := key("k", "")
	_, err := e.Put(k, types.Item{"v": types.N("1")}, nil)
	require.NoError(t, err)
	_, err = e.Delete(k, nil)
	require.NoError(t, err)
	_, found, err := e.Get(k)
	require.NoError(t, err)
	require.False(t, found)

	_, err = e.Put(k, types.Item{"v": types.N("2")}, nil)
	require.NoError(t, err)
	got, found, err := e.Get(k)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", got["v"].N)
}

func TestScanAcrossStripes(t *testing.T) {
	e := openTestEngine(t)
	for i := 0; i < 20; i++ {
		pk := string(rune('a' + i%26))
		_, err := e.Put(key(pk+string(rune(i)), ""), types.Item{"i": types.NumberFromInt(int64(i))}, nil)
		require.NoError(t, err)
	}
	out, err := e.Scan(ScanInput{TotalSegments: 1})
	require.NoError(t, err)
	assert.Len(t, out.Items, 20)
}

func TestTransactWriteAtomicity(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Put(key("a", ""), types.Item{"balance": types.N("100")}, nil)
	require.NoError(t, err)
	_, err = e.Put(key("b", ""), types.Item{"balance": types.N("0")}, nil)
	require.NoError(t, err)

	err = e.TransactWrite([]TransactWriteOp{
		{Kind: TxPut, Key: key("a", ""), Item: types.Item{"balance": types.N("0")}},
		{Kind: TxPut, Key: key("b", ""), Item: types.Item{"balance": types.N("100")}},
	})
	require.NoError(t, err)

	a, _, _ := e.Get(key("a", ""))
	b, _, _ := e.Get(key("b", ""))
	assert.Equal(t, "0", a["balance"].N)
	assert.Equal(t, "100", b["balance"].N)
}

func TestTransactWriteCancelsOnFailedCondition(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Put(key("a", ""), types.Item{"v": types.N("1")}, nil)
	require.NoError(t, err)

	cond := expr.AttributeNotExists("v")
	err = e.TransactWrite([]TransactWriteOp{
		{Kind: TxPut, Key: key("a", ""), Item: types.Item{"v": types.N("2")}, Cond: &cond},
		{Kind: TxPut, Key: key("b", ""), Item: types.Item{"v": types.N("1")}},
	})
	require.Error(t, err)

	_, found, _ := e.Get(key("b", ""))
	assert.False(t, found, "transaction must not apply any op when one condition fails")
}

func TestTransactGetReadsCoherentSnapshot(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Put(key("a", ""), types.Item{"v": types.N("1")}, nil)
	require.NoError(t, err)
	_, err = e.Put(key("b", ""), types.Item{"v": types.N("2")}, nil)
	require.NoError(t, err)

	items, err := e.TransactGet([]TransactGetItem{{Key: key("a", "")}, {Key: key("b", "")}})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0]["v"].N)
	assert.Equal(t, "2", items[1]["v"].N)
}

func TestCrashRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	e, err := Create(dir, cfg, schema.Schema{})
	require.NoError(t, err)
	_, err = e.Put(key("k", ""), types.Item{"v": types.S("durable")}, nil)
	require.NoError(t, err)
	require.NoError(t, e.wal.Close())

	e2, err := Open(dir, cfg, schema.Schema{})
	require.NoError(t, err)
	defer e2.Close()

	got, found, err := e2.Get(key("k", ""))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "durable", got["v"].S)
}

func TestTTLExpiredItemHiddenFromGet(t *testing.T) {
	cfg := testConfig()
	sch := schema.Schema{TTLAttr: "expires_at"}
	e, err := CreateInMemory(cfg, sch)
	require.NoError(t, err)
	defer e.Close()

	past := types.N("1")
	_, err = e.Put(key("k", ""), types.Item{"expires_at": past}, nil)
	require.NoError(t, err)

	_, found, err := e.Get(key("k", ""))
	require.NoError(t, err)
	assert.False(t, found, "item with a TTL attribute in the past must be hidden")
}

func TestReopenLoadsFlushedSSTs(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.MaxMemtableRecords = 1 // every put flushes straight to an SST
	e, err := Create(dir, cfg, schema.Schema{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := e.Put(key(fmt.Sprintf("user#%d", i), ""), types.Item{"i": types.NumberFromInt(int64(i))}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	e2, err := Open(dir, cfg, schema.Schema{})
	require.NoError(t, err)
	defer e2.Close()
	for i := 0; i < 5; i++ {
		_, found, err := e2.Get(key(fmt.Sprintf("user#%d", i), ""))
		require.NoError(t, err)
		assert.True(t, found, "item %d must survive close/reopen via its SST", i)
	}
}

func TestQueryReversePaginationCursor(t *testing.T) {
	e := openTestEngine(t)
	for i := 1; i <= 6; i++ {
		_, err := e.Put(key("pk", fmt.Sprintf("post#%03d", i)), types.Item{}, nil)
		require.NoError(t, err)
	}

	p1, err := e.Query(QueryInput{PK: []byte("pk"), Reverse: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, p1.Items, 2)
	assert.Equal(t, "post#006", string(p1.Items[0].Key.SK))
	assert.Equal(t, "post#005", string(p1.Items[1].Key.SK))
	require.NotNil(t, p1.LastEvaluatedKey)

	p2, err := e.Query(QueryInput{PK: []byte("pk"), Reverse: true, Limit: 2, ExclusiveStartKey: p1.LastEvaluatedKey})
	require.NoError(t, err)
	require.Len(t, p2.Items, 2)
	assert.Equal(t, "post#004", string(p2.Items[0].Key.SK))
	assert.Equal(t, "post#003", string(p2.Items[1].Key.SK))
}

func TestBaseReadsExcludeIndexRecords(t *testing.T) {
	sch := schema.Schema{
		LSIs: []schema.IndexDef{{Name: "by_score", SKAttr: "score", Projection: schema.ProjectionAll}},
	}
	e, err := Create(t.TempDir(), testConfig(), sch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = e.Put(key("user#a", "post#1"), types.Item{"score": types.N("2")}, nil)
	require.NoError(t, err)
	_, err = e.Put(key("user#a", "post#2"), types.Item{"score": types.N("1")}, nil)
	require.NoError(t, err)

	base, err := e.Query(QueryInput{PK: []byte("user#a")})
	require.NoError(t, err)
	require.Len(t, base.Items, 2, "base query must not surface LSI entries")
	assert.Equal(t, "post#1", string(base.Items[0].Key.SK))
	assert.Equal(t, "post#2", string(base.Items[1].Key.SK))

	scan, err := e.Scan(ScanInput{TotalSegments: 1})
	require.NoError(t, err)
	assert.Len(t, scan.Items, 2, "scan must not surface LSI entries")

	idx, err := e.QueryIndex(QueryInput{IndexName: "by_score", PK: []byte("user#a")})
	require.NoError(t, err)
	require.Len(t, idx.Items, 2)
	assert.Equal(t, "1", idx.Items[0].Item["score"].N, "LSI view orders by the indexed attribute")
	assert.Equal(t, "2", idx.Items[1].Item["score"].N)
}

func TestDiskBudgetExceededReturnsResourceExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalDiskBytes = 1 // the WAL header alone exceeds this
	e, err := Create(t.TempDir(), cfg, schema.Schema{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = e.Put(key("k", ""), types.Item{"v": types.S("x")}, nil)
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.ResourceExhausted))
}

func TestQueryIndexSKPredicateMatchesDecodedAttribute(t *testing.T) {
	sch := schema.Schema{
		GSIs: []schema.IndexDef{
			{Name: "by_status_score", PKAttr: "status", SKAttr: "score", Projection: schema.ProjectionAll},
		},
	}
	e, err := Create(t.TempDir(), testConfig(), sch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	scores := []string{"10", "20", "30"}
	for i, sc := range scores {
		item := types.Item{"status": types.S("active"), "score": types.N(sc)}
		_, err := e.Put(key("order#"+string(rune('a'+i)), ""), item, nil)
		require.NoError(t, err)
	}
	// an item with a different GSI partition value must never appear in
	// a query scoped to "active".
	_, err = e.Put(key("order#z", ""), types.Item{"status": types.S("closed"), "score": types.N("99")}, nil)
	require.NoError(t, err)

	out, err := e.QueryIndex(QueryInput{
		IndexName: "by_status_score",
		PK:        []byte("active"),
		SK:        SKPredicate{Kind: SKGe, Lo: []byte("20")},
	})
	require.NoError(t, err)
	require.Len(t, out.Items, 2)
	for _, it := range out.Items {
		assert.Equal(t, "active", it.Item["status"].S)
		n := it.Item["score"].N
		assert.True(t, n == "20" || n == "30", "unexpected score %q outside SK>=\"20\" predicate", n)
	}
}
