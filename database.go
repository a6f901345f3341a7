// Package keystone is the programmatic façade over the storage engine:
// it re-exports the type system as aliases so callers never import
// internal/* or even keystone/types directly, and wraps
// internal/engine.Engine behind a Database handle: one
// constructor-configured handle exposing the document, query, and
// transaction operations.
package keystone

import (
	"fmt"

	"github.com/gholt/brimtext"

	"github.com/keystonedb/keystone/internal/engine"
	"github.com/keystonedb/keystone/keystone/expr"
	"github.com/keystonedb/keystone/keystone/kerr"
	"github.com/keystonedb/keystone/keystone/schema"
	"github.com/keystonedb/keystone/keystone/types"
)

// Re-exported type system: callers build keys, items, schemas, and
// expressions entirely through this package.
type (
	Value        = types.Value
	Item         = types.Item
	Key          = types.Key
	Schema       = schema.Schema
	IndexDef     = schema.IndexDef
	Projection   = schema.Projection
	Config       = schema.Config
	ConfigOption = schema.Option
	Condition    = expr.Condition
	SetExpr      = expr.SetExpr
	UpdateAction = expr.UpdateAction
	Error        = kerr.Error
	ErrorKind    = kerr.Kind
)

// Re-exported value constructors.
var (
	S             = types.S
	N             = types.N
	NumberFromInt = types.NumberFromInt
	B             = types.B
	BoolValue     = types.Bool
	Null          = types.Null
	L             = types.L
	M             = types.M
	VecF32        = types.VecF32
	Ts            = types.Ts
)

// Re-exported condition/update constructors.
var (
	AttributeExists    = expr.AttributeExists
	AttributeNotExists = expr.AttributeNotExists
	Equals             = expr.Equals
	NotEquals          = expr.NotEquals
	LessThan           = expr.LessThan
	LessOrEqual        = expr.LessOrEqual
	GreaterThan        = expr.GreaterThan
	GreaterOrEqual     = expr.GreaterOrEqual
	BeginsWith         = expr.BeginsWith
	Contains           = expr.Contains
	And                = expr.And
	Or                 = expr.Or
	Not                = expr.Not

	SetLiteral     = expr.Literal
	SetPathPlus    = expr.PathPlus
	SetPathMinus   = expr.PathMinus
	SetIfNotExists = expr.IfNotExists
	SetListAppend  = expr.ListAppend

	SetAction    = expr.Set
	RemoveAction = expr.Remove
	AddAction    = expr.Add
)

// Re-exported config option constructors.
var (
	DefaultConfig               = schema.DefaultConfig
	NewConfig                   = schema.NewConfig
	OptMaxMemtableRecords       = schema.OptMaxMemtableRecords
	OptMaxMemtableSizeBytes     = schema.OptMaxMemtableSizeBytes
	OptWALRingSizeBytes         = schema.OptWALRingSizeBytes
	OptWALBatchTimeout          = schema.OptWALBatchTimeout
	OptBlockSize                = schema.OptBlockSize
	OptBloomBitsPerKey          = schema.OptBloomBitsPerKey
	OptCompactionEnabled        = schema.OptCompactionEnabled
	OptCompactionSSTThreshold   = schema.OptCompactionSSTThreshold
	OptCompactionCheckInterval  = schema.OptCompactionCheckInterval
	OptMaxConcurrentCompactions = schema.OptMaxConcurrentCompactions
	OptMaxTotalDiskBytes        = schema.OptMaxTotalDiskBytes
	OptTTLSweepInterval         = schema.OptTTLSweepInterval
)

// Re-exported error kinds, matching kerr.Kind's values.
const (
	ErrKindNotFound               = kerr.NotFound
	ErrKindInvalidArgument        = kerr.InvalidArgument
	ErrKindInvalidExpression      = kerr.InvalidExpression
	ErrKindConditionalCheckFailed = kerr.ConditionalCheckFailed
	ErrKindTransactionCanceled    = kerr.TransactionCanceled
	ErrKindChecksumMismatch       = kerr.ChecksumMismatch
	ErrKindCorruption             = kerr.Corruption
	ErrKindIo                     = kerr.Io
	ErrKindResourceExhausted      = kerr.ResourceExhausted
	ErrKindInternal               = kerr.Internal
)

// IsErrorKind reports whether err is a *kerr.Error (or wraps one) of the
// given kind, the same errors.Is-compatible check kerr.Is performs.
func IsErrorKind(err error, kind ErrorKind) bool { return kerr.Is(err, kind) }

// Database is a handle to one open KeystoneDB database directory.
type Database struct {
	eng *engine.Engine
}

// CreateWithSchema creates a fresh database at dir with the given
// secondary-index/TTL schema and config.
func CreateWithSchema(dir string, sch Schema, cfg Config) (*Database, error) {
	eng, err := engine.Create(dir, cfg, sch)
	if err != nil {
		return nil, err
	}
	return &Database{eng: eng}, nil
}

// Create creates a fresh database at dir with default config and no
// secondary indexes.
func Create(dir string) (*Database, error) {
	return CreateWithSchema(dir, Schema{}, DefaultConfig())
}

// Open opens an existing database directory, replaying its WAL.
func Open(dir string, sch Schema, cfg Config) (*Database, error) {
	eng, err := engine.Open(dir, cfg, sch)
	if err != nil {
		return nil, err
	}
	return &Database{eng: eng}, nil
}

// CreateInMemory opens a non-persistent database, for tests and
// short-lived callers that don't want a directory on disk.
func CreateInMemory(sch Schema, cfg Config) (*Database, error) {
	eng, err := engine.CreateInMemory(cfg, sch)
	if err != nil {
		return nil, err
	}
	return &Database{eng: eng}, nil
}

// Close flushes and closes the database.
func (d *Database) Close() error { return d.eng.Close() }

// Flush forces every stripe's memtable to an SST and fsyncs the WAL.
func (d *Database) Flush() error { return d.eng.Flush() }

// Put stores item at key, replacing any prior value. cond may be nil for
// an unconditional write.
func (d *Database) Put(key Key, item Item, cond *Condition) (Item, error) {
	return d.eng.Put(key, item, cond)
}

// Get returns the live item at key. found is false if the key is absent,
// tombstoned, or TTL-expired.
func (d *Database) Get(key Key) (item Item, found bool, err error) {
	return d.eng.Get(key)
}

// Delete tombstones key, subject to cond.
func (d *Database) Delete(key Key, cond *Condition) (Item, error) {
	return d.eng.Delete(key, cond)
}

// Update applies actions to the item at key under cond, returning both
// the item as it was before the update and as it is after.
func (d *Database) Update(key Key, actions []UpdateAction, cond *Condition) (oldItem, newItem Item, err error) {
	return d.eng.Update(key, actions, cond)
}

// QueryInput and QueryOutput re-export the engine's query types so
// callers never import internal/engine.
type (
	QueryInput      = engine.QueryInput
	QueryOutput     = engine.QueryOutput
	ScanInput       = engine.ScanInput
	ScanOutput      = engine.ScanOutput
	ResultItem      = engine.ResultItem
	SKPredicate     = engine.SKPredicate
	SKPredicateKind = engine.SKPredicateKind
)

const (
	SKNone       = engine.SKNone
	SKEq         = engine.SKEq
	SKLt         = engine.SKLt
	SKLe         = engine.SKLe
	SKGt         = engine.SKGt
	SKGe         = engine.SKGe
	SKBetween    = engine.SKBetween
	SKBeginsWith = engine.SKBeginsWith
)

// Query executes a partition-scoped query against the base table or,
// when in.IndexName is set, a named secondary index.
func (d *Database) Query(in QueryInput) (QueryOutput, error) {
	if in.IndexName != "" {
		return d.eng.QueryIndex(in)
	}
	return d.eng.Query(in)
}

// Scan iterates the whole database (or one segment of it, for
// client-side parallel scanning).
func (d *Database) Scan(in ScanInput) (ScanOutput, error) {
	return d.eng.Scan(in)
}

// ParallelScan runs Scan across totalSegments goroutines concurrently
// and merges their results.
func (d *Database) ParallelScan(totalSegments, limitPerSegment int) ([]ResultItem, error) {
	return d.eng.ParallelScan(totalSegments, limitPerSegment)
}

// BatchGetItem names one key for BatchGet, paired with its result.
type BatchGetItem struct {
	Key   Key
	Item  Item
	Found bool
}

// BatchGet reads each key independently (not atomically — for an
// all-or-nothing multi-key read, use TransactGet). The first per-key
// failure stops the batch; that error is returned alongside whatever
// results were gathered before it.
func (d *Database) BatchGet(keys []Key) ([]BatchGetItem, error) {
	out := make([]BatchGetItem, len(keys))
	for i, k := range keys {
		item, found, err := d.eng.Get(k)
		if err != nil {
			return out, err
		}
		out[i] = BatchGetItem{Key: k, Item: item, Found: found}
	}
	return out, nil
}

// BatchWriteOp is one Put or Delete within a BatchWrite call.
type BatchWriteOp struct {
	Key    Key
	Item   Item // ignored when Delete is set
	Delete bool
}

// BatchWrite applies each op independently and unconditionally (not
// atomically — for all-or-nothing semantics, use TransactWrite).
func (d *Database) BatchWrite(ops []BatchWriteOp) error {
	for _, op := range ops {
		var err error
		if op.Delete {
			_, err = d.eng.Delete(op.Key, nil)
		} else {
			_, err = d.eng.Put(op.Key, op.Item, nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// TransactGetItem and TransactWriteOp re-export the engine's
// transaction types.
type (
	TransactGetItem     = engine.TransactGetItem
	TransactWriteOp     = engine.TransactWriteOp
	TransactWriteOpKind = engine.TransactWriteOpKind
)

const (
	TxPut            = engine.TxPut
	TxDelete         = engine.TxDelete
	TxUpdate         = engine.TxUpdate
	TxConditionCheck = engine.TxConditionCheck
)

// TransactGet atomically reads up to engine.MaxTransactionItems keys.
func (d *Database) TransactGet(items []TransactGetItem) ([]Item, error) {
	return d.eng.TransactGet(items)
}

// TransactWrite atomically applies up to engine.MaxTransactionItems
// operations: every ConditionCheck and every op's own condition is
// evaluated against a coherent snapshot before any mutation commits.
func (d *Database) TransactWrite(ops []TransactWriteOp) error {
	return d.eng.TransactWrite(ops)
}

// Health reports whether the database can still serve reads/writes.
func (d *Database) Health() error { return d.eng.Health() }

// Stats is a point-in-time snapshot of the database's storage shape and
// lifetime compaction counters.
type Stats struct {
	inner engine.Stats
}

// Stats gathers current stripe/compaction counters across the database.
func (d *Database) Stats() *Stats {
	return &Stats{inner: d.eng.Stats()}
}

// String renders Stats as an aligned two-column table.
func (s *Stats) String() string {
	return brimtext.Align([][]string{
		{"totalSSTCount", fmt.Sprintf("%d", s.inner.TotalSSTCount)},
		{"compactionTotal", fmt.Sprintf("%d", s.inner.CompactionTotal)},
		{"compactionSSTsMerged", fmt.Sprintf("%d", s.inner.CompactionSSTsMerged)},
		{"compactionTombstonesRemoved", fmt.Sprintf("%d", s.inner.CompactionTombstonesGC)},
		{"compactionBytesRead", fmt.Sprintf("%d", s.inner.CompactionBytesRead)},
		{"compactionBytesWritten", fmt.Sprintf("%d", s.inner.CompactionBytesWritten)},
	}, nil)
}
