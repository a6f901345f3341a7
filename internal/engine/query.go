package engine

import (
	"bytes"
	"time"

	"github.com/keystonedb/keystone/internal/index"
	"github.com/keystonedb/keystone/internal/metrics"
	"github.com/keystonedb/keystone/internal/stripe"
	"github.com/keystonedb/keystone/keystone/expr"
	"github.com/keystonedb/keystone/keystone/kerr"
	"github.com/keystonedb/keystone/keystone/schema"
	"github.com/keystonedb/keystone/keystone/types"
)

// SKPredicateKind enumerates the sort-key conditions a Query can filter
// on.
type SKPredicateKind int

const (
	SKNone SKPredicateKind = iota
	SKEq
	SKLt
	SKLe
	SKGt
	SKGe
	SKBetween
	SKBeginsWith
)

// SKPredicate filters a Query's results by sort key. Lo is used by every
// kind except Between, which uses Lo/Hi as an inclusive range.
type SKPredicate struct {
	Kind SKPredicateKind
	Lo   []byte
	Hi   []byte
}

func (p SKPredicate) matches(sk []byte) bool {
	switch p.Kind {
	case SKNone:
		return true
	case SKEq:
		return bytes.Equal(sk, p.Lo)
	case SKLt:
		return bytes.Compare(sk, p.Lo) < 0
	case SKLe:
		return bytes.Compare(sk, p.Lo) <= 0
	case SKGt:
		return bytes.Compare(sk, p.Lo) > 0
	case SKGe:
		return bytes.Compare(sk, p.Lo) >= 0
	case SKBetween:
		return bytes.Compare(sk, p.Lo) >= 0 && bytes.Compare(sk, p.Hi) <= 0
	case SKBeginsWith:
		return bytes.HasPrefix(sk, p.Lo)
	default:
		return false
	}
}

// ResultItem is one item returned by Query/Scan, carrying its key
// alongside its attributes so callers can paginate and, for index
// queries, follow up with a base-table read via index.BaseKeyOf.
type ResultItem struct {
	Key  types.Key
	Item types.Item
}

// QueryInput describes a partition-scoped query. For a GSI query, PK is
// the indexed attribute's encoded value (see
// internal/index.encodeIndexAttr), not the base table's partition key;
// for an LSI query, PK is the base table's partition key.
type QueryInput struct {
	PK                []byte
	SK                SKPredicate
	Reverse           bool
	Limit             int
	ExclusiveStartKey *types.Key
	IndexName         string
}

// QueryOutput is what Query/QueryIndex return: the matched items, their
// count, the number of records examined, and the continuation key.
type QueryOutput struct {
	Items            []ResultItem
	Count            int
	ScannedCount     int
	LastEvaluatedKey *types.Key
}

// Query executes a partition-scoped query against the base table, or
// delegates to QueryIndex when an index name is given.
func (e *Engine) Query(in QueryInput) (QueryOutput, error) {
	if in.IndexName != "" {
		return e.QueryIndex(in)
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "query")
	return e.queryStripe(e.stripeFor(in.PK), in, nil, in.PK)
}

// QueryIndex executes a query against a named secondary index's stripe
// space rather than the base table. An LSI shares its base partition's
// stripe; a GSI's entries live under their own namespaced partition key
// derived from the caller-supplied attribute value.
func (e *Engine) QueryIndex(in QueryInput) (QueryOutput, error) {
	if in.IndexName == "" {
		return QueryOutput{}, kerr.New(kerr.InvalidArgument, "QueryIndex requires an IndexName")
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "query_index")
	def, ok := e.schema.FindIndex(in.IndexName)
	if !ok {
		return QueryOutput{}, kerr.New(kerr.InvalidArgument, "no such index %q", in.IndexName)
	}
	searchPK := in.PK
	if def.IsGSI() {
		searchPK = index.GSIPartitionKey(def.Name, in.PK)
	}
	return e.queryStripe(e.stripeFor(searchPK), in, &def, searchPK)
}

// queryStripe collects the partition's surviving records in ascending
// SK order, scopes them to the base table (def == nil) or to one named
// index, orders and paginates them per the input. The continuation
// cursor is positional — everything strictly past ExclusiveStartKey in
// iteration order — so pagination stays correct even if the cursor item
// was deleted between pages.
func (e *Engine) queryStripe(s *stripe.Stripe, in QueryInput, def *schema.IndexDef, searchPK []byte) (QueryOutput, error) {
	results, err := s.Range()
	if err != nil {
		return QueryOutput{}, err
	}

	now := time.Now().Unix()
	var matched []ResultItem
	scanned := 0
	for _, r := range results {
		key := r.Record.Key
		if !bytes.Equal(key.PK, searchPK) {
			continue
		}
		matchSK := key.SK
		if def == nil {
			if index.IsIndexKey(key) {
				continue
			}
		} else {
			name, extracted, _, err := index.SplitIndexSK(key.SK)
			if err != nil || name != def.Name {
				continue
			}
			matchSK = extracted
		}
		scanned++
		if !in.SK.matches(matchSK) {
			continue
		}
		if isExpired(e.schema, r.Record.Value, now) {
			continue
		}
		matched = append(matched, ResultItem{Key: key, Item: r.Record.Value})
	}

	if in.Reverse {
		reverseResultItems(matched)
	}
	if in.ExclusiveStartKey != nil {
		cursor := types.Encode(*in.ExclusiveStartKey)
		kept := matched[:0]
		for _, it := range matched {
			cmp := types.CompareEncoded(types.Encode(it.Key), cursor)
			if (in.Reverse && cmp < 0) || (!in.Reverse && cmp > 0) {
				kept = append(kept, it)
			}
		}
		matched = kept
	}

	out := QueryOutput{ScannedCount: scanned}
	if in.Limit > 0 && len(matched) > in.Limit {
		out.Items = matched[:in.Limit]
		last := out.Items[len(out.Items)-1].Key
		out.LastEvaluatedKey = &last
	} else {
		out.Items = matched
	}
	out.Count = len(out.Items)
	return out, nil
}

func bytesEqualKey(a, b types.Key) bool {
	return bytes.Equal(a.PK, b.PK) && bytes.Equal(a.SK, b.SK)
}

func reverseResultItems(items []ResultItem) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

// ScanInput describes a full-table (or segmented parallel) scan.
type ScanInput struct {
	Segment           int
	TotalSegments     int
	Limit             int
	ExclusiveStartKey *types.Key
}

// ScanOutput mirrors QueryOutput's shape.
type ScanOutput struct {
	Items            []ResultItem
	Count            int
	ScannedCount     int
	LastEvaluatedKey *types.Key
}

// Scan iterates every stripe routed to this segment (stripe_id mod
// total_segments == segment), in ascending stripe-ID order, applying
// limit/continuation across the whole segment.
func (e *Engine) Scan(in ScanInput) (ScanOutput, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "scan")
	total := in.TotalSegments
	if total <= 0 {
		total = 1
	}
	now := time.Now().Unix()
	started := in.ExclusiveStartKey == nil

	var items []ResultItem
	scanned := 0
	for id := 0; id < types.NumStripes; id++ {
		if id%total != in.Segment {
			continue
		}
		results, err := e.stripes[id].Range()
		if err != nil {
			return ScanOutput{}, err
		}
		for _, r := range results {
			key := r.Record.Key
			if index.IsIndexKey(key) {
				continue
			}
			scanned++
			if !started {
				if bytesEqualKey(key, *in.ExclusiveStartKey) {
					started = true
				}
				continue
			}
			if isExpired(e.schema, r.Record.Value, now) {
				continue
			}
			items = append(items, ResultItem{Key: key, Item: r.Record.Value})
			if in.Limit > 0 && len(items) >= in.Limit {
				last := key
				return ScanOutput{Items: items, Count: len(items), ScannedCount: scanned, LastEvaluatedKey: &last}, nil
			}
		}
	}
	return ScanOutput{Items: items, Count: len(items), ScannedCount: scanned}, nil
}

// TransactGetItem names one key to read within a TransactGet call.
type TransactGetItem struct {
	Key types.Key
}

// TransactGet reads a coherent snapshot of up to MaxTransactionItems keys,
// read-locking every distinct stripe touched (sorted ascending) so a
// concurrent TransactWrite can't interleave a partial update across the
// set.
func (e *Engine) TransactGet(items []TransactGetItem) ([]types.Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > MaxTransactionItems {
		return nil, kerr.New(kerr.InvalidArgument, "transact get exceeds max of %d items", MaxTransactionItems)
	}
	pks := make([][]byte, len(items))
	for i, it := range items {
		if err := it.Key.Validate(); err != nil {
			return nil, err
		}
		pks[i] = it.Key.PK
	}
	ids := stripeIDsForPKs(pks)
	e.lockStripes(ids, false)
	defer e.unlockStripes(ids, false)

	now := time.Now().Unix()
	out := make([]types.Item, len(items))
	for i, it := range items {
		s := e.stripeFor(it.Key.PK)
		rec, err := s.GetLocked(types.Encode(it.Key))
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Kind == types.Delete {
			continue
		}
		if isExpired(e.schema, rec.Value, now) {
			continue
		}
		out[i] = rec.Value
	}
	return out, nil
}

// TransactWriteOpKind selects which of TransactWriteOp's fields are
// meaningful.
type TransactWriteOpKind int

const (
	TxPut TransactWriteOpKind = iota
	TxDelete
	TxUpdate
	TxConditionCheck
)

// TransactWriteOp is one operation within a TransactWrite call. Item is
// the replacement for TxPut; Actions are evaluated against the
// pre-image for TxUpdate, inside the same multi-stripe critical section
// the conditions are checked in.
type TransactWriteOp struct {
	Kind    TransactWriteOpKind
	Key     types.Key
	Item    types.Item
	Actions []expr.UpdateAction
	Cond    *expr.Condition
}

// TransactWrite applies every op atomically: all touched base stripes
// are locked up front in ascending stripe-ID order, every condition and
// every TxUpdate's actions are evaluated against the current state
// before any mutation is applied, and the whole batch (base + index
// records for every op) commits as one WAL group with a single fsync. If
// any condition fails, no state changes and TransactWrite returns a
// kerr.TransactionCanceled error carrying one reason per failed op.
func (e *Engine) TransactWrite(ops []TransactWriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxTransactionItems {
		return kerr.New(kerr.InvalidArgument, "transact write exceeds max of %d items", MaxTransactionItems)
	}
	pks := make([][]byte, len(ops))
	for i, op := range ops {
		if err := op.Key.Validate(); err != nil {
			return err
		}
		pks[i] = op.Key.PK
	}
	if err := e.checkDiskBudget(); err != nil {
		return err
	}
	deferred, err := e.transactWriteLocked(ops, pks)
	if err != nil {
		return err
	}
	return e.applyRecords(deferred)
}

// transactWriteLocked holds every involved base stripe's write lock
// (ascending stripe-ID order) across condition evaluation and the
// commit, returning any GSI records routed outside that locked set for
// the caller to apply once the locks are released.
func (e *Engine) transactWriteLocked(ops []TransactWriteOp, pks [][]byte) ([]types.Record, error) {
	ids := stripeIDsForPKs(pks)
	held := make(map[uint8]bool, len(ids))
	for _, id := range ids {
		held[id] = true
	}
	e.lockStripes(ids, true)
	defer e.unlockStripes(ids, true)

	oldItems := make([]types.Item, len(ops))
	newItems := make([]types.Item, len(ops))
	var reasons []error
	for i, op := range ops {
		s := e.stripeFor(op.Key.PK)
		rec, err := s.GetLocked(types.Encode(op.Key))
		if err != nil {
			return nil, err
		}
		var old types.Item
		if rec != nil && rec.Kind == types.Put {
			old = rec.Value
		}
		oldItems[i] = old

		if op.Cond != nil {
			ok, evalErr := op.Cond.Eval(old)
			if evalErr != nil {
				reasons = append(reasons, evalErr)
				continue
			}
			if !ok {
				reasons = append(reasons, kerr.New(kerr.ConditionalCheckFailed, "condition failed for item %d", i))
				continue
			}
		}

		switch op.Kind {
		case TxUpdate:
			ni, _, applyErr := expr.Apply(old, op.Actions)
			if applyErr != nil {
				reasons = append(reasons, applyErr)
				continue
			}
			newItems[i] = ni
		case TxPut:
			newItems[i] = op.Item
		case TxDelete:
			newItems[i] = nil
		case TxConditionCheck:
			newItems[i] = old
		}
	}
	if len(reasons) > 0 {
		metrics.TransactionsTotal.WithLabelValues("canceled").Inc()
		return nil, kerr.Canceled(reasons)
	}

	var allRecords []types.Record
	for i, op := range ops {
		if op.Kind == TxConditionCheck {
			continue
		}
		old := oldItems[i]
		ni := newItems[i]
		var rec types.Record
		if ni == nil {
			rec = types.Record{Key: op.Key, Kind: types.Delete}
		} else {
			rec = types.Record{Key: op.Key, Kind: types.Put, Value: ni}
		}
		allRecords = append(allRecords, rec)
		idxRecs, err := index.Entries(e.schema, 0, op.Key, old, ni)
		if err != nil {
			return nil, err
		}
		allRecords = append(allRecords, idxRecs...)
	}

	deferred, err := e.commitAndApply(allRecords, held)
	if err != nil {
		metrics.TransactionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues("committed").Inc()
	return deferred, nil
}
