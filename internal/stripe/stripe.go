// Package stripe implements one of the 256 independent LSM shards: a
// read-write lock guarding one memtable plus an ordered (newest-first)
// list of immutable SSTs. Per-stripe locking is what lets independent
// partition keys proceed in parallel.
package stripe

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/keystonedb/keystone/internal/memtable"
	"github.com/keystonedb/keystone/internal/metrics"
	"github.com/keystonedb/keystone/internal/sst"
	"github.com/keystonedb/keystone/keystone/kerr"
	"github.com/keystonedb/keystone/keystone/types"
)

// Config configures flush/SST behavior shared by every stripe.
type Config struct {
	Dir                  string
	MaxMemtableRecords   int
	MaxMemtableSizeBytes int64
	BlockSize            int
	BloomBitsPerKey      int
	// SSTIDs is the database-wide monotone SST id source shared by every
	// stripe and the compactor, so file names stay unique across the
	// whole directory. The engine supplies one per database; a nil value
	// gets a private counter (convenient for single-stripe tests).
	SSTIDs *atomic.Uint64
}

// Stripe owns one memtable and an ordered SST list for the partition
// keys StripeOf routes to it.
type Stripe struct {
	ID  uint8
	cfg Config

	mu   sync.RWMutex
	mem  *memtable.Memtable
	ssts []*sst.Reader // newest first
}

// New creates an empty stripe.
func New(id uint8, cfg Config) *Stripe {
	if cfg.SSTIDs == nil {
		cfg.SSTIDs = &atomic.Uint64{}
	}
	return &Stripe{ID: id, cfg: cfg, mem: memtable.New()}
}

// Put inserts rec into the memtable under the write lock, flushing if the
// configured threshold is crossed. It returns whether a flush occurred
// and the max LSN contained in it (0 if no flush), so the caller (engine)
// can advance the WAL checkpoint.
func (s *Stripe) Put(rec types.Record) (flushed bool, maxFlushedLSN uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Put(rec)
	metrics.StripeMemtableRecords.WithLabelValues(fmt.Sprint(s.ID)).Set(float64(s.mem.Len()))
	if s.shouldFlushLocked() {
		maxLSN, err := s.flushLocked()
		if err != nil {
			return false, 0, err
		}
		return true, maxLSN, nil
	}
	return false, 0, nil
}

func (s *Stripe) shouldFlushLocked() bool {
	if s.cfg.MaxMemtableRecords > 0 && s.mem.Len() >= s.cfg.MaxMemtableRecords {
		return true
	}
	if s.cfg.MaxMemtableSizeBytes > 0 && s.mem.ByteEstimate() >= s.cfg.MaxMemtableSizeBytes {
		return true
	}
	return false
}

// Get checks the memtable, then SSTs newest to oldest, consulting each
// one's bloom filter first. It returns the first hit, which may be a
// Delete tombstone — the caller converts that to absence.
func (s *Stripe) Get(key []byte) (*types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.mem.Get(key); ok {
		return &rec, nil
	}
	for _, reader := range s.ssts {
		if !reader.MayContain(key) {
			continue
		}
		rec, err := reader.Get(key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

// RangeResult is one logical key's surviving record after merging the
// memtable and every SST at the highest seqno seen.
type RangeResult struct {
	Key    []byte
	Record types.Record
}

// Range returns every live (non-tombstone) record across the memtable and
// all SSTs, merged so only the highest-seqno version of each logical key
// survives, in ascending encoded-key order. Callers apply PK-prefix/SK
// predicate filtering and direction/limit themselves.
func (s *Stripe) Range() ([]RangeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := make(map[string]types.Record)
	order := make(map[string][]byte)
	consider := func(key []byte, rec types.Record) {
		k := string(key)
		if existing, ok := best[k]; !ok || rec.Seqno > existing.Seqno {
			best[k] = rec
			order[k] = key
		}
	}
	for _, rec := range s.mem.All() {
		consider(types.Encode(rec.Key), rec)
	}
	for i := len(s.ssts) - 1; i >= 0; i-- {
		all, err := s.ssts[i].RangeIter()
		if err != nil {
			return nil, err
		}
		for _, rec := range all {
			consider(types.Encode(rec.Key), *rec)
		}
	}

	keys := make([]string, 0, len(best))
	for k := range best {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]RangeResult, 0, len(keys))
	for _, k := range keys {
		rec := best[k]
		if rec.Kind == types.Delete {
			continue
		}
		results = append(results, RangeResult{Key: order[k], Record: rec})
	}
	return results, nil
}

// Flush writes the current memtable to a new SST, prepends it to the SST
// list, and clears the memtable. It returns the max LSN among the
// flushed records (0 if the memtable was empty), for WAL checkpoint
// advance.
func (s *Stripe) Flush() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Stripe) flushLocked() (uint64, error) {
	records := s.mem.All()
	if len(records) == 0 {
		return 0, nil
	}
	sort.Slice(records, func(i, j int) bool {
		return types.CompareEncoded(types.Encode(records[i].Key), types.Encode(records[j].Key)) < 0
	})

	path := filepath.Join(s.cfg.Dir, fmt.Sprintf("%03d-%d.sst", s.ID, s.cfg.SSTIDs.Add(1)))
	builder, err := sst.NewBuilder(path, s.cfg.BlockSize, s.cfg.BloomBitsPerKey, len(records))
	if err != nil {
		return 0, err
	}

	var maxLSN uint64
	for _, rec := range records {
		if err := builder.Add(types.Encode(rec.Key), rec); err != nil {
			_ = builder.Abort()
			return 0, err
		}
		if rec.Seqno > maxLSN {
			maxLSN = rec.Seqno
		}
	}
	if err := builder.Finish(); err != nil {
		return 0, err
	}
	reader, err := sst.Open(path)
	if err != nil {
		return 0, err
	}
	s.ssts = append([]*sst.Reader{reader}, s.ssts...)
	s.mem.Clear()
	metrics.FlushesTotal.Inc()
	metrics.StripeMemtableRecords.WithLabelValues(fmt.Sprint(s.ID)).Set(0)
	metrics.StripeSSTCount.WithLabelValues(fmt.Sprint(s.ID)).Set(float64(len(s.ssts)))
	return maxLSN, nil
}

// SSTs returns a snapshot of the current SST list (newest first), for the
// compactor to inspect without holding the lock across an entire job.
func (s *Stripe) SSTs() []*sst.Reader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*sst.Reader, len(s.ssts))
	copy(out, s.ssts)
	return out
}

// SSTCount reports the current SST count, for compaction threshold
// checks.
func (s *Stripe) SSTCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ssts)
}

// ReplaceSSTs atomically swaps snapshot (the SSTs a compaction job read)
// for replacement under the write lock, leaving any SST added
// concurrently (after the job's snapshot) in place ahead of the
// replacement. Old SST files are unlinked after the swap.
func (s *Stripe) ReplaceSSTs(snapshot []*sst.Reader, replacement *sst.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshotSet := make(map[string]bool, len(snapshot))
	for _, r := range snapshot {
		snapshotSet[r.Path()] = true
	}
	var kept []*sst.Reader
	var removed []*sst.Reader
	for _, r := range s.ssts {
		if snapshotSet[r.Path()] {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	newList := append([]*sst.Reader{replacement}, kept...)
	s.ssts = newList
	metrics.StripeSSTCount.WithLabelValues(fmt.Sprint(s.ID)).Set(float64(len(s.ssts)))

	for _, r := range removed {
		path := r.Path()
		if err := r.Close(); err != nil {
			return kerr.Wrap(kerr.Io, err, "close replaced sst %s", path)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return kerr.Wrap(kerr.Io, err, "unlink replaced sst %s", path)
		}
	}
	return nil
}

// LoadSSTs installs the SST readers discovered on disk when an existing
// database is opened, newest first. Called once per stripe before any
// read or write is served.
func (s *Stripe) LoadSSTs(readers []*sst.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ssts = readers
	metrics.StripeSSTCount.WithLabelValues(fmt.Sprint(s.ID)).Set(float64(len(s.ssts)))
}

// RestoreFromRecovery re-inserts a record recovered from the WAL directly
// into the memtable, bypassing flush-threshold checks — recovery replays
// the whole WAL before any flush decision is made.
func (s *Stripe) RestoreFromRecovery(rec types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.Put(rec)
}

// Lock and Unlock expose the stripe's write lock to callers that must
// hold it across both a condition-evaluation phase and an apply phase —
// something Put/Get's self-contained locking can't express. The engine's
// single-item writes use them with GetLocked/PutLocked, and its
// transaction path holds several stripes' locks at once, in a
// deterministic order.
func (s *Stripe) Lock()   { s.mu.Lock() }
func (s *Stripe) Unlock() { s.mu.Unlock() }

// RLock and RUnlock are the read-side equivalents, used by TransactGet to
// read a coherent snapshot across several stripes without racing an
// in-flight TransactWrite on any of them.
func (s *Stripe) RLock()   { s.mu.RLock() }
func (s *Stripe) RUnlock() { s.mu.RUnlock() }

// GetLocked behaves like Get but assumes the caller already holds the
// stripe's read or write lock (via RLock/Lock), for use inside a
// multi-stripe transaction critical section.
func (s *Stripe) GetLocked(key []byte) (*types.Record, error) {
	if rec, ok := s.mem.Get(key); ok {
		return &rec, nil
	}
	for _, reader := range s.ssts {
		if !reader.MayContain(key) {
			continue
		}
		rec, err := reader.Get(key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

// Close releases every open SST file handle for this stripe. It does not
// remove any files — Close is for a clean process shutdown, not a drop.
func (s *Stripe) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.ssts {
		if err := r.Close(); err != nil {
			return err
		}
	}
	return nil
}

// PutLocked behaves like Put but assumes the caller already holds the
// stripe's write lock, for use inside a multi-stripe transaction's apply
// phase where every involved stripe is locked up front.
func (s *Stripe) PutLocked(rec types.Record) (flushed bool, maxFlushedLSN uint64, err error) {
	s.mem.Put(rec)
	metrics.StripeMemtableRecords.WithLabelValues(fmt.Sprint(s.ID)).Set(float64(s.mem.Len()))
	if s.shouldFlushLocked() {
		maxLSN, err := s.flushLocked()
		if err != nil {
			return false, 0, err
		}
		return true, maxLSN, nil
	}
	return false, 0, nil
}
