// Package compactor periodically merges a stripe's SSTs into one,
// dropping tombstones and superseded versions, bounding how many SSTs a
// Get/Range must fan out across. Compaction runs on a ticker, fans out
// across stripes with an errgroup-bounded worker pool, and never blocks
// writers: each job only takes a stripe's write lock for the final
// pointer swap (internal/stripe.Stripe.ReplaceSSTs).
package compactor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keystonedb/keystone/internal/klog"
	"github.com/keystonedb/keystone/internal/metrics"
	"github.com/keystonedb/keystone/internal/sst"
	"github.com/keystonedb/keystone/internal/stripe"
	"github.com/keystonedb/keystone/keystone/types"
)

// sstFileSize returns an SST file's size in bytes, or 0 if it cannot be
// stat'd (compaction accounting is best-effort, never fatal).
func sstFileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// Config controls compaction scheduling and thresholds.
type Config struct {
	// CheckInterval is how often the ticker scans every stripe for
	// compaction eligibility.
	CheckInterval time.Duration
	// MinSSTsToCompact is the SST-count threshold a stripe must reach
	// before a compaction job is scheduled for it.
	MinSSTsToCompact int
	// MaxConcurrent bounds how many stripe compactions run at once.
	MaxConcurrent int
	// Dir is where merged SSTs are written before being swapped in.
	Dir string
	// BlockSize and BloomBitsPerKey are forwarded to the SST builder.
	BlockSize       int
	BloomBitsPerKey int
	// SSTIDs is the database-wide monotone SST id source shared with the
	// stripes, so merged files slot into the same {stripe:03}-{sst_id}.sst
	// naming scheme as flush output. Nil gets a private counter (tests).
	SSTIDs *atomic.Uint64
}

// Stats accumulates lifetime compaction counters, mirrored into
// internal/metrics and readable via Snapshot for Database.Stats.
type Stats struct {
	mu                sync.Mutex
	TotalCompactions  uint64
	SSTsMerged        uint64
	TombstonesRemoved uint64
	BytesRead         uint64
	BytesWritten      uint64
}

func (s *Stats) record(sstsMerged int, tombstones int, bytesRead, bytesWritten int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalCompactions++
	s.SSTsMerged += uint64(sstsMerged)
	s.TombstonesRemoved += uint64(tombstones)
	s.BytesRead += uint64(bytesRead)
	s.BytesWritten += uint64(bytesWritten)
}

// Snapshot returns a copy of the current stats.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalCompactions:  s.TotalCompactions,
		SSTsMerged:        s.SSTsMerged,
		TombstonesRemoved: s.TombstonesRemoved,
		BytesRead:         s.BytesRead,
		BytesWritten:      s.BytesWritten,
	}
}

// Compactor owns the background ticker driving compaction across all 256
// stripes of an open engine.
type Compactor struct {
	cfg     Config
	stripes func() []*stripe.Stripe
	stats   Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Compactor. stripesFn is called on every tick to get the
// live set of stripes to consider — the engine owns stripe lifetime.
func New(cfg Config, stripesFn func() []*stripe.Stripe) *Compactor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MinSSTsToCompact <= 0 {
		cfg.MinSSTsToCompact = 4
	}
	if cfg.SSTIDs == nil {
		cfg.SSTIDs = &atomic.Uint64{}
	}
	return &Compactor{
		cfg:     cfg,
		stripes: stripesFn,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Stats returns a snapshot of the lifetime compaction counters, for
// Database.Stats.
func (c *Compactor) Stats() Stats {
	return c.stats.Snapshot()
}

// Start launches the background ticker goroutine. Stop must be called to
// release it.
func (c *Compactor) Start(ctx context.Context) {
	go c.loop(ctx)
}

// Stop halts the ticker and waits for any in-flight scan to finish,
// including the jobs it dispatched (RunOnce waits on all of them).
func (c *Compactor) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Compactor) loop(ctx context.Context) {
	defer close(c.doneCh)
	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				klog.Errorf("compaction scan failed", err)
			}
		}
	}
}

// RunOnce scans every stripe for compaction eligibility and runs eligible
// jobs concurrently, bounded by Config.MaxConcurrent. It is exported so
// callers (and tests) can drive compaction synchronously without waiting
// on the ticker.
func (c *Compactor) RunOnce(ctx context.Context) error {
	stripes := c.stripes()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrent)

	for _, s := range stripes {
		s := s
		if s.SSTCount() < c.cfg.MinSSTsToCompact {
			continue
		}
		g.Go(func() error {
			if err := c.compactStripe(gctx, s); err != nil {
				metrics.CompactionFailuresTotal.Inc()
				klog.Errorf(fmt.Sprintf("stripe %d compaction failed", s.ID), err)
				return nil // one stripe's failure never aborts the scan
			}
			return nil
		})
	}
	return g.Wait()
}

// compactStripe snapshots a stripe's SST list, k-way merges the newest
// version of every key across it, drops tombstones (a whole-stripe
// compaction sees every version, so a tombstone here can never hide a
// still-needed older Put), and atomically swaps the merged SST in.
func (c *Compactor) compactStripe(ctx context.Context, s *stripe.Stripe) error {
	timer := metrics.NewTimer()
	snapshot := s.SSTs()
	if len(snapshot) < 2 {
		return nil
	}

	merged, tombstones, bytesRead, err := mergeNewestWins(snapshot)
	if err != nil {
		return err
	}

	path := filepath.Join(c.cfg.Dir, fmt.Sprintf("%03d-%d.sst", s.ID, c.cfg.SSTIDs.Add(1)))

	builder, err := sst.NewBuilder(path, c.cfg.BlockSize, c.cfg.BloomBitsPerKey, len(merged))
	if err != nil {
		return err
	}
	for _, rec := range merged {
		if err := builder.Add(types.Encode(rec.Key), rec); err != nil {
			_ = builder.Abort()
			return err
		}
	}
	if err := builder.Finish(); err != nil {
		return err
	}
	reader, err := sst.Open(path)
	if err != nil {
		return err
	}

	if err := s.ReplaceSSTs(snapshot, reader); err != nil {
		return err
	}

	bytesWritten := sstFileSize(path)

	c.stats.record(len(snapshot), tombstones, bytesRead, bytesWritten)
	metrics.CompactionsTotal.Inc()
	metrics.TombstonesRemovedTotal.Add(float64(tombstones))
	timer.ObserveDuration(metrics.CompactionDuration)
	stripeLogger := klog.WithStripe("compactor", s.ID)
	stripeLogger.Info().
		Int("ssts_merged", len(snapshot)).
		Int("tombstones_removed", tombstones).
		Msg("stripe compacted")
	return nil
}

// mergeNewestWins performs a full k-way merge across every SST's record
// stream (newest SST first), keeping only the highest-seqno record per
// logical key and dropping the ones that turn out to be tombstones.
func mergeNewestWins(snapshot []*sst.Reader) (merged []types.Record, tombstones int, bytesRead int64, err error) {
	best := make(map[string]types.Record)
	for _, reader := range snapshot {
		bytesRead += sstFileSize(reader.Path())
		all, err := reader.RangeIter()
		if err != nil {
			return nil, 0, 0, err
		}
		for _, rec := range all {
			k := string(types.Encode(rec.Key))
			if existing, ok := best[k]; !ok || rec.Seqno > existing.Seqno {
				best[k] = *rec
			}
		}
	}
	for _, rec := range best {
		if rec.Kind == types.Delete {
			tombstones++
			continue
		}
		merged = append(merged, rec)
	}
	sortRecordsByKey(merged)
	return merged, tombstones, bytesRead, nil
}

func sortRecordsByKey(records []types.Record) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0; j-- {
			a := types.Encode(records[j-1].Key)
			b := types.Encode(records[j].Key)
			if types.CompareEncoded(a, b) <= 0 {
				break
			}
			records[j-1], records[j] = records[j], records[j-1]
		}
	}
}
