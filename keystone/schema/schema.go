// Package schema holds the configuration and table-schema structs shared
// by the engine and the root façade: Config (the engine's enumerated
// tuning options), Schema (TTL attribute plus LSI/GSI definitions), and
// Projection. It is a leaf package with no dependency on keystone/types,
// so internal/engine, internal/index, and the root keystone package can
// all import it without cycles.
package schema

import "time"

// Projection controls which attributes a secondary index entry carries.
type Projection int

const (
	// ProjectionKeysOnly stores only the base table key in the index.
	ProjectionKeysOnly Projection = iota
	// ProjectionAll stores the full item in the index.
	ProjectionAll
	// ProjectionInclude stores the base key plus a named attribute subset.
	ProjectionInclude
)

// IndexDef describes one Local or Global Secondary Index.
type IndexDef struct {
	Name       string
	PKAttr     string // GSI only; empty for LSI (reuses the base table PK)
	SKAttr     string // LSI: required; GSI: optional
	Projection Projection
	Include    []string // attribute names, used when Projection == ProjectionInclude
}

// IsGSI reports whether this index has its own partition-key attribute
// (true) or reuses the base table's partition key (false, an LSI).
func (d IndexDef) IsGSI() bool { return d.PKAttr != "" }

// Schema fixes the key roles and index definitions for a table. Items
// themselves remain schema-free beyond this.
type Schema struct {
	TTLAttr string // empty means TTL is disabled
	LSIs    []IndexDef
	GSIs    []IndexDef
}

// FindIndex looks up an index definition by name across LSIs and GSIs.
func (s Schema) FindIndex(name string) (IndexDef, bool) {
	for _, d := range s.LSIs {
		if d.Name == name {
			return d, true
		}
	}
	for _, d := range s.GSIs {
		if d.Name == name {
			return d, true
		}
	}
	return IndexDef{}, false
}

// Config enumerates the engine's tunables. Every field has a working
// default (DefaultConfig); zero values mean "unset" where noted.
type Config struct {
	// MaxMemtableRecords is the per-stripe flush threshold by record
	// count.
	MaxMemtableRecords int
	// MaxMemtableSizeBytes is an alternative flush threshold by
	// estimated byte size; 0 means unset (record count governs alone).
	MaxMemtableSizeBytes int64
	// WALRingSizeBytes is the fixed size of the WAL ring region.
	WALRingSizeBytes int64
	// WALBatchTimeout is the group-commit auto-flush timeout.
	WALBatchTimeout time.Duration
	// BlockSize is the SST data block size.
	BlockSize int
	// BloomBitsPerKey controls bloom filter precision.
	BloomBitsPerKey int
	// CompactionEnabled toggles the background compactor.
	CompactionEnabled bool
	// CompactionSSTThreshold is the per-stripe SST count that triggers a
	// compaction job.
	CompactionSSTThreshold int
	// CompactionCheckInterval is the scheduler tick.
	CompactionCheckInterval time.Duration
	// MaxConcurrentCompactions bounds compaction parallelism globally.
	MaxConcurrentCompactions int
	// MaxTotalDiskBytes is a hard cap on total on-disk size; 0 means
	// unset (no cap).
	MaxTotalDiskBytes int64
	// TTLSweepInterval, when non-zero, enables the optional background
	// TTL sweeper at this cadence; 0 disables it (lazy filtering on read
	// still applies regardless).
	TTLSweepInterval time.Duration
}

// DefaultConfig returns the stock tuning: 1000-record memtables, a
// 64 MiB WAL ring, 10 ms group commit, 4 KiB blocks, and background
// compaction at 10 SSTs per stripe.
func DefaultConfig() Config {
	return Config{
		MaxMemtableRecords:       1000,
		MaxMemtableSizeBytes:     0,
		WALRingSizeBytes:         64 * 1024 * 1024,
		WALBatchTimeout:          10 * time.Millisecond,
		BlockSize:                4096,
		BloomBitsPerKey:          10,
		CompactionEnabled:        true,
		CompactionSSTThreshold:   10,
		CompactionCheckInterval:  60 * time.Second,
		MaxConcurrentCompactions: 4,
		MaxTotalDiskBytes:        0,
		TTLSweepInterval:         0,
	}
}

// Option mutates a Config. Config is still a plain struct — the Opt*
// constructors are ergonomic sugar over direct field assignment, not the
// only way to build one.
type Option func(*Config)

// OptMaxMemtableRecords overrides MaxMemtableRecords.
func OptMaxMemtableRecords(n int) Option {
	return func(c *Config) { c.MaxMemtableRecords = n }
}

// OptMaxMemtableSizeBytes overrides MaxMemtableSizeBytes.
func OptMaxMemtableSizeBytes(n int64) Option {
	return func(c *Config) { c.MaxMemtableSizeBytes = n }
}

// OptWALRingSizeBytes overrides WALRingSizeBytes.
func OptWALRingSizeBytes(n int64) Option {
	return func(c *Config) { c.WALRingSizeBytes = n }
}

// OptWALBatchTimeout overrides WALBatchTimeout.
func OptWALBatchTimeout(d time.Duration) Option {
	return func(c *Config) { c.WALBatchTimeout = d }
}

// OptBlockSize overrides BlockSize.
func OptBlockSize(n int) Option {
	return func(c *Config) { c.BlockSize = n }
}

// OptBloomBitsPerKey overrides BloomBitsPerKey.
func OptBloomBitsPerKey(n int) Option {
	return func(c *Config) { c.BloomBitsPerKey = n }
}

// OptCompactionEnabled overrides CompactionEnabled.
func OptCompactionEnabled(b bool) Option {
	return func(c *Config) { c.CompactionEnabled = b }
}

// OptCompactionSSTThreshold overrides CompactionSSTThreshold.
func OptCompactionSSTThreshold(n int) Option {
	return func(c *Config) { c.CompactionSSTThreshold = n }
}

// OptCompactionCheckInterval overrides CompactionCheckInterval.
func OptCompactionCheckInterval(d time.Duration) Option {
	return func(c *Config) { c.CompactionCheckInterval = d }
}

// OptMaxConcurrentCompactions overrides MaxConcurrentCompactions.
func OptMaxConcurrentCompactions(n int) Option {
	return func(c *Config) { c.MaxConcurrentCompactions = n }
}

// OptMaxTotalDiskBytes overrides MaxTotalDiskBytes.
func OptMaxTotalDiskBytes(n int64) Option {
	return func(c *Config) { c.MaxTotalDiskBytes = n }
}

// OptTTLSweepInterval overrides TTLSweepInterval.
func OptTTLSweepInterval(d time.Duration) Option {
	return func(c *Config) { c.TTLSweepInterval = d }
}

// NewConfig builds a Config starting from DefaultConfig and applying opts
// in order.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
