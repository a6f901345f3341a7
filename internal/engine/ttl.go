package engine

import (
	"strconv"
	"time"

	"github.com/keystonedb/keystone/internal/index"
	"github.com/keystonedb/keystone/keystone/schema"
	"github.com/keystonedb/keystone/keystone/types"
)

// isExpired reports whether item carries a TTL attribute (per sch.TTLAttr)
// whose value names a unix-seconds instant at or before now. The TTL
// attribute's own unit is seconds-since-epoch even though types.Value's
// Ts kind is milliseconds-since-epoch elsewhere in the value model — a
// Ts-kind TTL value is converted by dividing by 1000. A missing or unparseable TTL
// value is never treated as expired: lazy filtering must not turn a
// malformed attribute into a silent data loss.
func isExpired(sch schema.Schema, item types.Item, now int64) bool {
	if sch.TTLAttr == "" || item == nil {
		return false
	}
	v, ok := item[sch.TTLAttr]
	if !ok || v.IsAbsent() {
		return false
	}
	var seconds int64
	switch v.Kind {
	case types.KindTs:
		seconds = v.Ts / 1000
	case types.KindN:
		n, err := strconv.ParseInt(v.N, 10, 64)
		if err != nil {
			return false
		}
		seconds = n
	default:
		return false
	}
	return seconds <= now
}

// startTTLSweeper launches the background ticker that periodically scans
// every stripe for expired items and tombstones them.
// Lazy filtering on Get/Query/Scan already hides expired items from
// readers; the sweeper exists to reclaim their storage even if nothing
// ever reads them again.
func (e *Engine) startTTLSweeper() {
	e.ttlStop = make(chan struct{})
	e.ttlDone = make(chan struct{})
	go func() {
		defer close(e.ttlDone)
		ticker := time.NewTicker(e.cfg.TTLSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ttlStop:
				return
			case <-ticker.C:
				e.SweepExpired()
			}
		}
	}()
}

// SweepExpired scans every stripe's live records and deletes any whose
// TTL attribute has passed, via the same write path (and index
// maintenance) a caller-initiated Delete would use. It is exported so
// callers (and tests) can force a sweep without waiting on the ticker.
func (e *Engine) SweepExpired() {
	if e.schema.TTLAttr == "" {
		return
	}
	now := time.Now().Unix()
	for _, s := range e.stripes {
		results, err := s.Range()
		if err != nil {
			continue
		}
		for _, r := range results {
			if r.Record.Kind != types.Put {
				continue
			}
			// Index entries ride along with their base item's delete.
			if index.IsIndexKey(r.Record.Key) {
				continue
			}
			if !isExpired(e.schema, r.Record.Value, now) {
				continue
			}
			_, _ = e.Delete(r.Record.Key, nil)
		}
	}
}
