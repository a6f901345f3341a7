package engine

import (
	"sync"

	"github.com/keystonedb/keystone/internal/wal"
)

// memLog is the non-persistent WAL substitute Database.CreateInMemory
// uses: the same LSN-assignment and batching shape as *wal.WAL, but
// backed by an in-process slice instead of a file, with no fsync. It
// gives an in-memory database the same atomicity-within-a-session
// guarantee a real WAL gives a durable one, without ever touching disk:
// a bounded in-memory log sufficient for atomicity within a session.
type memLog struct {
	mu      sync.Mutex
	nextLSN uint64
	entries []wal.Record
}

func newMemLog() *memLog {
	return &memLog{nextLSN: 1}
}

func (m *memLog) AppendBatch(builders []func(seqno uint64) []byte) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lsns := make([]uint64, len(builders))
	for i, build := range builders {
		lsn := m.nextLSN
		m.nextLSN++
		body := build(lsn)
		m.entries = append(m.entries, wal.Record{LSN: lsn, Body: body})
		lsns[i] = lsn
	}
	return lsns, nil
}

// Flush is a no-op: every append is already held in process memory, and
// there is no file to fsync.
func (m *memLog) Flush() error { return nil }

// SetCheckpoint drops every entry at or below lsn, so the log only keeps
// what was appended after the most recent checkpoint.
func (m *memLog) SetCheckpoint(lsn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for i < len(m.entries) && m.entries[i].LSN <= lsn {
		i++
	}
	m.entries = append([]wal.Record(nil), m.entries[i:]...)
}

func (m *memLog) Close() error { return nil }

// Recover returns every entry still held — an in-memory engine only
// ever calls this once, at construction, when it is trivially empty.
func (m *memLog) Recover() ([]wal.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wal.Record, len(m.entries))
	copy(out, m.entries)
	return out, nil
}
