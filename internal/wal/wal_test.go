package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystonedb/keystone/keystone/kerr"
)

func TestAppendAndRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Path: filepath.Join(dir, "test.wal"), RingSize: 1 << 20, BatchTimeout: time.Millisecond})
	require.NoError(t, err)

	lsn1, err := w.Append([]byte("first"))
	require.NoError(t, err)
	lsn2, err := w.Append([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	w2, err := Open(Config{Path: filepath.Join(dir, "test.wal"), RingSize: 1 << 20})
	require.NoError(t, err)
	records, err := w2.Recover()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, lsn1, records[0].LSN)
	assert.Equal(t, lsn2, records[1].LSN)
	assert.Equal(t, "first", string(records[0].Body))
	assert.Equal(t, "second", string(records[1].Body))
}

func TestRecoverStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "torn.wal")
	w, err := Open(Config{Path: path, RingSize: 1 << 20})
	require.NoError(t, err)
	_, err = w.Append([]byte("good"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	// Tear the tail: right after the 20-byte "good" frame, a second frame
	// header (lsn 2, 4-byte body) whose body and checksum were cut short.
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{2, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 't', 'o'}, headerBytes+20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(Config{Path: path, RingSize: 1 << 20})
	require.NoError(t, err)
	records, err := w2.Recover()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "good", string(records[0].Body))
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.wal")
	require.NoError(t, os.WriteFile(path, make([]byte, headerBytes), 0o644))

	_, err := Open(Config{Path: path, RingSize: 1 << 20})
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.Corruption))
}

func TestAppendWithSeqnoBakesAssignedLSNIntoBody(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Path: filepath.Join(dir, "seq.wal"), RingSize: 1 << 20})
	require.NoError(t, err)

	var sawLSN uint64
	lsn, err := w.AppendWithSeqno(func(seqno uint64) []byte {
		sawLSN = seqno
		return []byte{byte(seqno)}
	})
	require.NoError(t, err)
	assert.Equal(t, lsn, sawLSN)
}

func TestRingWrapWithCheckpointAheadSucceeds(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Path: filepath.Join(dir, "wrap.wal"), RingSize: 128, BatchTimeout: time.Hour})
	require.NoError(t, err)

	body := make([]byte, 40) // 56 bytes framed; two fit in the ring, a third wraps
	_, err = w.Append(body)
	require.NoError(t, err)
	lsn2, err := w.Append(body)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	w.SetCheckpoint(lsn2)

	lsn3, err := w.Append(body)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Equal(t, lsn2+1, lsn3)
}

func TestRingWrapWithCheckpointBehindIsFatal(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Path: filepath.Join(dir, "wrap.wal"), RingSize: 128, BatchTimeout: time.Hour})
	require.NoError(t, err)

	body := make([]byte, 40)
	_, err = w.Append(body)
	require.NoError(t, err)
	_, err = w.Append(body)
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	_, err = w.Append(body)
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.Internal))
}

func TestCheckpointAdvancesMonotonically(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Path: filepath.Join(dir, "cp.wal"), RingSize: 1 << 20})
	require.NoError(t, err)
	w.SetCheckpoint(5)
	w.SetCheckpoint(3)
	assert.Equal(t, uint64(5), w.checkpointLSN)
}
