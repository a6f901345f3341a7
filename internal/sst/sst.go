// Package sst implements the immutable, footer-indexed Sorted String
// Table: Builder streams ascending records into fixed-size data blocks,
// a bloom filter block, a sparse index block, and a footer; Reader keeps
// the footer, index, and bloom resident and reads data blocks on demand.
// Atomic publish is temp write + fsync + rename + parent-directory
// fsync; a murmur3 checksum over the whole data region is verified at
// Open.
package sst

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/keystonedb/keystone/internal/bloom"
	"github.com/keystonedb/keystone/keystone/kerr"
	"github.com/keystonedb/keystone/keystone/types"
)

const (
	magic          uint32 = 0x53535400
	version        uint32 = 1
	headerBytes           = 16
	footerBytes           = 8 + 8 + 8 + 8 + 4 + 4 // offsets/sizes + murmur3 checksum + magic tail
	defaultBlockSz        = 4096
)

// indexEntry is one sparse index record: the first key of a data block
// plus that block's location in the file.
type indexEntry struct {
	firstKey []byte
	offset   uint64
	size     uint64
}

// Builder accepts records in strictly ascending encoded-key order and
// streams them into data blocks, finishing with bloom/index/footer.
type Builder struct {
	blockSize   int
	bitsPerKey  int
	tmpPath     string
	finalPath   string
	f           *os.File
	dataOffset  int64
	crcHash     hashWriter
	blockBuf    []byte
	blockStart  int64
	blockFirst  []byte
	index       []indexEntry
	filter      *bloom.Filter
	recordCount uint32
	lastKey     []byte
	started     bool
}

type hashWriter interface {
	Write(p []byte) (int, error)
	Sum32() uint32
}

// NewBuilder creates a Builder that will atomically publish to finalPath
// once Finish is called. expectedKeys sizes the bloom filter.
func NewBuilder(finalPath string, blockSize, bitsPerKey, expectedKeys int) (*Builder, error) {
	if blockSize <= 0 {
		blockSize = defaultBlockSz
	}
	tmp := finalPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, kerr.Wrap(kerr.Io, err, "create sst temp file %s", tmp)
	}
	if _, err := f.Write(make([]byte, headerBytes)); err != nil {
		f.Close()
		return nil, kerr.Wrap(kerr.Io, err, "reserve sst header")
	}
	return &Builder{
		blockSize:  blockSize,
		bitsPerKey: bitsPerKey,
		tmpPath:    tmp,
		finalPath:  finalPath,
		f:          f,
		dataOffset: headerBytes,
		blockStart: headerBytes,
		filter:     bloom.New(bitsPerKey, expectedKeys),
	}, nil
}

// Add appends one record. key must be strictly greater than the previous
// key added.
func (b *Builder) Add(key []byte, rec types.Record) error {
	if b.started && types.CompareEncoded(b.lastKey, key) >= 0 {
		return kerr.New(kerr.Internal, "sst builder received out-of-order key")
	}
	b.started = true
	b.lastKey = append([]byte(nil), key...)
	body := types.EncodeRecord(rec)

	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	if len(b.blockFirst) == 0 {
		b.blockFirst = append([]byte(nil), key...)
	}
	b.blockBuf = append(b.blockBuf, frame...)
	b.filter.Add(key)
	b.recordCount++

	if len(b.blockBuf) >= b.blockSize {
		if err := b.flushBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) flushBlock() error {
	if len(b.blockBuf) == 0 {
		return nil
	}
	n, err := b.f.WriteAt(b.blockBuf, b.dataOffset)
	if err != nil {
		return kerr.Wrap(kerr.Io, err, "write sst data block")
	}
	if b.crcHash == nil {
		b.crcHash = murmur3.New32()
	}
	b.crcHash.Write(b.blockBuf)
	b.index = append(b.index, indexEntry{
		firstKey: b.blockFirst,
		offset:   uint64(b.dataOffset),
		size:     uint64(n),
	})
	b.dataOffset += int64(n)
	b.blockBuf = b.blockBuf[:0]
	b.blockFirst = nil
	return nil
}

// Finish flushes any partial block, writes the bloom/index/footer, then
// atomically publishes the file: fsync, rename over finalPath, fsync the
// parent directory.
func (b *Builder) Finish() error {
	if err := b.flushBlock(); err != nil {
		return err
	}
	var dataCRC uint32
	if b.crcHash != nil {
		dataCRC = b.crcHash.Sum32()
	}

	bloomOffset := b.dataOffset
	bloomBuf := encodeBloomBlock(b.filter)
	if _, err := b.f.WriteAt(bloomBuf, bloomOffset); err != nil {
		return kerr.Wrap(kerr.Io, err, "write sst bloom block")
	}

	indexOffset := bloomOffset + int64(len(bloomBuf))
	indexBuf := encodeIndexBlock(b.index)
	if _, err := b.f.WriteAt(indexBuf, indexOffset); err != nil {
		return kerr.Wrap(kerr.Io, err, "write sst index block")
	}

	footer := make([]byte, footerBytes)
	binary.LittleEndian.PutUint64(footer[0:8], uint64(bloomOffset))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(len(bloomBuf)))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(indexOffset))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(len(indexBuf)))
	binary.LittleEndian.PutUint32(footer[32:36], dataCRC)
	binary.BigEndian.PutUint32(footer[36:40], magic)
	footerOffset := indexOffset + int64(len(indexBuf))
	if _, err := b.f.WriteAt(footer, footerOffset); err != nil {
		return kerr.Wrap(kerr.Io, err, "write sst footer")
	}

	header := make([]byte, headerBytes)
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.LittleEndian.PutUint32(header[4:8], version)
	binary.LittleEndian.PutUint32(header[8:12], b.recordCount)
	if _, err := b.f.WriteAt(header, 0); err != nil {
		return kerr.Wrap(kerr.Io, err, "write sst header")
	}

	if err := b.f.Sync(); err != nil {
		return kerr.Wrap(kerr.Io, err, "fsync sst temp file")
	}
	if err := b.f.Close(); err != nil {
		return kerr.Wrap(kerr.Io, err, "close sst temp file")
	}
	if err := os.Rename(b.tmpPath, b.finalPath); err != nil {
		return kerr.Wrap(kerr.Io, err, "publish sst %s", b.finalPath)
	}
	dir, err := os.Open(filepath.Dir(b.finalPath))
	if err != nil {
		return kerr.Wrap(kerr.Io, err, "open sst parent dir")
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return kerr.Wrap(kerr.Io, err, "fsync sst parent dir")
	}
	return nil
}

// Abort discards the temp file without publishing, used when a builder
// (e.g. a compaction job) fails partway through.
func (b *Builder) Abort() error {
	b.f.Close()
	return os.Remove(b.tmpPath)
}

func encodeBloomBlock(f *bloom.Filter) []byte {
	bitmap := f.Bitmap()
	buf := make([]byte, 12+len(bitmap))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.BitsPerKey()))
	binary.LittleEndian.PutUint32(buf[4:8], f.NumKeys())
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(bitmap)))
	copy(buf[12:], bitmap)
	return buf
}

func decodeBloomBlock(buf []byte) (*bloom.Filter, error) {
	if len(buf) < 12 {
		return nil, kerr.New(kerr.Corruption, "sst bloom block too short")
	}
	bitsPerKey := binary.LittleEndian.Uint32(buf[0:4])
	numKeys := binary.LittleEndian.Uint32(buf[4:8])
	bitmapLen := binary.LittleEndian.Uint32(buf[8:12])
	if uint64(12+bitmapLen) > uint64(len(buf)) {
		return nil, kerr.New(kerr.Corruption, "sst bloom block bitmap length mismatch")
	}
	bitmap := append([]byte(nil), buf[12:12+bitmapLen]...)
	return bloom.FromBitmap(int(bitsPerKey), numKeys, bitmap), nil
}

func encodeIndexBlock(entries []indexEntry) []byte {
	var buf []byte
	for _, e := range entries {
		rec := make([]byte, 4+len(e.firstKey)+8+8)
		binary.LittleEndian.PutUint32(rec[0:4], uint32(len(e.firstKey)))
		copy(rec[4:4+len(e.firstKey)], e.firstKey)
		off := 4 + len(e.firstKey)
		binary.LittleEndian.PutUint64(rec[off:off+8], e.offset)
		binary.LittleEndian.PutUint64(rec[off+8:off+16], e.size)
		buf = append(buf, rec...)
	}
	return buf
}

func decodeIndexBlock(buf []byte) ([]indexEntry, error) {
	var entries []indexEntry
	offset := 0
	for offset < len(buf) {
		if offset+4 > len(buf) {
			return nil, kerr.New(kerr.Corruption, "sst index block truncated key length")
		}
		keyLen := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		offset += 4
		if offset+keyLen+16 > len(buf) {
			return nil, kerr.New(kerr.Corruption, "sst index block truncated entry")
		}
		firstKey := append([]byte(nil), buf[offset:offset+keyLen]...)
		offset += keyLen
		blockOffset := binary.LittleEndian.Uint64(buf[offset : offset+8])
		blockSize := binary.LittleEndian.Uint64(buf[offset+8 : offset+16])
		offset += 16
		entries = append(entries, indexEntry{firstKey: firstKey, offset: blockOffset, size: blockSize})
	}
	return entries, nil
}

// Reader is an open, immutable SST. The footer, index, and bloom are
// decoded and kept resident at Open time; data blocks are read on demand
// via ReadAt.
type Reader struct {
	path        string
	f           *os.File
	recordCount uint32
	index       []indexEntry
	filter      *bloom.Filter
	dataCRC     uint32
}

// Open reads and validates the header and footer, and decodes the bloom
// and index blocks into memory.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerr.Wrap(kerr.Io, err, "open sst %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kerr.Wrap(kerr.Io, err, "stat sst %s", path)
	}
	if info.Size() < headerBytes+footerBytes {
		f.Close()
		return nil, kerr.New(kerr.Corruption, "sst %s too small", path)
	}

	header := make([]byte, headerBytes)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, kerr.Wrap(kerr.Corruption, err, "read sst header")
	}
	if got := binary.BigEndian.Uint32(header[0:4]); got != magic {
		f.Close()
		return nil, kerr.New(kerr.Corruption, "sst %s header magic mismatch: got %#x", path, got)
	}
	recordCount := binary.LittleEndian.Uint32(header[8:12])

	footer := make([]byte, footerBytes)
	if _, err := f.ReadAt(footer, info.Size()-footerBytes); err != nil {
		f.Close()
		return nil, kerr.Wrap(kerr.Corruption, err, "read sst footer")
	}
	if tail := binary.BigEndian.Uint32(footer[36:40]); tail != magic {
		f.Close()
		return nil, kerr.New(kerr.Corruption, "sst %s footer magic mismatch", path)
	}
	bloomOffset := binary.LittleEndian.Uint64(footer[0:8])
	bloomSize := binary.LittleEndian.Uint64(footer[8:16])
	indexOffset := binary.LittleEndian.Uint64(footer[16:24])
	indexSize := binary.LittleEndian.Uint64(footer[24:32])
	dataCRC := binary.LittleEndian.Uint32(footer[32:36])

	bloomBuf := make([]byte, bloomSize)
	if _, err := f.ReadAt(bloomBuf, int64(bloomOffset)); err != nil {
		f.Close()
		return nil, kerr.Wrap(kerr.Corruption, err, "read sst bloom block")
	}
	filter, err := decodeBloomBlock(bloomBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	indexBuf := make([]byte, indexSize)
	if _, err := f.ReadAt(indexBuf, int64(indexOffset)); err != nil {
		f.Close()
		return nil, kerr.Wrap(kerr.Corruption, err, "read sst index block")
	}
	index, err := decodeIndexBlock(indexBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	dataRegion := make([]byte, int64(bloomOffset)-headerBytes)
	if _, err := f.ReadAt(dataRegion, headerBytes); err != nil && len(dataRegion) > 0 {
		f.Close()
		return nil, kerr.Wrap(kerr.Corruption, err, "read sst data region for checksum")
	}
	if murmur3.Sum32(dataRegion) != dataCRC {
		f.Close()
		return nil, kerr.New(kerr.ChecksumMismatch, "sst %s data region checksum mismatch", path)
	}

	return &Reader{
		path:        path,
		f:           f,
		recordCount: recordCount,
		index:       index,
		filter:      filter,
		dataCRC:     dataCRC,
	}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// Path returns the file path this Reader was opened from.
func (r *Reader) Path() string { return r.path }

// RecordCount returns the number of records the builder wrote.
func (r *Reader) RecordCount() uint32 { return r.recordCount }

// MayContain consults the resident bloom filter.
func (r *Reader) MayContain(key []byte) bool { return r.filter.MayContain(key) }

// Get looks up key: bloom check, then binary search the sparse index to
// the candidate block, read it, then binary search within the block. It
// returns (nil, nil) on a miss.
func (r *Reader) Get(key []byte) (*types.Record, error) {
	if !r.MayContain(key) {
		return nil, nil
	}
	blockIdx := r.candidateBlock(key)
	if blockIdx < 0 {
		return nil, nil
	}
	records, err := r.readBlock(blockIdx)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(records), func(i int) bool {
		return types.CompareEncoded(records[i].key, key) >= 0
	})
	if i < len(records) && types.CompareEncoded(records[i].key, key) == 0 {
		rec := records[i].rec
		return &rec, nil
	}
	return nil, nil
}

// candidateBlock returns the index of the last block whose first_key <=
// key, or -1 if key sorts before every block's first key.
func (r *Reader) candidateBlock(key []byte) int {
	i := sort.Search(len(r.index), func(i int) bool {
		return types.CompareEncoded(r.index[i].firstKey, key) > 0
	})
	return i - 1
}

type blockRecord struct {
	key []byte
	rec types.Record
}

func (r *Reader) readBlock(idx int) ([]blockRecord, error) {
	entry := r.index[idx]
	buf := make([]byte, entry.size)
	if _, err := r.f.ReadAt(buf, int64(entry.offset)); err != nil {
		return nil, kerr.Wrap(kerr.Io, err, "read sst data block")
	}
	var out []blockRecord
	offset := 0
	for offset+4 <= len(buf) {
		length := binary.LittleEndian.Uint32(buf[offset : offset+4])
		offset += 4
		if offset+int(length) > len(buf) {
			return nil, kerr.New(kerr.Corruption, "sst data block record truncated")
		}
		rec, err := types.DecodeRecord(buf[offset : offset+int(length)])
		if err != nil {
			return nil, err
		}
		out = append(out, blockRecord{key: types.Encode(rec.Key), rec: rec})
		offset += int(length)
	}
	return out, nil
}

// RangeIter returns every record in the SST in ascending key order;
// callers (stripe merge, compaction) apply PK-prefix/SK-predicate
// filtering and direction themselves. This is the straightforward
// correctness-first iterator; a streaming cursor form is not needed at
// this project's scale (one SST rarely exceeds a few thousand blocks).
func (r *Reader) RangeIter() ([]*types.Record, error) {
	var all []*types.Record
	for i := range r.index {
		recs, err := r.readBlock(i)
		if err != nil {
			return nil, err
		}
		for _, br := range recs {
			rec := br.rec
			all = append(all, &rec)
		}
	}
	return all, nil
}

var _ io.Closer = (*Reader)(nil)
