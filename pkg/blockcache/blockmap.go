package blockcache

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// infoFileVersion doubles as the info file's magic marker. Any header whose
// leading u32 does not equal this value is rejected as ErrInfoHeaderInvalid
// rather than trusted as geometry for a different layout or byte order.
const infoFileVersion uint32 = 0x58434301 // "XCC" + layout 0x01

// AStat is one append-only per-attachment statistics tuple, persisted to the
// info file's stats section on detach.
type AStat struct {
	DetachTime  int64
	BytesDisk   uint64
	BytesRam    uint64
	BytesMissed uint64
}

// BlockMap tracks which blocks of a cached file are present: two parallel
// bitmaps plus the append-only stats log, backed by the info file. All
// bitmap mutations are serialized by downloadStatusMu, the download-status
// lock.
type BlockMap struct {
	bufferSize int64

	downloadStatusMu sync.Mutex
	fetched          *bitset.BitSet
	writeCalled      *bitset.BitSet
	sizeInBits       uint64

	complete int32 // atomic bool cache for IsComplete fast path

	statsMu sync.Mutex
	stats   []AStat
}

// NewBlockMap creates an empty block map for the given block size; callers
// must still call ResizeBits once the number of blocks is known (either from
// a freshly computed file size, or from a parsed header).
func NewBlockMap(bufferSize int64) *BlockMap {
	return &BlockMap{bufferSize: bufferSize}
}

// GetBufferSize returns the fixed block size B.
func (m *BlockMap) GetBufferSize() int64 { return m.bufferSize }

// GetSizeInBits returns the number of blocks tracked.
func (m *BlockMap) GetSizeInBits() int {
	m.downloadStatusMu.Lock()
	defer m.downloadStatusMu.Unlock()
	return int(m.sizeInBits)
}

// ResizeBits (re)allocates the bitmaps to track n blocks, clearing any
// existing bits. Used on a fresh open when no valid info file exists.
func (m *BlockMap) ResizeBits(n int) {
	m.downloadStatusMu.Lock()
	defer m.downloadStatusMu.Unlock()
	m.sizeInBits = uint64(n)
	m.fetched = bitset.New(uint(n))
	m.writeCalled = bitset.New(uint(n))
	atomic.StoreInt32(&m.complete, 0)
}

// TestFetched reports whether block i's data is present (RAM or disk).
func (m *BlockMap) TestFetched(i int) bool {
	m.downloadStatusMu.Lock()
	defer m.downloadStatusMu.Unlock()
	return m.fetched.Test(uint(i))
}

// SetFetched marks block i's data as present. write_called[i] implies
// fetched[i]; since SetFetched never touches write_called, callers must set
// fetched before write_called (the writer does so in writeBlock, writer.go).
func (m *BlockMap) SetFetched(i int) {
	m.downloadStatusMu.Lock()
	m.fetched.Set(uint(i))
	complete := m.fetched.All()
	m.downloadStatusMu.Unlock()

	if complete {
		atomic.StoreInt32(&m.complete, 1)
	}
}

// TestWriteCalled reports whether a disk write for block i has been issued.
func (m *BlockMap) TestWriteCalled(i int) bool {
	m.downloadStatusMu.Lock()
	defer m.downloadStatusMu.Unlock()
	return m.writeCalled.Test(uint(i))
}

// SetWriteCalled marks block i as having had a disk write issued for it.
// Callers must set fetched[i] first; the writer enforces this ordering via
// assertInvariant before calling in.
func (m *BlockMap) SetWriteCalled(i int) {
	m.downloadStatusMu.Lock()
	m.writeCalled.Set(uint(i))
	m.downloadStatusMu.Unlock()
}

// IsComplete returns the cached completeness flag. It is kept in sync
// incrementally by SetFetched and explicitly recomputed by CheckComplete.
func (m *BlockMap) IsComplete() bool {
	return atomic.LoadInt32(&m.complete) == 1
}

// CheckComplete recomputes completeness from scratch and caches the result.
// Called by the prefetch worker whenever it finds no block to prefetch; the
// worker exits once this reports true.
func (m *BlockMap) CheckComplete() bool {
	m.downloadStatusMu.Lock()
	complete := m.sizeInBits > 0 && m.fetched.All()
	m.downloadStatusMu.Unlock()

	if complete {
		atomic.StoreInt32(&m.complete, 1)
	}
	return complete
}

// FirstUnfetched returns the index of the first unset bit in fetched[], or
// -1 if every bit is set.
func (m *BlockMap) FirstUnfetched() int {
	m.downloadStatusMu.Lock()
	defer m.downloadStatusMu.Unlock()
	idx, ok := m.fetched.NextClear(0)
	if !ok || idx >= uint(m.sizeInBits) {
		return -1
	}
	return int(idx)
}

// AppendStats appends one detach-time statistics tuple to the in-memory log;
// AppendStatsToFile persists it. Kept as two steps so tests can examine the
// log without touching an OSFile.
func (m *BlockMap) AppendStats(s AStat) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats = append(m.stats, s)
}

// Stats returns a copy of the append-only stats log.
func (m *BlockMap) Stats() []AStat {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	out := make([]AStat, len(m.stats))
	copy(out, m.stats)
	return out
}

func bitmapByteLen(n uint64) int {
	return int((n + 7) / 8)
}

func bitsetBytes(b *bitset.BitSet, n uint64) []byte {
	out := make([]byte, bitmapByteLen(n))
	for i := uint(0); i < uint(n); i++ {
		if b.Test(i) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func bitsetFromBytes(buf []byte, n uint64) *bitset.BitSet {
	b := bitset.New(uint(n))
	for i := uint(0); i < uint(n); i++ {
		if buf[i/8]&(1<<(i%8)) != 0 {
			b.Set(i)
		}
	}
	return b
}

// WriteHeader rewrites the header (version, buffer_size, size_in_bits, and
// both bitmaps) in place at the start of the info file. This is the part of
// the on-disk layout rewritten on every sync; stats are appended separately
// by AppendStatsToFile and never touched here.
func (m *BlockMap) WriteHeader(f OSFile) error {
	m.downloadStatusMu.Lock()
	n := m.sizeInBits
	fetchedBytes := bitsetBytes(m.fetched, n)
	writeCalledBytes := bitsetBytes(m.writeCalled, n)
	bufSize := m.bufferSize
	m.downloadStatusMu.Unlock()

	buf := make([]byte, 0, 4+8+8+len(fetchedBytes)+len(writeCalledBytes))
	buf = binary.LittleEndian.AppendUint32(buf, infoFileVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(bufSize))
	buf = binary.LittleEndian.AppendUint64(buf, n)
	buf = append(buf, fetchedBytes...)
	buf = append(buf, writeCalledBytes...)

	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("blockcache: write info header: %w", err)
	}
	return nil
}

const infoHeaderFixedLen = 4 + 8 + 8 // version + buffer_size + size_in_bits

// ReadHeader parses an existing info file. ok is false (with nil error) when
// the file is empty — the caller should then initialize a fresh header.
// A non-nil error (ErrInfoHeaderInvalid) means the file is non-empty but its
// header failed validation; the caller recovers by reinitializing too, but
// logs the corruption.
func (m *BlockMap) ReadHeader(f OSFile) (ok bool, err error) {
	size, err := f.Size()
	if err != nil {
		return false, fmt.Errorf("blockcache: stat info file: %w", err)
	}
	if size == 0 {
		return false, nil
	}
	if size < infoHeaderFixedLen {
		return false, ErrInfoHeaderInvalid
	}

	fixed := make([]byte, infoHeaderFixedLen)
	if _, err := f.ReadAt(fixed, 0); err != nil {
		return false, fmt.Errorf("blockcache: read info header: %w", err)
	}

	version := binary.LittleEndian.Uint32(fixed[0:4])
	if version != infoFileVersion {
		return false, ErrInfoHeaderInvalid
	}
	bufSize := int64(binary.LittleEndian.Uint64(fixed[4:12]))
	sizeInBits := binary.LittleEndian.Uint64(fixed[12:20])

	bmLen := bitmapByteLen(sizeInBits)
	if size < int64(infoHeaderFixedLen+2*bmLen) {
		return false, ErrInfoHeaderInvalid
	}

	bitmaps := make([]byte, 2*bmLen)
	if _, err := f.ReadAt(bitmaps, infoHeaderFixedLen); err != nil {
		return false, fmt.Errorf("blockcache: read info bitmaps: %w", err)
	}

	m.downloadStatusMu.Lock()
	m.bufferSize = bufSize
	m.sizeInBits = sizeInBits
	m.fetched = bitsetFromBytes(bitmaps[:bmLen], sizeInBits)
	m.writeCalled = bitsetFromBytes(bitmaps[bmLen:], sizeInBits)
	complete := m.fetched.All()
	m.downloadStatusMu.Unlock()

	if complete {
		atomic.StoreInt32(&m.complete, 1)
	}

	if err := m.readStats(f, int64(infoHeaderFixedLen+2*bmLen)); err != nil {
		return false, err
	}

	return true, nil
}

func (m *BlockMap) readStats(f OSFile, off int64) error {
	size, err := f.Size()
	if err != nil {
		return err
	}
	if size <= off {
		return nil
	}

	countBuf := make([]byte, 8)
	if _, err := f.ReadAt(countBuf, off); err != nil {
		return fmt.Errorf("blockcache: read stats count: %w", err)
	}
	count := binary.LittleEndian.Uint64(countBuf)
	off += 8

	const recLen = 8 + 8 + 8 + 8
	stats := make([]AStat, 0, count)
	rec := make([]byte, recLen)
	for i := uint64(0); i < count; i++ {
		if _, err := f.ReadAt(rec, off); err != nil {
			return fmt.Errorf("blockcache: read stats record %d: %w", i, err)
		}
		stats = append(stats, AStat{
			DetachTime:  int64(binary.LittleEndian.Uint64(rec[0:8])),
			BytesDisk:   binary.LittleEndian.Uint64(rec[8:16]),
			BytesRam:    binary.LittleEndian.Uint64(rec[16:24]),
			BytesMissed: binary.LittleEndian.Uint64(rec[24:32]),
		})
		off += recLen
	}

	m.statsMu.Lock()
	m.stats = stats
	m.statsMu.Unlock()
	return nil
}

// AppendStatsToFile rewrites the info file's stats section, after the
// header+bitmaps region, with the tuple count and every in-memory tuple
// (those read back by ReadHeader plus any appended since). Called exactly
// once, from Engine.Close.
func (m *BlockMap) AppendStatsToFile(f OSFile) error {
	m.downloadStatusMu.Lock()
	n := m.sizeInBits
	m.downloadStatusMu.Unlock()

	bmLen := bitmapByteLen(n)
	statsOff := int64(infoHeaderFixedLen + 2*bmLen)

	m.statsMu.Lock()
	all := make([]AStat, len(m.stats))
	copy(all, m.stats)
	m.statsMu.Unlock()

	buf := make([]byte, 0, 8+len(all)*32)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(all)))
	for _, s := range all {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(s.DetachTime))
		buf = binary.LittleEndian.AppendUint64(buf, s.BytesDisk)
		buf = binary.LittleEndian.AppendUint64(buf, s.BytesRam)
		buf = binary.LittleEndian.AppendUint64(buf, s.BytesMissed)
	}

	if _, err := f.WriteAt(buf, statsOff); err != nil {
		return fmt.Errorf("blockcache: append stats: %w", err)
	}
	return nil
}

// NewAStat builds a detach-time statistics tuple stamped with the current
// unix time.
func NewAStat(bytesDisk, bytesRam, bytesMissed uint64) AStat {
	return AStat{
		DetachTime:  time.Now().Unix(),
		BytesDisk:   bytesDisk,
		BytesRam:    bytesRam,
		BytesMissed: bytesMissed,
	}
}
