package blockcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cms-externals/xcache/pkg/logging"
)

type engineState int32

const (
	stateFresh engineState = iota
	stateOpened
	stateRunning
	stateStopping
	stateStopped
	stateFailed
)

// Engine owns one cached remote byte range, mapped to a local data file plus
// its info-file sidecar, and ties the block map, RAM pool, prefetch worker
// and writer host together.
type Engine struct {
	cfg    *Config
	logger *logging.Logger

	remote     RemoteIO
	writerHost *WriterHost

	dataPath string
	infoPath string
	dataFile OSFile
	infoFile OSFile

	offset       int64 // O
	fileSize     int64 // S
	bufferSize   int64 // B
	offsetBlocks int64 // O / B

	blockMap *BlockMap
	ramPool  *RAMPool
	worker   *prefetchWorker

	state int32 // engineState, accessed atomically

	bytesDisk   int64 // atomic: bytes served directly from the data file
	bytesRam    int64 // atomic: bytes served from a RAM slot
	bytesMissed int64 // atomic: bytes served by a direct remote read, bypassing the cache

	syncMu           sync.Mutex
	inSync           bool
	nonFlushedCnt    int
	writesDuringSync []int // relative block indices awaiting write_called until sync() applies them

	closeOnce  sync.Once
	closed     chan struct{}
	workerDone chan struct{}

	startedOnce sync.Once
	started     chan struct{} // closed once Open() has resolved (success or failure)
}

// NewEngine constructs an engine for the remote byte range [offset,
// offset+fileSize) of path, without opening any files yet.
func NewEngine(cfg *Config, remote RemoteIO, writerHost *WriterHost, path string, offset, fileSize int64) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if offset < 0 || fileSize <= 0 {
		return nil, fmt.Errorf("blockcache: %w: negative offset or non-positive size", ErrInvalidRange)
	}

	e := &Engine{
		cfg:          cfg,
		logger:       cfg.Logger.WithComponent("engine"),
		remote:       remote,
		writerHost:   writerHost,
		dataPath:     path,
		infoPath:     path + cfg.InfoExtension,
		offset:       offset,
		fileSize:     fileSize,
		bufferSize:   cfg.BufferSize,
		offsetBlocks: offset / cfg.BufferSize,
		ramPool:      NewRAMPool(cfg.BufferSize, cfg.NRAMBuffersRead, cfg.NRAMBuffersPrefetch),
		closed:       make(chan struct{}),
		workerDone:   make(chan struct{}),
		started:      make(chan struct{}),
	}
	e.worker = newPrefetchWorker(e)
	atomic.StoreInt32(&e.state, int32(stateFresh))
	return e, nil
}

func (e *Engine) setState(s engineState) { atomic.StoreInt32(&e.state, int32(s)) }
func (e *Engine) getState() engineState  { return engineState(atomic.LoadInt32(&e.state)) }
func (e *Engine) isStopping() bool {
	s := e.getState()
	return s == stateStopping || s == stateStopped || s == stateFailed
}

// numBlocks is the number of B-sized blocks covering [offset, offset+size).
func numBlocks(size, bufferSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + bufferSize - 1) / bufferSize)
}

func (e *Engine) absBlock(relIdx int) int {
	return relIdx + int(e.offsetBlocks)
}

func (e *Engine) relBlock(absIdx int) int {
	return absIdx - int(e.offsetBlocks)
}

func (e *Engine) remoteOffsetForAbsBlock(absIdx int) int64 {
	return int64(absIdx) * e.bufferSize
}

func (e *Engine) localFileOffset(remoteOff int64) int64 {
	return remoteOff - e.offset
}

// Open creates or attaches to the data/info file pair: reads a valid
// existing info header if present, otherwise initializes a fresh block map
// sized to cover the engine's range.
func (e *Engine) Open() error {
	if e.getState() != stateFresh {
		return fmt.Errorf("blockcache: %w: engine already opened", ErrOpenFailed)
	}
	defer e.startedOnce.Do(func() { close(e.started) })

	if err := e.cfg.OSFiles.Create(e.cfg.Username, e.dataPath, 0644, true); err != nil {
		e.setState(stateFailed)
		return fmt.Errorf("blockcache: %w: %v", ErrOpenFailed, err)
	}
	df, err := e.cfg.OSFiles.Open(e.dataPath, 0644)
	if err != nil {
		e.setState(stateFailed)
		return fmt.Errorf("blockcache: %w: %v", ErrOpenFailed, err)
	}
	e.dataFile = df

	if err := e.cfg.OSFiles.Create(e.cfg.Username, e.infoPath, 0644, true); err != nil {
		e.setState(stateFailed)
		return fmt.Errorf("blockcache: %w: %v", ErrOpenFailed, err)
	}
	inf, err := e.cfg.OSFiles.Open(e.infoPath, 0644)
	if err != nil {
		e.setState(stateFailed)
		return fmt.Errorf("blockcache: %w: %v", ErrOpenFailed, err)
	}
	e.infoFile = inf

	bm := NewBlockMap(e.bufferSize)
	ok, err := bm.ReadHeader(inf)
	if err != nil {
		e.logger.Warn("info header unreadable, starting fresh", map[string]interface{}{
			"path": e.infoPath, "error": err.Error(),
		})
		bm = NewBlockMap(e.bufferSize)
		ok = false
	}
	if !ok || bm.GetBufferSize() != e.bufferSize {
		bm = NewBlockMap(e.bufferSize)
		bm.ResizeBits(numBlocks(e.fileSize, e.bufferSize))
	}
	e.blockMap = bm

	e.setState(stateOpened)
	return nil
}

// Run starts the prefetch worker goroutine. Must be called after Open.
func (e *Engine) Run() {
	e.setState(stateRunning)
	go func() {
		e.worker.run()
		close(e.workerDone)
	}()
}

// InitiateClose marks the engine as stopping: the prefetch worker will stop
// self-generating new tasks and exit its loop once any in-flight task
// finishes. Reports whether the engine must linger — worker still running
// and the file not yet complete.
func (e *Engine) InitiateClose() bool {
	linger := false
	if e.getState() == stateRunning {
		e.setState(stateStopping)
		select {
		case <-e.workerDone:
		default:
			linger = e.blockMap != nil && !e.blockMap.IsComplete()
		}
	}
	select {
	case e.worker.queue.wake <- struct{}{}:
	default:
	}
	return linger
}

// Close drains outstanding work and persists final state: wait for no busy
// RAM slots and no writer activity for this engine, flush any unflushed
// writes, append a final stats record, and close both files.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		// If Open was never called, resolve the started channel here so a
		// late Read observes Stopped instead of waiting forever.
		e.startedOnce.Do(func() { close(e.started) })

		started := e.getState() == stateRunning
		e.InitiateClose()
		if started {
			<-e.workerDone
		}

		// An engine that never opened (or failed to) has no block map, no
		// outstanding work, and possibly no file handles: it goes straight
		// to Stopped.
		if e.blockMap == nil {
			e.setState(stateStopped)
			close(e.closed)
			if e.dataFile != nil {
				closeErr = e.dataFile.Close()
			}
			if e.infoFile != nil {
				if err := e.infoFile.Close(); err != nil && closeErr == nil {
					closeErr = err
				}
			}
			return
		}

		for e.ramPool.AnyBusy() {
			time.Sleep(5 * time.Millisecond)
		}
		e.writerHost.DrainEngine(e)
		for e.syncInProgress() {
			time.Sleep(5 * time.Millisecond)
		}

		if e.hasUnflushedWrites() {
			e.sync()
		}

		e.blockMap.AppendStats(e.liveStats())
		if err := e.blockMap.AppendStatsToFile(e.infoFile); err != nil {
			e.logger.Warn("failed to append close-time stats", map[string]interface{}{"error": err.Error()})
		}

		e.setState(stateStopped)
		close(e.closed)

		if err := e.dataFile.Close(); err != nil {
			closeErr = err
		}
		if err := e.infoFile.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}

// Read satisfies byte range [off, off+len(buf)) from disk where cached,
// dispatching prefetch-worker tasks and blocking on them where not.
func (e *Engine) Read(ctx context.Context, buf []byte, off int64) (int, error) {
	if e.getState() == stateFresh {
		// Not yet started: wait for Open() to resolve one way or the other
		// rather than racing it.
		select {
		case <-e.started:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	switch e.getState() {
	case stateFailed:
		// The failure latch is sticky: once local storage could not be
		// opened, every subsequent read transparently delegates to the
		// remote collaborator instead of ever touching the (nonexistent)
		// cache.
		n, err := e.remote.Read(ctx, buf, off)
		if err != nil {
			return n, fmt.Errorf("blockcache: %w: %v", ErrRemoteReadFailed, err)
		}
		atomic.AddInt64(&e.bytesMissed, int64(n))
		return n, nil
	case stateStopped:
		return 0, ErrClosed
	}
	if len(buf) == 0 {
		return 0, nil
	}
	if off < e.offset {
		return 0, ErrInvalidRange
	}
	if off >= e.offset+e.fileSize {
		// Range entirely beyond the cached size: an empty read, not an
		// error — the request is by construction asking for zero valid
		// bytes.
		return 0, nil
	}
	if off+int64(len(buf)) > e.offset+e.fileSize {
		buf = buf[:e.offset+e.fileSize-off]
	}

	if e.blockMap.IsComplete() {
		n, err := e.dataFile.ReadAt(buf, e.localFileOffset(off))
		if err != nil {
			return n, fmt.Errorf("blockcache: data file read: %w", err)
		}
		atomic.AddInt64(&e.bytesDisk, int64(n))
		return n, nil
	}

	total := 0
	for total < len(buf) {
		curOff := off + int64(total)
		absIdx := int(curOff / e.bufferSize)
		relIdx := e.relBlock(absIdx)

		blockStart := int64(absIdx) * e.bufferSize
		within := curOff - blockStart
		avail := e.bufferSize - within
		remaining := int64(len(buf) - total)
		chunk := avail
		if remaining < chunk {
			chunk = remaining
		}
		dst := buf[total : int64(total)+chunk]

		n, err := e.readFromBlock(ctx, relIdx, absIdx, within, dst)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// readFromBlock serves one block's worth of a read, fetching it through the
// task queue if it is not yet on disk.
func (e *Engine) readFromBlock(ctx context.Context, relIdx, absIdx int, within int64, dst []byte) (int, error) {
	if e.blockMap.TestFetched(relIdx) {
		localOff := e.localFileOffset(int64(absIdx)*e.bufferSize) + within
		n, err := e.dataFile.ReadAt(dst, localOff)
		if err != nil {
			return n, fmt.Errorf("blockcache: data file read: %w", err)
		}
		atomic.AddInt64(&e.bytesDisk, int64(n))
		return n, nil
	}

	if slotIdx := e.ramPool.FindInFlight(absIdx); slotIdx >= 0 {
		e.ramPool.WaitReady(slotIdx)
		return e.consumeSlot(slotIdx, within, dst)
	}

	// Foreground-fetch admission: only attempted if the writer has room to
	// eventually drain it AND the read-origin budget isn't already
	// exhausted; otherwise fall straight through to a direct, uncached
	// remote read.
	if !e.writerHost.FreeWritingSlots() {
		return e.readFromRemoteDirect(ctx, absIdx, within, dst)
	}

	slotIdx, isNew, ok := e.ramPool.ClaimForRead(absIdx)
	if !ok {
		return e.readFromRemoteDirect(ctx, absIdx, within, dst)
	}
	if !isNew {
		e.ramPool.WaitReady(slotIdx)
		return e.consumeSlot(slotIdx, within, dst)
	}

	t := &task{ramSlotIdx: slotIdx, notify: make(chan struct{})}
	if !e.worker.queue.pushFront(t) {
		// The worker has already exited (engine closing, or the map went
		// complete out from under us): release the claim — publishing first
		// so any reader that joined the slot errors out instead of waiting
		// forever — and serve this caller straight from the remote.
		e.ramPool.Publish(slotIdx, StatusFailed, ErrClosed)
		e.ramPool.DecRef(slotIdx)
		return e.readFromRemoteDirect(ctx, absIdx, within, dst)
	}
	<-t.notify
	return e.consumeSlot(slotIdx, within, dst)
}

func (e *Engine) consumeSlot(slotIdx int, within int64, dst []byte) (int, error) {
	status, err := e.ramPool.Status(slotIdx)
	if status != StatusOk {
		e.ramPool.DecRef(slotIdx)
		if err == nil {
			err = ErrRemoteReadFailed
		}
		return 0, err
	}
	buf := e.ramPool.Buffer(slotIdx)
	n := copy(dst, buf[within:])
	e.ramPool.DecRef(slotIdx)
	atomic.AddInt64(&e.bytesRam, int64(n))
	return n, nil
}

// readFromRemoteDirect is the fallback when the RAM pool (or the writer
// queue behind it) has no room to admit another in-flight block for this
// origin: read straight through to the remote source without caching it,
// rather than blocking the caller on pool admission. The bytes count as
// missed, never as disk or RAM.
func (e *Engine) readFromRemoteDirect(ctx context.Context, absIdx int, within int64, dst []byte) (int, error) {
	remoteOff := e.remoteOffsetForAbsBlock(absIdx) + within
	n, err := e.remote.Read(ctx, dst, remoteOff)
	if err != nil {
		return n, fmt.Errorf("blockcache: %w: %v", ErrRemoteReadFailed, err)
	}
	atomic.AddInt64(&e.bytesMissed, int64(n))
	return n, nil
}

// ReadV performs a vectored read across possibly-disjoint chunks: chunks
// whose blocks are all on disk or held in a RAM slot are served through
// Read, the rest are collected into a single remote ReadV call.
func (e *Engine) ReadV(ctx context.Context, chunks []ReadVChunk) error {
	if e.getState() == stateFresh {
		select {
		case <-e.started:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.getState() == stateStopped {
		return ErrClosed
	}
	if e.getState() == stateFailed {
		for _, c := range chunks {
			if _, err := e.Read(ctx, c.Buf, c.Offset); err != nil {
				return err
			}
		}
		return nil
	}

	var residual []ReadVChunk
	for _, c := range chunks {
		if e.chunkCached(c) {
			if _, err := e.Read(ctx, c.Buf, c.Offset); err != nil {
				return err
			}
			continue
		}
		residual = append(residual, c)
	}

	if len(residual) == 0 {
		return nil
	}
	if err := e.remote.ReadV(ctx, residual); err != nil {
		return fmt.Errorf("blockcache: %w: %v", ErrRemoteReadFailed, err)
	}
	for _, c := range residual {
		atomic.AddInt64(&e.bytesMissed, int64(len(c.Buf)))
	}
	return nil
}

// chunkCached reports whether every block a chunk spans is already fetched
// (disk or RAM), so the chunk as a whole can be served locally without
// issuing a remote read.
func (e *Engine) chunkCached(c ReadVChunk) bool {
	if len(c.Buf) == 0 {
		return true
	}
	firstAbs := int(c.Offset / e.bufferSize)
	lastAbs := int((c.Offset + int64(len(c.Buf)) - 1) / e.bufferSize)
	for abs := firstAbs; abs <= lastAbs; abs++ {
		relIdx := e.relBlock(abs)
		if e.blockMap.TestFetched(relIdx) {
			continue
		}
		if e.ramPool.IsInFlight(abs) {
			continue
		}
		return false
	}
	return true
}

// Stats returns a copy of the append-only per-engine stats history recorded
// in the info file: one tuple per attach/detach cycle, never overwritten in
// place.
func (e *Engine) Stats() []AStat {
	return e.blockMap.Stats()
}

// liveStats snapshots the current in-flight byte counters for the
// detach-time AStat Close appends.
func (e *Engine) liveStats() AStat {
	return NewAStat(
		uint64(atomic.LoadInt64(&e.bytesDisk)),
		uint64(atomic.LoadInt64(&e.bytesRam)),
		uint64(atomic.LoadInt64(&e.bytesMissed)),
	)
}
