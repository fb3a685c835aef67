package blockcache

import (
	"sync"
	"sync/atomic"

	"github.com/cms-externals/xcache/pkg/logging"
)

// writeJob is one RAM-slot-to-disk write handed from a prefetch/read task to
// the writer pool.
type writeJob struct {
	engine     *Engine
	slotIdx    int
	size       int
	foreground bool
}

// WriterHost is a pool of writer goroutines, shared by every engine
// registered against it, that drains RAM slots to disk and schedules fsync
// work. Engines are tracked by identity so one engine's teardown can drain
// its own entries without touching the others'.
type WriterHost struct {
	mu       sync.Mutex
	cond     *sync.Cond
	jobs     chan writeJob
	capacity int
	inFlight map[*Engine]int
	total    int
	logger   *logging.Logger
}

// NewWriterHost starts poolSize writer goroutines. capacity bounds the total
// number of writes (queued + in-flight) the host will accept before
// FreeWritingSlots starts refusing new prefetch admission.
func NewWriterHost(poolSize, capacity int, logger *logging.Logger) *WriterHost {
	h := &WriterHost{
		jobs:     make(chan writeJob, capacity),
		capacity: capacity,
		inFlight: make(map[*Engine]int),
		logger:   logger,
	}
	h.cond = sync.NewCond(&h.mu)
	for i := 0; i < poolSize; i++ {
		go h.loop()
	}
	return h
}

func (h *WriterHost) loop() {
	for job := range h.jobs {
		h.writeBlock(job)
	}
}

// FreeWritingSlots reports whether the host has room to accept another
// background write without exceeding its configured capacity.
func (h *WriterHost) FreeWritingSlots() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total < h.capacity
}

// Submit hands a filled RAM slot to the writer pool. Foreground-originated
// writes are always accepted regardless of admission: a reader-driven fetch
// is never refused disk space.
func (h *WriterHost) Submit(e *Engine, slotIdx, size int, foreground bool) {
	h.mu.Lock()
	h.total++
	h.inFlight[e]++
	h.mu.Unlock()

	h.jobs <- writeJob{engine: e, slotIdx: slotIdx, size: size, foreground: foreground}
}

func (h *WriterHost) writeBlock(job writeJob) {
	e := job.engine
	absIdx := e.ramPool.BlockIdx(job.slotIdx)
	relIdx := e.relBlock(absIdx)
	localOff := e.localFileOffset(e.remoteOffsetForAbsBlock(absIdx))
	buf := e.ramPool.Buffer(job.slotIdx)[:job.size]

	written := 0
	attempts := 0
	var writeErr error
	for written < len(buf) {
		if attempts >= prefetchMaxAttempts {
			writeErr = ErrDiskWriteFailed
			break
		}
		attempts++
		n, err := e.dataFile.WriteAt(buf[written:], localOff+int64(written))
		if err != nil {
			writeErr = err
			break
		}
		written += n
	}

	if writeErr != nil {
		e.logger.Error("block write failed", map[string]interface{}{
			"block": absIdx, "error": writeErr.Error(),
		})
	} else {
		e.blockMap.SetFetched(relIdx)
		fetchedOK := e.blockMap.TestFetched(relIdx)
		assertInvariant(e.logger, fetchedOK, "fetched must be set before write_called is recorded", map[string]interface{}{
			"block": absIdx,
		})
		if fetchedOK {
			e.afterBlockWritten(relIdx, job.size)
		} else {
			// Release builds: latch the engine-wide failure so reads become
			// remote pass-through.
			atomic.CompareAndSwapInt32(&e.state, int32(stateRunning), int32(stateFailed))
		}
	}

	e.ramPool.DecRef(job.slotIdx)

	h.mu.Lock()
	h.total--
	h.inFlight[e]--
	if h.inFlight[e] == 0 {
		delete(h.inFlight, e)
	}
	h.cond.Broadcast()
	h.mu.Unlock()
}

// DrainEngine blocks until every write submitted on behalf of e has
// completed. Used by the engine's close sequence before the final sync and
// file close.
func (h *WriterHost) DrainEngine(e *Engine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.inFlight[e] > 0 {
		h.cond.Wait()
	}
}

// syncJob is the named, reschedulable fsync unit handed to the scheduler
// each time the flush threshold fires, rather than running fsync inline on
// the writer goroutine that tripped it.
type syncJob struct {
	engine *Engine
}

// DoIt implements Job.
func (j *syncJob) DoIt() {
	j.engine.sync()
}

// afterBlockWritten updates the sync-status bookkeeping (nonFlushedCnt,
// inSync, writesDuringSync) and schedules a syncJob once the flush threshold
// is reached. write_called[relIdx] is set exactly once: immediately if no
// sync is in flight, or deferred to sync()'s apply step if one is — never
// both, never interleaved.
func (e *Engine) afterBlockWritten(relIdx, size int) {
	e.syncMu.Lock()
	if e.inSync {
		e.writesDuringSync = append(e.writesDuringSync, relIdx)
		e.syncMu.Unlock()
		return
	}
	e.blockMap.SetWriteCalled(relIdx)
	e.nonFlushedCnt++
	due := e.nonFlushedCnt >= e.cfg.WriterFlushThreshold
	if due {
		e.inSync = true
	}
	e.syncMu.Unlock()

	if due {
		e.cfg.Scheduler.Schedule(&syncJob{engine: e})
	}
}

// sync performs the actual fsync pass: flush the data file, persist the
// block-map header, flush the info file, then apply write_called for every
// block whose write landed while this sync was running. The deferred indices
// are copied out and syncMu released before any blockMap call, so no lock is
// ever held across a call into another lock.
func (e *Engine) sync() {
	if err := e.dataFile.Fsync(); err != nil {
		e.logger.Error("data file fsync failed", map[string]interface{}{"error": err.Error()})
	}

	if err := e.blockMap.WriteHeader(e.infoFile); err != nil {
		e.logger.Error("info header write failed", map[string]interface{}{"error": err.Error()})
	}
	if err := e.infoFile.Fsync(); err != nil {
		e.logger.Error("info file fsync failed", map[string]interface{}{"error": err.Error()})
	}

	e.syncMu.Lock()
	deferred := e.writesDuringSync
	e.writesDuringSync = nil
	e.syncMu.Unlock()

	for _, relIdx := range deferred {
		e.blockMap.SetWriteCalled(relIdx)
	}

	e.syncMu.Lock()
	e.nonFlushedCnt = len(deferred)
	stillDue := e.nonFlushedCnt >= e.cfg.WriterFlushThreshold
	e.inSync = false
	e.syncMu.Unlock()

	if stillDue {
		e.syncMu.Lock()
		e.inSync = true
		e.syncMu.Unlock()
		e.cfg.Scheduler.Schedule(&syncJob{engine: e})
	}
}

// hasUnflushedWrites reports whether a final sync is needed before close.
func (e *Engine) hasUnflushedWrites() bool {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.nonFlushedCnt > 0
}

// syncInProgress reports whether a scheduled syncJob is currently running.
// The close sequence polls on this so the final sync and file close never
// overlap a scheduled one.
func (e *Engine) syncInProgress() bool {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.inSync
}
