package blockcache

import (
	"context"
	"time"
)

// prefetchMaxAttempts bounds the number of remote-read attempts (including
// partial reads) a single task makes before giving up. The disk-write loop
// in writer.go uses the same cap.
const prefetchMaxAttempts = 10

// task is either a foreground (read-driven) or background (prefetch) unit of
// work. A non-nil notify channel marks it foreground; the channel is closed
// once the task has been run, waking whatever read call enqueued it.
type task struct {
	ramSlotIdx int
	notify     chan struct{}
}

// taskQueue holds pending foreground tasks. Readers needing a block
// immediately push to the front, and the worker also pops from the front:
// LIFO for foreground tasks, so the most recently blocked reader runs first.
type taskQueue struct {
	mu     chan struct{} // 1-buffered mutex; see lock()/unlock() below
	items  []*task
	wake   chan struct{}
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{
		mu:   make(chan struct{}, 1),
		wake: make(chan struct{}, 1),
	}
	q.mu <- struct{}{}
	return q
}

func (q *taskQueue) lock()   { <-q.mu }
func (q *taskQueue) unlock() { q.mu <- struct{}{} }

// pushFront enqueues a foreground task at the front of the queue and wakes
// the worker. Returns false once the queue has been closed — the worker is
// gone and nothing would ever run the task.
func (q *taskQueue) pushFront(t *task) bool {
	q.lock()
	if q.closed {
		q.unlock()
		return false
	}
	q.items = append([]*task{t}, q.items...)
	q.unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// close marks the queue as refusing further pushes. Called by the exiting
// worker before it drains what is left, so no task can slip in behind the
// drain and strand its reader.
func (q *taskQueue) close() {
	q.lock()
	q.closed = true
	q.unlock()
}

// popFront removes and returns the task at the front of the queue, if any.
func (q *taskQueue) popFront() (*task, bool) {
	q.lock()
	defer q.unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// prefetchWorker is the single long-running worker of component C3: it pulls
// foreground tasks off the queue and, when idle, self-generates prefetch
// tasks for the first not-yet-fetched block.
type prefetchWorker struct {
	engine *Engine
	queue  *taskQueue
}

func newPrefetchWorker(e *Engine) *prefetchWorker {
	return &prefetchWorker{engine: e, queue: newTaskQueue()}
}

// run is the worker main loop. It returns once the
// engine is stopping, or once no candidate prefetch block remains and the
// block map is complete. Foreground tasks still queued at exit are failed so
// their readers unblock instead of waiting on a notify that never comes.
func (w *prefetchWorker) run() {
	e := w.engine
	defer w.failPending()
	for {
		if e.isStopping() {
			return
		}

		if t, ok := w.queue.popFront(); ok {
			w.runTask(t)
			continue
		}

		select {
		case <-w.queue.wake:
		case <-time.After(e.cfg.QueuePollInterval):
		}

		if e.isStopping() {
			return
		}

		// Re-check: the wake may have been spurious, or fired because the
		// destructor signaled with an empty queue.
		if t, ok := w.queue.popFront(); ok {
			w.runTask(t)
			continue
		}

		t := w.createPrefetchTask()
		if t != nil {
			w.runTask(t)
			continue
		}
		if w.engine.blockMap.CheckComplete() {
			return
		}
	}
}

func (w *prefetchWorker) runTask(t *task) {
	w.doTask(t)
	if t.notify != nil {
		close(t.notify)
	}
}

// failPending drains the queue on worker exit. Only foreground tasks are ever
// queued (prefetch tasks are created and run inline), so each one has a
// reader blocked on its notify channel; that reader's consumeSlot drops the
// claim's refcount once it observes the failure.
func (w *prefetchWorker) failPending() {
	w.queue.close()
	for {
		t, ok := w.queue.popFront()
		if !ok {
			return
		}
		w.engine.ramPool.Publish(t.ramSlotIdx, StatusFailed, ErrClosed)
		if t.notify != nil {
			close(t.notify)
		} else {
			w.engine.ramPool.DecRef(t.ramSlotIdx)
		}
	}
}

// createPrefetchTask builds a background task for the next block worth
// fetching: reject if the writer has no free writing slots, scan fetched[]
// for the first unset bit, and try to claim a prefetch-origin RAM slot for it.
func (w *prefetchWorker) createPrefetchTask() *task {
	e := w.engine
	if !e.writerHost.FreeWritingSlots() {
		return nil
	}

	relIdx := e.blockMap.FirstUnfetched()
	if relIdx < 0 {
		e.blockMap.CheckComplete()
		return nil
	}
	absIdx := e.absBlock(relIdx)

	slotIdx, ok := e.ramPool.ClaimForPrefetch(absIdx)
	if !ok {
		return nil
	}
	return &task{ramSlotIdx: slotIdx}
}

// doTask performs the network fetch into the claimed RAM slot, then hands a
// successfully filled slot to the writer.
func (w *prefetchWorker) doTask(t *task) {
	e := w.engine
	slotIdx := t.ramSlotIdx
	absIdx := e.ramPool.BlockIdx(slotIdx)
	remoteOff := e.remoteOffsetForAbsBlock(absIdx)

	size := e.blockMap.GetBufferSize()
	if remoteOff+size-e.offset > e.fileSize {
		size = e.fileSize + e.offset - remoteOff
	}

	buf := e.ramPool.Buffer(slotIdx)[:size]
	missing := int(size)
	off := remoteOff
	pos := 0
	attempts := 0

	for missing > 0 {
		if attempts >= prefetchMaxAttempts {
			break
		}
		attempts++
		n, err := e.remote.Read(context.Background(), buf[pos:pos+missing], off)
		if err != nil || n < 0 {
			e.logger.Warn("prefetch read failed", map[string]interface{}{
				"block": absIdx, "error": errString(err),
			})
			break
		}
		missing -= n
		off += int64(n)
		pos += n
	}

	if missing == 0 {
		e.ramPool.Publish(slotIdx, StatusOk, nil)
		// Always hand the filled slot to the writer even if the engine is
		// now stopping: Close() drains the writer host and waits for every
		// RAM slot to go idle before it closes the data file, so dropping
		// the write here would only leave the block un-fetched for no
		// benefit, and would race the waiting reader's own DecRef in
		// consumeSlot (engine.go).
		foreground := t.notify != nil
		if foreground {
			// The claim's original ref belongs to the reader that will wake
			// up on t.notify and consume the slot; the writer needs its own
			// ref so the slot can't be recycled until both are done with it.
			e.ramPool.IncRef(slotIdx)
		}
		e.writerHost.Submit(e, slotIdx, int(size), foreground)
		return
	}

	e.ramPool.Publish(slotIdx, StatusFailed, ErrRemoteReadFailed)
	if t.notify == nil {
		// Background task: the claim's ref is the task's own; drop it. For a
		// foreground task the claim's ref belongs to the reader blocked on
		// t.notify, whose consumeSlot drops it after observing the failure —
		// dropping it here too would let the slot be recycled under a new
		// claimant while that reader still holds its index.
		e.ramPool.DecRef(slotIdx)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
