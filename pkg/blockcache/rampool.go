package blockcache

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// SlotOrigin distinguishes a RAM slot claimed on behalf of a synchronous
// reader from one claimed by the idle prefetch worker.
type SlotOrigin int

const (
	OriginRead SlotOrigin = iota
	OriginPrefetch
)

// SlotStatus is the lifecycle state of an in-flight RAM slot.
type SlotStatus int

const (
	StatusWait SlotStatus = iota
	StatusOk
	StatusFailed
)

// ramSlot is one fixed-size buffer in the pool plus its accounting record.
// blockIdx == -1 means free.
type ramSlot struct {
	blockIdx int
	refCount uint32
	origin   SlotOrigin
	status   SlotStatus
	err      error
	buf      []byte
}

// RAMPool is a fixed pool of equally-sized buffers shared between the read
// path and the prefetch worker, admission-gated separately for each origin
// by a weighted semaphore: at most nRead slots may be busy with
// OriginRead at once, and likewise nPrefetch for OriginPrefetch.
type RAMPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots      []*ramSlot
	bufferSize int64

	readSem     *semaphore.Weighted
	prefetchSem *semaphore.Weighted
	nRead       int
	nPrefetch   int
}

// NewRAMPool allocates nRead+nPrefetch slots of bufferSize bytes each.
func NewRAMPool(bufferSize int64, nRead, nPrefetch int) *RAMPool {
	total := nRead + nPrefetch
	slots := make([]*ramSlot, total)
	backing := make([]byte, int64(total)*bufferSize)
	for i := range slots {
		slots[i] = &ramSlot{
			blockIdx: -1,
			buf:      backing[int64(i)*bufferSize : int64(i+1)*bufferSize : int64(i+1)*bufferSize],
		}
	}
	p := &RAMPool{
		slots:       slots,
		bufferSize:  bufferSize,
		readSem:     semaphore.NewWeighted(int64(nRead)),
		prefetchSem: semaphore.NewWeighted(int64(nPrefetch)),
		nRead:       nRead,
		nPrefetch:   nPrefetch,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// findByBlock returns the slot currently holding blockIdx, or -1. Caller
// must hold p.mu.
func (p *RAMPool) findByBlock(blockIdx int) int {
	for i, s := range p.slots {
		if s.blockIdx == blockIdx {
			return i
		}
	}
	return -1
}

// findFree returns the lowest-index free slot, or -1. Caller must hold p.mu.
func (p *RAMPool) findFree() int {
	for i, s := range p.slots {
		if s.refCount == 0 {
			return i
		}
	}
	return -1
}

// claim backs both ClaimForRead and ClaimForPrefetch: if blockIdx is
// already held by an in-flight slot, it returns that slot with its refcount
// bumped (the overlapping-reads fast path); otherwise it admission-gates on
// the appropriate semaphore and claims a fresh free slot.
// ok is false if admission was refused (pool exhausted for this origin) or
// no free slot exists. isNew reports whether this call is the one that
// should actually fetch the block (false means it joined an in-flight
// claim and must instead WaitReady on it).
func (p *RAMPool) claim(blockIdx int, origin SlotOrigin) (slotIdx int, isNew bool, ok bool) {
	p.mu.Lock()
	if i := p.findByBlock(blockIdx); i >= 0 {
		p.slots[i].refCount++
		p.mu.Unlock()
		return i, false, true
	}
	p.mu.Unlock()

	sem := p.readSem
	if origin == OriginPrefetch {
		sem = p.prefetchSem
	}
	if !sem.TryAcquire(1) {
		return -1, false, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check: another goroutine may have started fetching this block
	// while we were racing for semaphore admission.
	if i := p.findByBlock(blockIdx); i >= 0 {
		p.slots[i].refCount++
		sem.Release(1)
		return i, false, true
	}

	i := p.findFree()
	if i < 0 {
		sem.Release(1)
		return -1, false, false
	}

	s := p.slots[i]
	s.blockIdx = blockIdx
	s.refCount = 1
	s.origin = origin
	s.status = StatusWait
	s.err = nil
	return i, true, true
}

// ClaimForRead claims a slot for a reader-driven fetch of blockIdx, joining
// an in-flight slot for the same block when one exists.
func (p *RAMPool) ClaimForRead(blockIdx int) (slotIdx int, isNew bool, ok bool) {
	return p.claim(blockIdx, OriginRead)
}

// ClaimForPrefetch claims a fresh slot for a background fetch of blockIdx.
func (p *RAMPool) ClaimForPrefetch(blockIdx int) (slotIdx int, ok bool) {
	slotIdx, isNew, ok := p.claim(blockIdx, OriginPrefetch)
	if ok && !isNew {
		// The prefetch worker only ever wants fresh claims; joining an
		// in-flight slot here would publish it a second time. Release the
		// extra ref immediately since nobody waits on prefetch joins.
		p.DecRef(slotIdx)
		return -1, false
	}
	return slotIdx, ok
}

// FindInFlight returns the slot index currently holding blockIdx and bumps
// its refcount, or -1 if no slot holds it. Used by the read path when a
// block is neither on disk nor already being fetched by this call.
func (p *RAMPool) FindInFlight(blockIdx int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.findByBlock(blockIdx); i >= 0 {
		p.slots[i].refCount++
		return i
	}
	return -1
}

// IsInFlight reports whether blockIdx is currently held by a RAM slot,
// without bumping its refcount. Used by chunkCached (engine.go), which only
// needs a yes/no answer and releases no ref.
func (p *RAMPool) IsInFlight(blockIdx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findByBlock(blockIdx) >= 0
}

// Publish sets a slot's terminal status and wakes every waiter blocked in
// WaitReady.
func (p *RAMPool) Publish(slotIdx int, status SlotStatus, err error) {
	p.mu.Lock()
	p.slots[slotIdx].status = status
	p.slots[slotIdx].err = err
	p.cond.Broadcast()
	p.mu.Unlock()
}

// WaitReady blocks until the slot's status is no longer StatusWait.
func (p *RAMPool) WaitReady(slotIdx int) {
	p.mu.Lock()
	for p.slots[slotIdx].status == StatusWait {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Status returns the slot's current status and error.
func (p *RAMPool) Status(slotIdx int) (SlotStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[slotIdx].status, p.slots[slotIdx].err
}

// BlockIdx returns the file block index a slot is associated with.
func (p *RAMPool) BlockIdx(slotIdx int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[slotIdx].blockIdx
}

// Buffer returns the backing buffer for a slot. The slice is only safe to
// read while the caller holds a refcount on the slot.
func (p *RAMPool) Buffer(slotIdx int) []byte {
	return p.slots[slotIdx].buf
}

// IncRef bumps a slot's refcount.
func (p *RAMPool) IncRef(slotIdx int) {
	p.mu.Lock()
	p.slots[slotIdx].refCount++
	p.mu.Unlock()
}

// DecRef drops a slot's refcount, releasing it back to its origin's
// semaphore and resetting blockIdx to -1 once the count reaches zero; a
// slot has refcount zero exactly when its blockIdx is -1.
func (p *RAMPool) DecRef(slotIdx int) {
	p.mu.Lock()
	s := p.slots[slotIdx]
	if s.refCount == 0 {
		p.mu.Unlock()
		return
	}
	s.refCount--
	freed := s.refCount == 0
	origin := s.origin
	if freed {
		s.blockIdx = -1
	}
	p.mu.Unlock()

	if freed {
		if origin == OriginPrefetch {
			p.prefetchSem.Release(1)
		} else {
			p.readSem.Release(1)
		}
	}
}

// BusyCount reports how many slots of the given origin currently have a
// positive refcount. The semaphores already enforce the per-origin bound;
// this exists for observability and tests.
func (p *RAMPool) BusyCount(origin SlotOrigin) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.refCount > 0 && s.origin == origin {
			n++
		}
	}
	return n
}

// NRead returns the configured N_read admission bound.
func (p *RAMPool) NRead() int { return p.nRead }

// NPrefetch returns the configured N_prefetch admission bound.
func (p *RAMPool) NPrefetch() int { return p.nPrefetch }

// AnyBusy reports whether any slot in the pool currently has a positive
// refcount. The engine's close sequence polls on this while draining.
func (p *RAMPool) AnyBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.refCount > 0 {
			return true
		}
	}
	return false
}
