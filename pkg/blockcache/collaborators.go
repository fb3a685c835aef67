package blockcache

import (
	"context"
	"os"
)

// RemoteIO is the remote byte-addressable data source collaborator.
// The engine never knows whether it is talking to IPFS, an XRootD server, or
// anything else — only that it can read a byte range or a vector of ranges.
// Implementations live under backends/.
type RemoteIO interface {
	// Read reads up to len(buf) bytes at offset off, returning the number of
	// bytes actually read. A negative-equivalent failure is reported as a
	// non-nil error; n may be less than len(buf) on a short read.
	Read(ctx context.Context, buf []byte, off int64) (int, error)

	// ReadV performs a single vectored read across chunks, writing each
	// chunk's bytes into its own Buf. Used by Engine.ReadV to satisfy
	// residual (not-yet-cached) chunks in one round trip.
	ReadV(ctx context.Context, chunks []ReadVChunk) error
}

// ReadVChunk is one element of a vectored read request/response.
type ReadVChunk struct {
	Offset int64
	Buf    []byte
}

// OSFile is the minimal file handle the engine needs from the OS-file
// collaborator: a data file or an info file.
type OSFile interface {
	ReadAt(buf []byte, off int64) (int, error)
	WriteAt(buf []byte, off int64) (int, error)
	Fsync() error
	Close() error
	// Size reports the current on-disk length, used when reading back a
	// persisted info file to decide whether it is empty (fresh) or not.
	Size() (int64, error)
}

// OSFileFactory is the OS-file factory collaborator: it creates (with
// mkpath semantics) and opens files under a configured owner credential.
// The default implementation wraps the local filesystem; a host could swap
// in something else (e.g. a namespaced or quota-enforcing factory) without
// the engine caring.
type OSFileFactory interface {
	// Create ensures path exists (creating parent directories when mkpath is
	// true) under the given owner username, sized to zero if newly created.
	Create(username, path string, mode os.FileMode, mkpath bool) error
	// Open opens an existing path for read-write access.
	Open(path string, mode os.FileMode) (OSFile, error)
}

// Job is a unit of work the Scheduler runs asynchronously, at most once per
// Schedule call. The host's job system is only ever seen through this
// interface.
type Job interface {
	DoIt()
}

// Scheduler dispatches a Job for asynchronous execution. The engine uses
// this exclusively to run the fsync job (syncJob); it never calls a job
// synchronously itself.
type Scheduler interface {
	Schedule(job Job)
}

// GoroutineScheduler is the simplest possible Scheduler: it runs each job on
// its own goroutine. This is the collaborator a standalone host (one not
// embedded in a bigger server with its own job system) plugs in.
type GoroutineScheduler struct{}

// Schedule runs job.DoIt() on a new goroutine.
func (GoroutineScheduler) Schedule(job Job) {
	go job.DoIt()
}
