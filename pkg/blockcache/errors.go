package blockcache

import "errors"

// Sentinel errors of the engine: returned by Engine.Open / Engine.Read /
// Engine.ReadV, or (ErrInfoHeaderInvalid, ErrDiskWriteFailed) logged. Background
// prefetch failures are never surfaced this way — they just leave the block
// unfetched (see prefetchWorker.doTask).
var (
	// ErrOpenFailed means the data or info file could not be created/opened.
	ErrOpenFailed = errors.New("blockcache: failed to open local storage")

	// ErrEngineFailed means the engine has latched a sticky failure and is now
	// a pass-through to the remote collaborator.
	ErrEngineFailed = errors.New("blockcache: engine failed, reads are pass-through")

	// ErrInvalidRange is returned for a read whose offset/size falls outside
	// what the engine can describe (negative offset, zero file size, etc).
	ErrInvalidRange = errors.New("blockcache: invalid read range")

	// ErrInfoHeaderInvalid means the on-disk info file exists but fails header
	// validation (bad magic, truncated, version mismatch). The caller
	// recovers by reinitializing the header from scratch.
	ErrInfoHeaderInvalid = errors.New("blockcache: info file header invalid")

	// ErrRemoteReadFailed is returned when the remote collaborator returns a
	// negative/error result, or PREFETCH_MAX_ATTEMPTS is exceeded.
	ErrRemoteReadFailed = errors.New("blockcache: remote read failed")

	// ErrDiskWriteFailed is returned internally when writing a RAM block to
	// the data file fails after the attempt cap; the block is logged and left
	// unfetched rather than surfaced to any reader (no reader is waiting on a
	// write, only on the read that produced the data).
	ErrDiskWriteFailed = errors.New("blockcache: disk write failed")

	// ErrClosed is returned by operations attempted after the engine has
	// begun tearing down.
	ErrClosed = errors.New("blockcache: engine is closing")
)
