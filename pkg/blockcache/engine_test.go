package blockcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cms-externals/xcache/pkg/logging"
)

var errSimulatedRemoteFailure = errors.New("simulated remote failure")

func testLogger() *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ErrorLevel
	return logging.NewLogger(cfg)
}

func newTestEngineAt(t *testing.T, remote *RemoteSource, factory *FileFactory, path string, offset, size, bufferSize int64, poll time.Duration) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BufferSize = bufferSize
	cfg.NRAMBuffersRead = 4
	cfg.NRAMBuffersPrefetch = 4
	cfg.Logger = testLogger()
	cfg.OSFiles = factory
	cfg.Scheduler = InlineScheduler{}
	cfg.QueuePollInterval = poll

	host := NewWriterHost(2, 8, cfg.Logger)
	e, err := NewEngine(cfg, remote, host, path, offset, size)
	require.NoError(t, err)
	require.NoError(t, e.Open())
	e.Run()
	return e
}

func newTestEngine(t *testing.T, data []byte, bufferSize int64) (*Engine, *RemoteSource) {
	t.Helper()
	remote := NewRemoteSource(data)
	e := newTestEngineAt(t, remote, NewFileFactory(), "/cache/obj", 0, int64(len(data)), bufferSize, 10*time.Millisecond)
	t.Cleanup(func() { _ = e.Close() })
	return e, remote
}

func makeData(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func TestEngineColdSequentialRead(t *testing.T) {
	data := makeData(4 * 16)
	e, _ := newTestEngine(t, data, 16)

	got := make([]byte, len(data))
	n, err := e.Read(context.Background(), got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)

	st := e.liveStats()
	assert.Equal(t, uint64(len(data)), st.BytesDisk+st.BytesRam+st.BytesMissed,
		"every byte returned must be accounted to exactly one serving path")
}

func TestEngineWarmReadServedFromDisk(t *testing.T) {
	data := makeData(4 * 16)
	e, remote := newTestEngine(t, data, 16)

	first := make([]byte, len(data))
	_, err := e.Read(context.Background(), first, 0)
	require.NoError(t, err)

	readsAfterFirst := remote.Reads()

	second := make([]byte, len(data))
	_, err = e.Read(context.Background(), second, 0)
	require.NoError(t, err)
	assert.Equal(t, data, second)
	assert.Equal(t, readsAfterFirst, remote.Reads(), "warm read must not touch the remote source again")
}

func TestEngineOverlappingConcurrentReadsShareOneFetch(t *testing.T) {
	data := makeData(64)
	e, remote := newTestEngine(t, data, 64)

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(data))
			_, err := e.Read(context.Background(), buf, 0)
			assert.NoError(t, err)
			results[i] = buf
		}()
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, data, r)
	}
	assert.LessOrEqual(t, remote.Reads(), 2, "overlapping reads of the same block should collapse into one fetch")
}

func TestEngineRemoteFailureLeavesBlockUnfetched(t *testing.T) {
	data := makeData(32)
	e, remote := newTestEngine(t, data, 16)
	remote.FailAt(0, errSimulatedRemoteFailure)

	buf := make([]byte, 16)
	_, err := e.Read(context.Background(), buf, 0)
	assert.Error(t, err)

	// A subsequent read of the same block should retry against the remote
	// rather than being permanently poisoned.
	buf2 := make([]byte, 16)
	n, err := e.Read(context.Background(), buf2, 0)
	require.NoError(t, err)
	assert.Equal(t, data[:16], buf2[:n])
}

func TestEngineVectorReadFetchesOnlyMissingChunk(t *testing.T) {
	// Blocks 0 and 2 cached on disk, block 1 missing: a three-chunk vector
	// read must issue exactly one remote vector-read containing only the
	// middle chunk. A warm-up engine materializes blocks 0 and 2 (block 1
	// failing persistently so prefetch can't fill it), then a reopen with a
	// near-infinite poll interval keeps the second engine's worker from
	// racing block 1 onto disk before the vector read runs.
	data := makeData(48)
	remote := NewRemoteSource(data)
	remote.FailAlwaysAt(16, errSimulatedRemoteFailure)
	factory := NewFileFactory()

	warm := newTestEngineAt(t, remote, factory, "/cache/obj-vec", 0, int64(len(data)), 16, 10*time.Millisecond)
	buf := make([]byte, 16)
	_, err := warm.Read(context.Background(), buf, 0)
	require.NoError(t, err)
	_, err = warm.Read(context.Background(), buf, 32)
	require.NoError(t, err)
	require.NoError(t, warm.Close())

	e := newTestEngineAt(t, remote, factory, "/cache/obj-vec", 0, int64(len(data)), 16, time.Hour)
	t.Cleanup(func() { _ = e.Close() })
	require.True(t, e.blockMap.TestFetched(0))
	require.False(t, e.blockMap.TestFetched(1))
	require.True(t, e.blockMap.TestFetched(2))

	chunkA := make([]byte, 16)
	chunkB := make([]byte, 16)
	chunkC := make([]byte, 16)
	err = e.ReadV(context.Background(), []ReadVChunk{
		{Offset: 0, Buf: chunkA},
		{Offset: 16, Buf: chunkB},
		{Offset: 32, Buf: chunkC},
	})
	require.NoError(t, err)
	assert.Equal(t, data[0:16], chunkA)
	assert.Equal(t, data[16:32], chunkB)
	assert.Equal(t, data[32:48], chunkC)
	assert.Equal(t, 1, remote.ReadVCalls())
	assert.Equal(t, []int64{16}, remote.LastReadVOffsets(), "only the uncached middle chunk may reach the remote vector-read")
}

func TestEngineNonZeroBaseOffset(t *testing.T) {
	data := makeData(4 * 16)
	remote := NewRemoteSource(data)
	base := int64(32)
	e := newTestEngineAt(t, remote, NewFileFactory(), "/cache/obj-offset", base, 16, 16, 10*time.Millisecond)
	t.Cleanup(func() { _ = e.Close() })

	got := make([]byte, 16)
	n, err := e.Read(context.Background(), got, base)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, data[base:base+16], got)
}

func TestEngineReadEntirelyBeyondFileSizeReturnsZero(t *testing.T) {
	data := makeData(32)
	e, remote := newTestEngine(t, data, 16)
	readsBefore := remote.Reads()

	buf := make([]byte, 8)
	n, err := e.Read(context.Background(), buf, int64(len(data))+16)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, readsBefore, remote.Reads(), "a range entirely beyond S must not touch the remote source")
}

func TestEngineZeroLengthReadReturnsZero(t *testing.T) {
	data := makeData(32)
	e, _ := newTestEngine(t, data, 16)

	n, err := e.Read(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEngineReadStraddlingLastBlock(t *testing.T) {
	// S = 24, B = 16: the last block only has 8 valid bytes. A read spanning
	// both blocks must still return exactly the requested, in-range bytes.
	data := makeData(24)
	e, _ := newTestEngine(t, data, 16)

	got := make([]byte, 12)
	n, err := e.Read(context.Background(), got, 12)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, data[12:24], got)
}

func TestEngineSingleByteFile(t *testing.T) {
	data := makeData(1)
	e, _ := newTestEngine(t, data, 16)

	got := make([]byte, 1)
	n, err := e.Read(context.Background(), got, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, data, got)
}

func TestEngineBufferSizeOfOne(t *testing.T) {
	data := makeData(4)
	e, _ := newTestEngine(t, data, 1)

	got := make([]byte, len(data))
	n, err := e.Read(context.Background(), got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)
}

func TestEngineFileSizeNotMultipleOfBufferSize(t *testing.T) {
	data := makeData(20)
	e, _ := newTestEngine(t, data, 16)

	got := make([]byte, len(data))
	n, err := e.Read(context.Background(), got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)
}

func TestEngineReopenWarmServedEntirelyFromDisk(t *testing.T) {
	data := makeData(4 * 16)
	remote := NewRemoteSource(data)
	factory := NewFileFactory()

	e1 := newTestEngineAt(t, remote, factory, "/cache/obj-reopen", 0, int64(len(data)), 16, 10*time.Millisecond)
	buf := make([]byte, len(data))
	_, err := e1.Read(context.Background(), buf, 0)
	require.NoError(t, err)
	require.NoError(t, e1.Close())
	readsAfterClose := remote.Reads()

	e2 := newTestEngineAt(t, remote, factory, "/cache/obj-reopen", 0, int64(len(data)), 16, 10*time.Millisecond)
	t.Cleanup(func() { _ = e2.Close() })

	// Reopening must reproduce the persisted bitmaps exactly.
	for i := 0; i < 4; i++ {
		assert.True(t, e2.blockMap.TestFetched(i), "fetched[%d] must survive reopen", i)
		assert.True(t, e2.blockMap.TestWriteCalled(i), "write_called[%d] must survive reopen", i)
	}

	got := make([]byte, len(data))
	n, err := e2.Read(context.Background(), got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)
	assert.Equal(t, readsAfterClose, remote.Reads(), "a warm reopen must issue no remote reads at all")

	st := e2.liveStats()
	assert.Equal(t, uint64(len(data)), st.BytesDisk)
	assert.Zero(t, st.BytesRam)
	assert.Zero(t, st.BytesMissed)
}

func TestEngineCloseDuringPrefetchDrainsCleanly(t *testing.T) {
	data := makeData(16 * 16)
	remote := NewRemoteSource(data)
	factory := NewFileFactory()
	e := newTestEngineAt(t, remote, factory, "/cache/obj-close", 0, int64(len(data)), 16, time.Millisecond)

	// Let the prefetch worker materialize at least the first block before
	// the engine is torn down mid-flight.
	require.Eventually(t, func() bool { return e.blockMap.TestFetched(0) }, time.Second, time.Millisecond)
	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close(), "Close must be idempotent")
	assert.False(t, e.ramPool.AnyBusy(), "no RAM slot may still be referenced after Close returns")

	// The fetched bits written before teardown must have reached the info
	// file: a reopen sees block 0 as present without any remote traffic.
	reopened := newTestEngineAt(t, remote, factory, "/cache/obj-close", 0, int64(len(data)), 16, time.Hour)
	t.Cleanup(func() { _ = reopened.Close() })
	assert.True(t, reopened.blockMap.TestFetched(0))
}
