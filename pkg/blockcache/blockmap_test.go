package blockcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockMapFirstUnfetchedAndComplete(t *testing.T) {
	m := NewBlockMap(1 << 16)
	m.ResizeBits(4)

	assert.Equal(t, 0, m.FirstUnfetched())
	assert.False(t, m.IsComplete())

	for i := 0; i < 4; i++ {
		m.SetFetched(i)
	}
	assert.Equal(t, -1, m.FirstUnfetched())
	assert.True(t, m.IsComplete())
	assert.True(t, m.CheckComplete())
}

func TestBlockMapSetWriteCalledAfterSetFetched(t *testing.T) {
	m := NewBlockMap(1024)
	m.ResizeBits(2)

	m.SetFetched(0)
	m.SetWriteCalled(0)
	assert.True(t, m.TestWriteCalled(0))
	assert.False(t, m.TestWriteCalled(1))
}

func TestBlockMapHeaderRoundTrip(t *testing.T) {
	factory := NewFileFactory()
	require.NoError(t, factory.Create("", "info", 0644, false))
	f, err := factory.Open("info", 0644)
	require.NoError(t, err)

	m := NewBlockMap(4096)
	m.ResizeBits(10)
	m.SetFetched(1)
	m.SetFetched(3)
	m.SetWriteCalled(1)
	m.AppendStats(NewAStat(10, 20, 0))
	require.NoError(t, m.WriteHeader(f))
	require.NoError(t, m.AppendStatsToFile(f))

	restored := NewBlockMap(4096)
	ok, err := restored.ReadHeader(f)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, int64(4096), restored.GetBufferSize())
	assert.Equal(t, 10, restored.GetSizeInBits())
	assert.True(t, restored.TestFetched(1))
	assert.True(t, restored.TestFetched(3))
	assert.False(t, restored.TestFetched(0))
	assert.True(t, restored.TestWriteCalled(1))
	assert.False(t, restored.TestWriteCalled(3))

	stats := restored.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(10), stats[0].BytesDisk)
	assert.Equal(t, uint64(20), stats[0].BytesRam)
}

func TestBlockMapReadHeaderEmptyFile(t *testing.T) {
	factory := NewFileFactory()
	require.NoError(t, factory.Create("", "info", 0644, false))
	f, err := factory.Open("info", 0644)
	require.NoError(t, err)

	m := NewBlockMap(4096)
	ok, err := m.ReadHeader(f)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestBlockMapReadHeaderRejectsBadMagic(t *testing.T) {
	factory := NewFileFactory()
	require.NoError(t, factory.Create("", "info", 0644, false))
	f, err := factory.Open("info", 0644)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, infoHeaderFixedLen), 0)
	require.NoError(t, err)

	m := NewBlockMap(4096)
	ok, err := m.ReadHeader(f)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInfoHeaderInvalid)
}
