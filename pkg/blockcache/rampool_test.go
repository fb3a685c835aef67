package blockcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRAMPoolOverlappingReadsJoinSameSlot(t *testing.T) {
	p := NewRAMPool(1024, 2, 2)

	slot1, isNew1, ok1 := p.ClaimForRead(5)
	require.True(t, ok1)
	require.True(t, isNew1)

	slot2, isNew2, ok2 := p.ClaimForRead(5)
	require.True(t, ok2)
	assert.False(t, isNew2)
	assert.Equal(t, slot1, slot2)

	p.Publish(slot1, StatusOk, nil)
	p.WaitReady(slot2)
	status, err := p.Status(slot2)
	assert.Equal(t, StatusOk, status)
	assert.NoError(t, err)

	p.DecRef(slot1)
	p.DecRef(slot2)
	assert.False(t, p.AnyBusy())
}

func TestRAMPoolAdmissionBoundedPerOrigin(t *testing.T) {
	p := NewRAMPool(64, 1, 1)

	_, _, ok := p.ClaimForRead(1)
	require.True(t, ok)

	_, _, ok2 := p.ClaimForRead(2)
	assert.False(t, ok2, "second distinct read claim should be refused once N_read slots are busy")

	slotIdx, ok3 := p.ClaimForPrefetch(3)
	require.True(t, ok3, "prefetch has its own admission budget")
	assert.NotEqual(t, -1, slotIdx)
}

func TestRAMPoolDecRefFreesSlotForReuse(t *testing.T) {
	p := NewRAMPool(64, 1, 1)

	slot, _, ok := p.ClaimForRead(1)
	require.True(t, ok)
	p.Publish(slot, StatusOk, nil)
	p.DecRef(slot)

	assert.Equal(t, -1, p.BlockIdx(slot))

	slot2, isNew, ok2 := p.ClaimForRead(2)
	require.True(t, ok2)
	assert.True(t, isNew)
	assert.Equal(t, slot, slot2)
}

func TestRAMPoolClaimForPrefetchRejectsJoin(t *testing.T) {
	p := NewRAMPool(64, 1, 2)

	// Simulate a block already in flight under origin=Read.
	slot, isNew, ok := p.ClaimForRead(7)
	require.True(t, ok)
	require.True(t, isNew)

	// A prefetch claim for the same block must not silently join; the
	// worker only wants fresh claims it can hand to a task.
	_, ok2 := p.ClaimForPrefetch(7)
	assert.False(t, ok2)

	p.Publish(slot, StatusOk, nil)
	p.DecRef(slot)
}
