package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskwire/taskwire/pkg/types"
)

func TestRankPartition(t *testing.T) {
	l, err := New(3, 3)
	require.NoError(t, err)

	assert.Equal(t, 6, l.Size())
	assert.Equal(t, 3, l.Master())
	for rank := 0; rank < 3; rank++ {
		assert.True(t, l.IsWorker(rank))
		assert.False(t, l.IsServer(rank))
	}
	for rank := 3; rank < 6; rank++ {
		assert.True(t, l.IsServer(rank))
		assert.False(t, l.IsWorker(rank))
	}
}

func TestWorkerServerAffinity(t *testing.T) {
	l, err := New(5, 2)
	require.NoError(t, err)

	assert.Equal(t, 5, l.WorkerServer(0))
	assert.Equal(t, 6, l.WorkerServer(1))
	assert.Equal(t, 5, l.WorkerServer(2))
	assert.Equal(t, 6, l.WorkerServer(3))
	assert.Equal(t, 5, l.WorkerServer(4))

	// Servers map to themselves.
	assert.Equal(t, 5, l.WorkerServer(5))

	assert.Equal(t, 3, l.ServerWorkerCount(5))
	assert.Equal(t, 2, l.ServerWorkerCount(6))
}

func TestShardPlacementStable(t *testing.T) {
	l, err := New(3, 3)
	require.NoError(t, err)

	for id := types.ID(1); id <= 100; id++ {
		first, err := l.ShardOwner(id)
		require.NoError(t, err)
		again, err := l.ShardOwner(id)
		require.NoError(t, err)
		assert.Equal(t, first, again)
		assert.True(t, l.IsServer(first))
	}

	// The formula: server index (id-1) mod S after the workers.
	owner, err := l.ShardOwner(1)
	require.NoError(t, err)
	assert.Equal(t, 3, owner)
	owner, err = l.ShardOwner(2)
	require.NoError(t, err)
	assert.Equal(t, 4, owner)
	owner, err = l.ShardOwner(4)
	require.NoError(t, err)
	assert.Equal(t, 3, owner)
}

func TestShardOwnerNullID(t *testing.T) {
	l, err := New(1, 1)
	require.NoError(t, err)
	_, err = l.ShardOwner(types.NullID)
	assert.True(t, types.IsStatus(err, types.ErrNullID))
}

func TestSystemIDPlacement(t *testing.T) {
	l, err := New(3, 3)
	require.NoError(t, err)
	for id := types.ID(-10); id < 0; id++ {
		owner, err := l.ShardOwner(id)
		require.NoError(t, err)
		assert.True(t, l.IsServer(owner))
	}
}

func TestHostmapModes(t *testing.T) {
	hosts := []string{"node-a", "node-a", "node-b", "node-b", "node-b", "node-c"}

	h := NewHostmap(HostmapEnabled, hosts)
	ranks, err := h.Lookup("node-b", -1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, ranks)

	ranks, err = h.Lookup("node-b", 2)
	require.NoError(t, err)
	assert.Len(t, ranks, 2)

	_, err = h.Lookup("node-x", -1)
	assert.True(t, types.IsStatus(err, types.ErrNotFound))

	leaders := NewHostmap(HostmapLeaders, hosts)
	ranks, err = leaders.Lookup("node-b", -1)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, ranks)

	disabled := NewHostmap(HostmapDisabled, hosts)
	_, err = disabled.Lookup("node-a", -1)
	assert.True(t, types.IsStatus(err, types.ErrInvalid))

	count, nameMax := h.Stats()
	assert.Equal(t, 3, count)
	assert.Equal(t, len("node-a"), nameMax)
}
