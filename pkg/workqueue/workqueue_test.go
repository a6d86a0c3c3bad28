package workqueue

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskwire/taskwire/pkg/types"
)

func newQueue(workTypes int) *Queue {
	return New(workTypes, zerolog.Nop())
}

func unit(wtype, priority, target int) *Unit {
	return &Unit{Type: wtype, Priority: priority, Target: target, Parallelism: 1}
}

func TestGetHonorsPriority(t *testing.T) {
	q := newQueue(2)
	q.Add(unit(1, 0, types.AnyRank))
	q.Add(unit(1, 5, types.AnyRank))
	q.Add(unit(1, -3, types.AnyRank))

	u, ok := q.Get(0, 1)
	require.True(t, ok)
	assert.Equal(t, 5, u.Priority)
	u, ok = q.Get(0, 1)
	require.True(t, ok)
	assert.Equal(t, 0, u.Priority)
	u, ok = q.Get(0, 1)
	require.True(t, ok)
	assert.Equal(t, -3, u.Priority)
	_, ok = q.Get(0, 1)
	assert.False(t, ok)
}

func TestGetFIFOWithinPriority(t *testing.T) {
	q := newQueue(1)
	first := unit(0, 1, types.AnyRank)
	first.Payload = []byte("first")
	second := unit(0, 1, types.AnyRank)
	second.Payload = []byte("second")
	q.Add(first)
	q.Add(second)

	u, ok := q.Get(0, 0)
	require.True(t, ok)
	assert.Equal(t, "first", string(u.Payload))
	u, ok = q.Get(0, 0)
	require.True(t, ok)
	assert.Equal(t, "second", string(u.Payload))
}

func TestTargetedOnlyForTarget(t *testing.T) {
	q := newQueue(2)
	q.Add(unit(1, 0, 2))

	_, ok := q.Get(1, 1)
	assert.False(t, ok, "targeted unit must not match another rank")

	u, ok := q.Get(2, 1)
	require.True(t, ok)
	assert.Equal(t, 2, u.Target)
}

func TestUntargetedBeatsTargetedOnPriority(t *testing.T) {
	q := newQueue(1)
	q.Add(unit(0, 1, 3))
	q.Add(unit(0, 9, types.AnyRank))

	u, ok := q.Get(3, 0)
	require.True(t, ok)
	assert.Equal(t, types.AnyRank, u.Target, "higher priority wins across indexes")

	u, ok = q.Get(3, 0)
	require.True(t, ok)
	assert.Equal(t, 3, u.Target)
}

func TestPopParallelAllOrNothing(t *testing.T) {
	q := newQueue(2)
	pu := &Unit{Type: 1, Priority: 0, Target: types.AnyRank, Parallelism: 3}
	q.Add(pu)

	_, _, ok := q.PopParallel(func(u *Unit) ([]int, bool) {
		return nil, false // gang cannot form yet
	})
	assert.False(t, ok)
	assert.Equal(t, 1, q.Size(), "unit must stay queued until the gang forms")

	u, ranks, ok := q.PopParallel(func(u *Unit) ([]int, bool) {
		require.Equal(t, 3, u.Parallelism)
		return []int{1, 2, 4}, true
	})
	require.True(t, ok)
	assert.Equal(t, pu, u)
	assert.Equal(t, []int{1, 2, 4}, ranks)
	assert.Equal(t, 0, q.Size())
}

func TestStealPrefersShortageTypes(t *testing.T) {
	q := newQueue(2)
	for i := 0; i < 10; i++ {
		q.Add(unit(1, 0, types.AnyRank))
	}
	for i := 0; i < 2; i++ {
		q.Add(unit(0, 0, types.AnyRank))
	}

	// Caller already has plenty of type 0 but no type 1.
	stolen := q.Steal(1<<20, []int{5, 0})
	require.NotEmpty(t, stolen)
	for _, u := range stolen {
		assert.Equal(t, 1, u.Type)
	}
	// Half the surplus handed over.
	assert.Len(t, stolen, 5)
	assert.Equal(t, 7, q.Size())
}

func TestStealLeavesTargetedWork(t *testing.T) {
	q := newQueue(1)
	q.Add(unit(0, 0, 2))
	q.Add(unit(0, 0, types.AnyRank))

	stolen := q.Steal(1<<20, []int{0})
	require.Len(t, stolen, 1)
	assert.Equal(t, types.AnyRank, stolen[0].Target)
	assert.Equal(t, 1, q.Size())
}

func TestStealRespectsBudget(t *testing.T) {
	q := newQueue(1)
	for i := 0; i < 10; i++ {
		u := unit(0, 0, types.AnyRank)
		u.Payload = make([]byte, 100)
		q.Add(u)
	}
	stolen := q.Steal(250, []int{0})
	assert.Len(t, stolen, 3, "budget crossed after the third unit")
}

func TestTypeCounts(t *testing.T) {
	q := newQueue(3)
	q.Add(unit(0, 0, types.AnyRank))
	q.Add(unit(1, 0, 5))
	q.Add(&Unit{Type: 2, Target: types.AnyRank, Parallelism: 4})
	assert.Equal(t, []int{1, 1, 1}, q.TypeCounts())
}
