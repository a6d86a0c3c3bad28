package requestqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTypeFIFO(t *testing.T) {
	q := New()
	q.Add(1, 0)
	q.Add(2, 0)
	q.Add(3, 1)

	rank, ok := q.MatchType(0)
	require.True(t, ok)
	assert.Equal(t, 1, rank, "longest parked worker first")

	rank, ok = q.MatchType(0)
	require.True(t, ok)
	assert.Equal(t, 2, rank)

	_, ok = q.MatchType(0)
	assert.False(t, ok)

	rank, ok = q.MatchType(1)
	require.True(t, ok)
	assert.Equal(t, 3, rank)
	assert.Equal(t, 0, q.Size())
}

func TestMatchTarget(t *testing.T) {
	q := New()
	q.Add(4, 2)

	assert.False(t, q.MatchTarget(4, 1), "type mismatch")
	assert.False(t, q.MatchTarget(5, 2), "not parked")
	assert.True(t, q.MatchTarget(4, 2))
	assert.False(t, q.MatchTarget(4, 2), "request consumed")
}

func TestParallelReserveAllOrNothing(t *testing.T) {
	q := New()
	q.Add(1, 0)
	q.Add(2, 0)

	_, ok := q.ParallelReserve(0, 3)
	assert.False(t, ok)
	assert.Equal(t, 2, q.Size(), "failed reservation must not consume workers")

	q.Add(3, 0)
	q.Add(4, 0)
	ranks, ok := q.ParallelReserve(0, 3)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, ranks)
	assert.Equal(t, 1, q.Size())

	rank, ok := q.MatchType(0)
	require.True(t, ok)
	assert.Equal(t, 4, rank)
}

func TestDuplicateParkIgnored(t *testing.T) {
	q := New()
	q.Add(1, 0)
	q.Add(1, 1)
	assert.Equal(t, 1, q.Size())
	assert.Equal(t, 1, q.CountType(0))
	assert.Equal(t, 0, q.CountType(1))
}

func TestRemove(t *testing.T) {
	q := New()
	q.Add(1, 0)
	q.Add(2, 0)

	assert.True(t, q.Remove(1))
	assert.False(t, q.Remove(1))

	rank, ok := q.MatchType(0)
	require.True(t, ok)
	assert.Equal(t, 2, rank)
}

func TestTypesPresent(t *testing.T) {
	q := New()
	q.Add(1, 0)
	q.Add(2, 3)
	present := q.TypesPresent()
	assert.True(t, present.Contains(0))
	assert.True(t, present.Contains(3))
	assert.False(t, present.Contains(1))
}
