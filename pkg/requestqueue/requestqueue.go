package requestqueue

import (
	"github.com/emirpasic/gods/lists/doublylinkedlist"
	mapset "github.com/deckarep/golang-set/v2"
)

// Request is one parked worker: a rank waiting for a task of a given
// type.
type Request struct {
	Rank int
	Type int
}

// Queue holds a server's parked worker requests, indexed by type for
// matching and by rank for targeted dispatch and cancellation. Within
// a type, the longest-parked worker is matched first.
type Queue struct {
	byType map[int]*doublylinkedlist.List // FIFO of ranks
	byRank map[int]int                    // rank -> type
}

// New builds an empty request queue.
func New() *Queue {
	return &Queue{
		byType: make(map[int]*doublylinkedlist.List),
		byRank: make(map[int]int),
	}
}

// Add parks a worker. A rank may hold at most one parked request.
func (q *Queue) Add(rank, wtype int) {
	if _, parked := q.byRank[rank]; parked {
		return
	}
	l, ok := q.byType[wtype]
	if !ok {
		l = doublylinkedlist.New()
		q.byType[wtype] = l
	}
	l.Append(rank)
	q.byRank[rank] = wtype
}

// MatchType pops the longest-parked worker of the given type.
func (q *Queue) MatchType(wtype int) (rank int, ok bool) {
	l, present := q.byType[wtype]
	if !present || l.Empty() {
		return 0, false
	}
	v, _ := l.Get(0)
	l.Remove(0)
	if l.Empty() {
		delete(q.byType, wtype)
	}
	rank = v.(int)
	delete(q.byRank, rank)
	return rank, true
}

// MatchTarget pops a specific worker if it is parked with a matching
// type, used when a task arrives targeted at that worker.
func (q *Queue) MatchTarget(rank, wtype int) bool {
	parkedType, parked := q.byRank[rank]
	if !parked || parkedType != wtype {
		return false
	}
	q.remove(rank, parkedType)
	return true
}

// ParallelReserve atomically pops n workers of the given type to form
// a gang. It is all-or-nothing: fewer than n parked workers means no
// reservation.
func (q *Queue) ParallelReserve(wtype, n int) ([]int, bool) {
	l, present := q.byType[wtype]
	if !present || l.Size() < n {
		return nil, false
	}
	ranks := make([]int, 0, n)
	for i := 0; i < n; i++ {
		v, _ := l.Get(0)
		l.Remove(0)
		rank := v.(int)
		delete(q.byRank, rank)
		ranks = append(ranks, rank)
	}
	if l.Empty() {
		delete(q.byType, wtype)
	}
	return ranks, true
}

// Remove cancels a parked request, e.g. at worker shutdown.
func (q *Queue) Remove(rank int) bool {
	wtype, parked := q.byRank[rank]
	if !parked {
		return false
	}
	q.remove(rank, wtype)
	return true
}

func (q *Queue) remove(rank, wtype int) {
	l := q.byType[wtype]
	if idx := l.IndexOf(rank); idx >= 0 {
		l.Remove(idx)
	}
	if l.Empty() {
		delete(q.byType, wtype)
	}
	delete(q.byRank, rank)
}

// Size returns the number of parked workers.
func (q *Queue) Size() int { return len(q.byRank) }

// CountType returns the number of parked workers of one type.
func (q *Queue) CountType(wtype int) int {
	l, present := q.byType[wtype]
	if !present {
		return 0
	}
	return l.Size()
}

// TypesPresent returns the set of types with parked workers, used by
// the steal protocol to advertise starvation.
func (q *Queue) TypesPresent() mapset.Set[int] {
	present := mapset.NewThreadUnsafeSet[int]()
	for wtype := range q.byType {
		present.Add(wtype)
	}
	return present
}

// Ranks returns all parked ranks, used to release workers at shutdown.
func (q *Queue) Ranks() []int {
	ranks := make([]int, 0, len(q.byRank))
	for rank := range q.byRank {
		ranks = append(ranks, rank)
	}
	return ranks
}
