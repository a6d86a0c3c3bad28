package workqueue

import (
	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/rs/zerolog"
	"github.com/taskwire/taskwire/pkg/types"
)

// Unit is one queued task. id is unique per server; epoch orders units
// for FIFO tie-breaking within equal priority.
type Unit struct {
	ID          int64
	Type        int
	Putter      int
	Priority    int
	Answer      int
	Target      int // types.AnyRank or a specific worker rank
	Parallelism int
	Payload     []byte

	epoch int64
}

// Targeted reports whether the unit must go to a specific worker.
func (u *Unit) Targeted() bool { return u.Target != types.AnyRank }

type typeTarget struct {
	wtype  int
	target int
}

// byUrgency orders units by priority (higher first), then FIFO.
func byUrgency(a, b interface{}) int {
	ua, ub := a.(*Unit), b.(*Unit)
	if ua.Priority != ub.Priority {
		if ua.Priority > ub.Priority {
			return -1
		}
		return 1
	}
	if ua.epoch < ub.epoch {
		return -1
	}
	if ua.epoch > ub.epoch {
		return 1
	}
	return 0
}

// Queue indexes one server's pool of work units three ways: targeted
// units by (type, target), untargeted units by type ordered by
// priority, and parallel units by type. Parallel units are held until
// a full gang can be reserved.
type Queue struct {
	workTypes int

	targeted  map[typeTarget]*binaryheap.Heap
	untargeted map[int]*binaryheap.Heap
	parallel  map[int][]*Unit

	nextID int64
	epoch  int64
	size   int

	logger zerolog.Logger
}

// New builds a queue for the given number of work types.
func New(workTypes int, logger zerolog.Logger) *Queue {
	return &Queue{
		workTypes:  workTypes,
		targeted:   make(map[typeTarget]*binaryheap.Heap),
		untargeted: make(map[int]*binaryheap.Heap),
		parallel:   make(map[int][]*Unit),
		logger:     logger,
	}
}

// UniqueID mints a server-unique work unit id.
func (q *Queue) UniqueID() int64 {
	q.nextID++
	return q.nextID
}

// Add inserts a unit into the proper indexes.
func (q *Queue) Add(u *Unit) {
	q.epoch++
	u.epoch = q.epoch
	if u.ID == 0 {
		u.ID = q.UniqueID()
	}
	q.size++

	if u.Parallelism > 1 {
		q.parallel[u.Type] = append(q.parallel[u.Type], u)
		return
	}
	if u.Targeted() {
		key := typeTarget{wtype: u.Type, target: u.Target}
		h, ok := q.targeted[key]
		if !ok {
			h = binaryheap.NewWith(byUrgency)
			q.targeted[key] = h
		}
		h.Push(u)
		return
	}
	h, ok := q.untargeted[u.Type]
	if !ok {
		h = binaryheap.NewWith(byUrgency)
		q.untargeted[u.Type] = h
	}
	h.Push(u)
}

// Get removes and returns the best match for a worker: the targeted
// index for (type, target) is consulted first, then the untargeted
// index; the higher-priority unit wins, FIFO breaking ties.
func (q *Queue) Get(target, wtype int) (*Unit, bool) {
	key := typeTarget{wtype: wtype, target: target}
	var tgt, any *Unit
	if h, ok := q.targeted[key]; ok {
		if v, ok := h.Peek(); ok {
			tgt = v.(*Unit)
		}
	}
	if h, ok := q.untargeted[wtype]; ok {
		if v, ok := h.Peek(); ok {
			any = v.(*Unit)
		}
	}

	switch {
	case tgt == nil && any == nil:
		return nil, false
	case any == nil || (tgt != nil && byUrgency(tgt, any) <= 0):
		h := q.targeted[key]
		h.Pop()
		if h.Empty() {
			delete(q.targeted, key)
		}
		q.size--
		return tgt, true
	default:
		h := q.untargeted[wtype]
		h.Pop()
		if h.Empty() {
			delete(q.untargeted, wtype)
		}
		q.size--
		return any, true
	}
}

// PopParallel tries to release a parallel unit: reserve is called with
// each queued parallel unit and returns the reserved worker ranks when
// a full gang of the unit's parallelism could be formed. The first
// unit whose gang forms is removed and returned with its ranks.
func (q *Queue) PopParallel(reserve func(u *Unit) ([]int, bool)) (*Unit, []int, bool) {
	for wtype, units := range q.parallel {
		for i, u := range units {
			ranks, ok := reserve(u)
			if !ok {
				continue
			}
			q.parallel[wtype] = append(units[:i], units[i+1:]...)
			if len(q.parallel[wtype]) == 0 {
				delete(q.parallel, wtype)
			}
			q.size--
			return u, ranks, true
		}
	}
	return nil, nil, false
}

// Size returns the number of queued units.
func (q *Queue) Size() int { return q.size }

// TypeCounts returns the queued unit count per work type.
func (q *Queue) TypeCounts() []int {
	counts := make([]int, q.workTypes)
	for key, h := range q.targeted {
		if key.wtype >= 0 && key.wtype < q.workTypes {
			counts[key.wtype] += h.Size()
		}
	}
	for wtype, h := range q.untargeted {
		if wtype >= 0 && wtype < q.workTypes {
			counts[wtype] += h.Size()
		}
	}
	for wtype, units := range q.parallel {
		if wtype >= 0 && wtype < q.workTypes {
			counts[wtype] += len(units)
		}
	}
	return counts
}

// Steal removes untargeted work until budget bytes are reached,
// preferring types where the caller reports a shortage relative to this
// queue. The unit that reaches the budget is still taken, so the total
// can exceed budget by up to one unit's payload.
// Targeted units stay: their worker's home server is fixed.
func (q *Queue) Steal(budget int, callerCounts []int) []*Unit {
	myCounts := q.TypeCounts()
	var stolen []*Unit
	used := 0

	for wtype := 0; wtype < q.workTypes; wtype++ {
		callerHas := 0
		if wtype < len(callerCounts) {
			callerHas = callerCounts[wtype]
		}
		surplus := myCounts[wtype] - callerHas
		if surplus <= 0 {
			continue
		}
		// Hand over half the surplus, at least one unit.
		want := (surplus + 1) / 2
		taken := q.stealType(wtype, want, budget, &used)
		stolen = append(stolen, taken...)
		if used >= budget {
			break
		}
	}
	if len(stolen) > 0 {
		q.logger.Debug().Int("count", len(stolen)).Int("bytes", used).Msg("work stolen")
	}
	return stolen
}

func (q *Queue) stealType(wtype, want, budget int, used *int) []*Unit {
	var taken []*Unit
	if h, ok := q.untargeted[wtype]; ok {
		for len(taken) < want && *used < budget {
			v, ok := h.Pop()
			if !ok {
				break
			}
			u := v.(*Unit)
			taken = append(taken, u)
			*used += len(u.Payload)
			q.size--
		}
		if h.Empty() {
			delete(q.untargeted, wtype)
		}
	}
	if units, ok := q.parallel[wtype]; ok {
		for len(taken) < want && *used < budget && len(units) > 0 {
			u := units[0]
			units = units[1:]
			taken = append(taken, u)
			*used += len(u.Payload)
			q.size--
		}
		if len(units) == 0 {
			delete(q.parallel, wtype)
		} else {
			q.parallel[wtype] = units
		}
	}
	return taken
}
