package comm

import (
	"github.com/taskwire/taskwire/pkg/notify"
	"github.com/taskwire/taskwire/pkg/types"
)

// SyncMode distinguishes what a server-to-server sync is for.
type SyncMode int32

const (
	// SyncRequest rendezvouses for a regular cross-shard request.
	SyncRequest SyncMode = iota
	// SyncSteal asks to steal work.
	SyncSteal
)

// SyncReq is the sync header. For steal syncs it carries the
// initiator's per-type work counts so the target can pick surplus
// types.
type SyncReq struct {
	Mode           SyncMode
	StealBudget    int32
	WorkTypeCounts []int32
}

func (m *SyncReq) Encode() []byte {
	w := &writer{}
	w.i32(int32(m.Mode))
	w.i32(m.StealBudget)
	w.i32(int32(len(m.WorkTypeCounts)))
	for _, c := range m.WorkTypeCounts {
		w.i32(c)
	}
	return w.b
}

func (m *SyncReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.Mode = SyncMode(r.i32())
	m.StealBudget = r.i32()
	n := r.i32()
	if n < 0 {
		r.fail()
		return r.err
	}
	m.WorkTypeCounts = make([]int32, 0, n)
	for i := int32(0); i < n; i++ {
		m.WorkTypeCounts = append(m.WorkTypeCounts, r.i32())
	}
	return r.err
}

// SyncResp accepts or rejects a sync request.
type SyncResp struct {
	Accepted bool
}

func (m *SyncResp) Encode() []byte {
	w := &writer{}
	w.flag(m.Accepted)
	return w.b
}

func (m *SyncResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Accepted = r.flag()
	return r.err
}

// StolenUnit is one re-homed work unit. Identity is preserved; putter
// and timestamp are re-derived on arrival.
type StolenUnit struct {
	ID          int64
	Type        int32
	Priority    int32
	Answer      int32
	Target      int32
	Parallelism int32
	Payload     []byte
}

// StealResp carries one batch of stolen work; Last marks the final
// batch of the steal.
type StealResp struct {
	Last  bool
	Units []StolenUnit
}

func (m *StealResp) Encode() []byte {
	w := &writer{}
	w.flag(m.Last)
	w.i32(int32(len(m.Units)))
	for i := range m.Units {
		u := &m.Units[i]
		w.i64(u.ID)
		w.i32(u.Type)
		w.i32(u.Priority)
		w.i32(u.Answer)
		w.i32(u.Target)
		w.i32(u.Parallelism)
		w.bytes(u.Payload)
	}
	return w.b
}

func (m *StealResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Last = r.flag()
	n := r.i32()
	if n < 0 {
		r.fail()
		return r.err
	}
	m.Units = make([]StolenUnit, n)
	for i := range m.Units {
		u := &m.Units[i]
		u.ID = r.i64()
		u.Type = r.i32()
		u.Priority = r.i32()
		u.Answer = r.i32()
		u.Target = r.i32()
		u.Parallelism = r.i32()
		u.Payload = r.bytes()
	}
	return r.err
}

// CheckIdleReq polls a server for idleness at a master attempt number.
type CheckIdleReq struct {
	Attempt int64
}

func (m *CheckIdleReq) Encode() []byte {
	w := &writer{}
	w.i64(m.Attempt)
	return w.b
}

func (m *CheckIdleReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.Attempt = r.i64()
	return r.err
}

// CheckIdleResp reports idleness at the echoed attempt number, plus
// the work and request type counts the master needs to rule out
// cross-server matches.
type CheckIdleResp struct {
	Attempt       int64
	Idle          bool
	WorkCounts    []int32
	RequestCounts []int32
}

func (m *CheckIdleResp) Encode() []byte {
	w := &writer{}
	w.i64(m.Attempt)
	w.flag(m.Idle)
	w.i32(int32(len(m.WorkCounts)))
	for _, c := range m.WorkCounts {
		w.i32(c)
	}
	w.i32(int32(len(m.RequestCounts)))
	for _, c := range m.RequestCounts {
		w.i32(c)
	}
	return w.b
}

func (m *CheckIdleResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Attempt = r.i64()
	m.Idle = r.flag()
	n := r.i32()
	if n < 0 {
		r.fail()
		return r.err
	}
	m.WorkCounts = make([]int32, 0, n)
	for i := int32(0); i < n; i++ {
		m.WorkCounts = append(m.WorkCounts, r.i32())
	}
	n = r.i32()
	if n < 0 {
		r.fail()
		return r.err
	}
	m.RequestCounts = make([]int32, 0, n)
	for i := int32(0); i < n; i++ {
		m.RequestCounts = append(m.RequestCounts, r.i32())
	}
	return r.err
}

// NotifBatch is the wire form of a notification batch attached to a
// reply: the client applies it before resuming.
type NotifBatch struct {
	Close      []NotifTarget
	Insert     []NotifTarget
	References []NotifReference
	Refcounts  []NotifRefcount
}

// NotifTarget is one close or insert notification.
type NotifTarget struct {
	Rank int32
	ID   types.ID
	Sub  string
}

// NotifReference is one pending set-reference.
type NotifReference struct {
	Ref       types.ID
	ValueType types.DataType
	Value     []byte
}

// NotifRefcount is refcount work owed to another shard.
type NotifRefcount struct {
	ID     types.ID
	Change types.Refcounts
}

// BatchOf converts a notify.Batch for the wire.
func BatchOf(b *notify.Batch) *NotifBatch {
	wire := &NotifBatch{}
	for _, t := range b.Close {
		wire.Close = append(wire.Close, NotifTarget{Rank: int32(t.Rank), ID: t.ID, Sub: t.Sub})
	}
	for _, t := range b.Insert {
		wire.Insert = append(wire.Insert, NotifTarget{Rank: int32(t.Rank), ID: t.ID, Sub: t.Sub})
	}
	for _, ref := range b.References {
		wire.References = append(wire.References, NotifReference{
			Ref: ref.Ref, ValueType: ref.ValueType, Value: ref.Value,
		})
	}
	for _, rc := range b.Refcounts {
		wire.Refcounts = append(wire.Refcounts, NotifRefcount{ID: rc.ID, Change: rc.Change})
	}
	return wire
}

// Batch converts back to the notify form.
func (m *NotifBatch) Batch() *notify.Batch {
	b := &notify.Batch{}
	for _, t := range m.Close {
		b.AddClose(int(t.Rank), t.ID)
	}
	for _, t := range m.Insert {
		b.Insert = append(b.Insert, notify.Target{Rank: int(t.Rank), ID: t.ID, Sub: t.Sub})
	}
	for _, ref := range m.References {
		b.AddReference(ref.Ref, ref.ValueType, ref.Value)
	}
	for _, rc := range m.Refcounts {
		b.AddRefcount(rc.ID, rc.Change)
	}
	return b
}

func (m *NotifBatch) Encode() []byte {
	w := &writer{}
	w.i32(int32(len(m.Close)))
	for _, t := range m.Close {
		w.i32(t.Rank)
		w.i64(int64(t.ID))
		w.str(t.Sub)
	}
	w.i32(int32(len(m.Insert)))
	for _, t := range m.Insert {
		w.i32(t.Rank)
		w.i64(int64(t.ID))
		w.str(t.Sub)
	}
	w.i32(int32(len(m.References)))
	for _, ref := range m.References {
		w.i64(int64(ref.Ref))
		w.i32(int32(ref.ValueType))
		w.bytes(ref.Value)
	}
	w.i32(int32(len(m.Refcounts)))
	for _, rc := range m.Refcounts {
		w.i64(int64(rc.ID))
		w.refc(rc.Change)
	}
	return w.b
}

func (m *NotifBatch) Decode(b []byte) error {
	r := &reader{b: b}
	n := r.i32()
	for i := int32(0); i < n && r.err == nil; i++ {
		m.Close = append(m.Close, NotifTarget{Rank: r.i32(), ID: types.ID(r.i64()), Sub: r.str()})
	}
	n = r.i32()
	for i := int32(0); i < n && r.err == nil; i++ {
		m.Insert = append(m.Insert, NotifTarget{Rank: r.i32(), ID: types.ID(r.i64()), Sub: r.str()})
	}
	n = r.i32()
	for i := int32(0); i < n && r.err == nil; i++ {
		m.References = append(m.References, NotifReference{
			Ref: types.ID(r.i64()), ValueType: types.DataType(r.i32()), Value: r.bytes(),
		})
	}
	n = r.i32()
	for i := int32(0); i < n && r.err == nil; i++ {
		m.Refcounts = append(m.Refcounts, NotifRefcount{
			ID: types.ID(r.i64()), Change: r.refc(),
		})
	}
	return r.err
}
