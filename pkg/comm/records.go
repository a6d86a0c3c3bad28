package comm

import (
	"github.com/taskwire/taskwire/pkg/notify"
	"github.com/taskwire/taskwire/pkg/types"
)

// NotifCounts tells a client how many follow-up notification frames to
// receive before resuming.
type NotifCounts struct {
	Close      int32
	Insert     int32
	References int32
	Refcounts  int32
}

// CountsOf converts a batch summary for the wire.
func CountsOf(c notify.Counts) NotifCounts {
	return NotifCounts{
		Close:      int32(c.Close),
		Insert:     int32(c.Insert),
		References: int32(c.References),
		Refcounts:  int32(c.Refcounts),
	}
}

// Total is the number of notification entries that follow the reply.
func (n NotifCounts) Total() int {
	return int(n.Close + n.Insert + n.References + n.Refcounts)
}

func (w *writer) notifCounts(n NotifCounts) {
	w.i32(n.Close)
	w.i32(n.Insert)
	w.i32(n.References)
	w.i32(n.Refcounts)
}

func (r *reader) notifCounts() NotifCounts {
	return NotifCounts{Close: r.i32(), Insert: r.i32(), References: r.i32(), Refcounts: r.i32()}
}

// PutReq submits a work unit. The payload always rides inline in this
// record, whatever its size; no separate payload message is sent.
type PutReq struct {
	Type        int32
	Priority    int32
	Putter      int32
	Answer      int32
	Target      int32
	Parallelism int32
	Payload     []byte
}

func (m *PutReq) Encode() []byte {
	w := &writer{}
	w.i32(m.Type)
	w.i32(m.Priority)
	w.i32(m.Putter)
	w.i32(m.Answer)
	w.i32(m.Target)
	w.i32(m.Parallelism)
	w.bytes(m.Payload)
	return w.b
}

func (m *PutReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.Type = r.i32()
	m.Priority = r.i32()
	m.Putter = r.i32()
	m.Answer = r.i32()
	m.Target = r.i32()
	m.Parallelism = r.i32()
	m.Payload = r.bytes()
	return r.err
}

// PutRuleReq submits a task released only once every listed datum has
// closed.
type PutRuleReq struct {
	Put     PutReq
	WaitIDs []types.ID
}

func (m *PutRuleReq) Encode() []byte {
	w := &writer{b: m.Put.Encode()}
	w.i32(int32(len(m.WaitIDs)))
	for _, id := range m.WaitIDs {
		w.i64(int64(id))
	}
	return w.b
}

func (m *PutRuleReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.Put.Type = r.i32()
	m.Put.Priority = r.i32()
	m.Put.Putter = r.i32()
	m.Put.Answer = r.i32()
	m.Put.Target = r.i32()
	m.Put.Parallelism = r.i32()
	m.Put.Payload = r.bytes()
	n := r.i32()
	if n < 0 {
		r.fail()
		return r.err
	}
	m.WaitIDs = make([]types.ID, 0, n)
	for i := int32(0); i < n; i++ {
		m.WaitIDs = append(m.WaitIDs, types.ID(r.i64()))
	}
	return r.err
}

// PutResp acknowledges a put.
type PutResp struct {
	Status types.Status
}

func (m *PutResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	return w.b
}

func (m *PutResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	return r.err
}

// GetReq parks the worker for one task of the given type. Used for
// both blocking get and non-blocking iget.
type GetReq struct {
	Type int32
}

func (m *GetReq) Encode() []byte {
	w := &writer{}
	w.i32(m.Type)
	return w.b
}

func (m *GetReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.Type = r.i32()
	return r.err
}

// GetResp precedes the task payload. Status ErrShutdown releases the
// worker; StatusDone from iget means nothing was queued.
type GetResp struct {
	Status        types.Status
	Length        int32
	Answer        int32
	Type          int32
	PayloadSource int32 // rank the TagWork payload comes from
	Parallelism   int32
}

func (m *GetResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	w.i32(m.Length)
	w.i32(m.Answer)
	w.i32(m.Type)
	w.i32(m.PayloadSource)
	w.i32(m.Parallelism)
	return w.b
}

func (m *GetResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	m.Length = r.i32()
	m.Answer = r.i32()
	m.Type = r.i32()
	m.PayloadSource = r.i32()
	m.Parallelism = r.i32()
	return r.err
}

// WorkFrame carries a dispatched task's payload, plus the gang ranks
// for parallel tasks.
type WorkFrame struct {
	Payload []byte
	Ranks   []int32 // parallel gang, empty for single tasks
}

func (m *WorkFrame) Encode() []byte {
	w := &writer{}
	w.bytes(m.Payload)
	w.i32(int32(len(m.Ranks)))
	for _, rk := range m.Ranks {
		w.i32(rk)
	}
	return w.b
}

func (m *WorkFrame) Decode(b []byte) error {
	r := &reader{b: b}
	m.Payload = r.bytes()
	n := r.i32()
	if n < 0 {
		r.fail()
		return r.err
	}
	m.Ranks = make([]int32, 0, n)
	for i := int32(0); i < n; i++ {
		m.Ranks = append(m.Ranks, r.i32())
	}
	return r.err
}

// typeExtra is the wire form of types.TypeExtra.
func (w *writer) typeExtra(e types.TypeExtra) {
	w.flag(e.Valid)
	w.i32(int32(e.KeyType))
	w.i32(int32(e.ValType))
	w.i32(int32(e.ElemType))
	w.i32(int32(e.StructType))
}

func (r *reader) typeExtra() types.TypeExtra {
	return types.TypeExtra{
		Valid:      r.flag(),
		KeyType:    types.DataType(r.i32()),
		ValType:    types.DataType(r.i32()),
		ElemType:   types.DataType(r.i32()),
		StructType: int(r.i32()),
	}
}

func (w *writer) createProps(p types.CreateProps) {
	w.i32(int32(p.ReadRefcount))
	w.i32(int32(p.WriteRefcount))
	w.flag(p.Permanent)
	w.u32(uint32(p.Symbol))
}

func (r *reader) createProps() types.CreateProps {
	return types.CreateProps{
		ReadRefcount:  int(r.i32()),
		WriteRefcount: int(r.i32()),
		Permanent:     r.flag(),
		Symbol:        types.Symbol(r.u32()),
	}
}

// CreateReq declares one datum.
type CreateReq struct {
	ID    types.ID
	Type  types.DataType
	Extra types.TypeExtra
	Props types.CreateProps
}

func (m *CreateReq) Encode() []byte {
	w := &writer{}
	w.i64(int64(m.ID))
	w.i32(int32(m.Type))
	w.typeExtra(m.Extra)
	w.createProps(m.Props)
	return w.b
}

func (m *CreateReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.ID = types.ID(r.i64())
	m.Type = types.DataType(r.i32())
	m.Extra = r.typeExtra()
	m.Props = r.createProps()
	return r.err
}

// CreateResp returns the (possibly freshly minted) id.
type CreateResp struct {
	Status types.Status
	ID     types.ID
}

func (m *CreateResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	w.i64(int64(m.ID))
	return w.b
}

func (m *CreateResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	m.ID = types.ID(r.i64())
	return r.err
}

// MulticreateReq batches datum creation in one round trip.
type MulticreateReq struct {
	Specs []CreateReq
}

func (m *MulticreateReq) Encode() []byte {
	w := &writer{}
	w.i32(int32(len(m.Specs)))
	for i := range m.Specs {
		w.b = append(w.b, m.Specs[i].Encode()...)
	}
	return w.b
}

func (m *MulticreateReq) Decode(b []byte) error {
	r := &reader{b: b}
	n := r.i32()
	if n < 0 {
		r.fail()
		return r.err
	}
	m.Specs = make([]CreateReq, n)
	for i := range m.Specs {
		m.Specs[i].ID = types.ID(r.i64())
		m.Specs[i].Type = types.DataType(r.i32())
		m.Specs[i].Extra = r.typeExtra()
		m.Specs[i].Props = r.createProps()
	}
	return r.err
}

// MulticreateResp returns the assigned ids, NullID marking a failure.
type MulticreateResp struct {
	IDs []types.ID
}

func (m *MulticreateResp) Encode() []byte {
	w := &writer{}
	w.i32(int32(len(m.IDs)))
	for _, id := range m.IDs {
		w.i64(int64(id))
	}
	return w.b
}

func (m *MulticreateResp) Decode(b []byte) error {
	r := &reader{b: b}
	n := r.i32()
	if n < 0 {
		r.fail()
		return r.err
	}
	m.IDs = make([]types.ID, 0, n)
	for i := int32(0); i < n; i++ {
		m.IDs = append(m.IDs, types.ID(r.i64()))
	}
	return r.err
}

// IDSubReq addresses a datum and optional subscript; used by exists,
// subscribe and unlock-style requests.
type IDSubReq struct {
	ID  types.ID
	Sub string
}

func (m *IDSubReq) Encode() []byte {
	w := &writer{}
	w.i64(int64(m.ID))
	w.str(m.Sub)
	return w.b
}

func (m *IDSubReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.ID = types.ID(r.i64())
	m.Sub = r.str()
	return r.err
}

// BoolResp is the generic boolean reply for data ops.
type BoolResp struct {
	Status types.Status
	Result bool
}

func (m *BoolResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	w.flag(m.Result)
	return w.b
}

func (m *BoolResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	m.Result = r.flag()
	return r.err
}

// StoreReq assigns a value to a datum or container entry.
type StoreReq struct {
	ID        types.ID
	Type      types.DataType
	Decr      types.Refcounts
	StoreRefc types.Refcounts
	Sub       string
	Payload   []byte
}

func (m *StoreReq) Encode() []byte {
	w := &writer{}
	w.i64(int64(m.ID))
	w.i32(int32(m.Type))
	w.refc(m.Decr)
	w.refc(m.StoreRefc)
	w.str(m.Sub)
	w.bytes(m.Payload)
	return w.b
}

func (m *StoreReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.ID = types.ID(r.i64())
	m.Type = types.DataType(r.i32())
	m.Decr = r.refc()
	m.StoreRefc = r.refc()
	m.Sub = r.str()
	m.Payload = r.bytes()
	return r.err
}

// StoreResp carries the result and the notification-count block.
type StoreResp struct {
	Status types.Status
	Notifs NotifCounts
}

func (m *StoreResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	w.notifCounts(m.Notifs)
	return w.b
}

func (m *StoreResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	m.Notifs = r.notifCounts()
	return r.err
}

// RetrieveReq fetches a value with optional refcount side effects.
type RetrieveReq struct {
	ID       types.ID
	Refc     types.RetrieveRefc
	Sub      string
}

func (m *RetrieveReq) Encode() []byte {
	w := &writer{}
	w.i64(int64(m.ID))
	w.refc(m.Refc.DecrSelf)
	w.refc(m.Refc.IncrReferand)
	w.str(m.Sub)
	return w.b
}

func (m *RetrieveReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.ID = types.ID(r.i64())
	m.Refc.DecrSelf = r.refc()
	m.Refc.IncrReferand = r.refc()
	m.Sub = r.str()
	return r.err
}

// RetrieveResp returns the value type and payload.
type RetrieveResp struct {
	Status  types.Status
	Type    types.DataType
	Payload []byte
	Notifs  NotifCounts
}

func (m *RetrieveResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	w.i32(int32(m.Type))
	w.bytes(m.Payload)
	w.notifCounts(m.Notifs)
	return w.b
}

func (m *RetrieveResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	m.Type = types.DataType(r.i32())
	m.Payload = r.bytes()
	m.Notifs = r.notifCounts()
	return r.err
}

// EnumerateReq asks for a slice of container or multiset entries. A
// negative count means to the end.
type EnumerateReq struct {
	ID          types.ID
	Count       int32
	Offset      int32
	RequestKeys bool
	RequestVals bool
	Decr        types.Refcounts
}

func (m *EnumerateReq) Encode() []byte {
	w := &writer{}
	w.i64(int64(m.ID))
	w.i32(m.Count)
	w.i32(m.Offset)
	w.flag(m.RequestKeys)
	w.flag(m.RequestVals)
	w.refc(m.Decr)
	return w.b
}

func (m *EnumerateReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.ID = types.ID(r.i64())
	m.Count = r.i32()
	m.Offset = r.i32()
	m.RequestKeys = r.flag()
	m.RequestVals = r.flag()
	m.Decr = r.refc()
	return r.err
}

// EnumerateResp returns the packed slice.
type EnumerateResp struct {
	Status  types.Status
	Records int32
	KeyType types.DataType
	ValType types.DataType
	Data    []byte
	Notifs  NotifCounts
}

func (m *EnumerateResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	w.i32(m.Records)
	w.i32(int32(m.KeyType))
	w.i32(int32(m.ValType))
	w.bytes(m.Data)
	w.notifCounts(m.Notifs)
	return w.b
}

func (m *EnumerateResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	m.Records = r.i32()
	m.KeyType = types.DataType(r.i32())
	m.ValType = types.DataType(r.i32())
	m.Data = r.bytes()
	m.Notifs = r.notifCounts()
	return r.err
}

// RefcountReq applies a refcount change.
type RefcountReq struct {
	ID     types.ID
	Change types.Refcounts
}

func (m *RefcountReq) Encode() []byte {
	w := &writer{}
	w.i64(int64(m.ID))
	w.refc(m.Change)
	return w.b
}

func (m *RefcountReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.ID = types.ID(r.i64())
	m.Change = r.refc()
	return r.err
}

// InsertAtomicReq reserves a container slot.
type InsertAtomicReq struct {
	ID          types.ID
	Sub         string
	ReturnValue bool
}

func (m *InsertAtomicReq) Encode() []byte {
	w := &writer{}
	w.i64(int64(m.ID))
	w.str(m.Sub)
	w.flag(m.ReturnValue)
	return w.b
}

func (m *InsertAtomicReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.ID = types.ID(r.i64())
	m.Sub = r.str()
	m.ReturnValue = r.flag()
	return r.err
}

// InsertAtomicResp reports whether the slot was created and returns
// the existing value when asked and present.
type InsertAtomicResp struct {
	Status       types.Status
	Created      bool
	ValuePresent bool
	ValueType    types.DataType
	Value        []byte
}

func (m *InsertAtomicResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	w.flag(m.Created)
	w.flag(m.ValuePresent)
	w.i32(int32(m.ValueType))
	w.bytes(m.Value)
	return w.b
}

func (m *InsertAtomicResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	m.Created = r.flag()
	m.ValuePresent = r.flag()
	m.ValueType = types.DataType(r.i32())
	m.Value = r.bytes()
	return r.err
}

// CodeIDResp pairs a status with an id (unique replies).
type CodeIDResp struct {
	Status types.Status
	ID     types.ID
}

func (m *CodeIDResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	w.i64(int64(m.ID))
	return w.b
}

func (m *CodeIDResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	m.ID = types.ID(r.i64())
	return r.err
}

// TypeResp returns one or two data types (typeof, container typeof).
type TypeResp struct {
	Status  types.Status
	Type    types.DataType
	ValType types.DataType
}

func (m *TypeResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	w.i32(int32(m.Type))
	w.i32(int32(m.ValType))
	return w.b
}

func (m *TypeResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	m.Type = types.DataType(r.i32())
	m.ValType = types.DataType(r.i32())
	return r.err
}

// ContainerRefReq registers a reference to container[sub].
type ContainerRefReq struct {
	ID      types.ID
	Ref     types.ID
	RefType types.DataType
	Sub     string
}

func (m *ContainerRefReq) Encode() []byte {
	w := &writer{}
	w.i64(int64(m.ID))
	w.i64(int64(m.Ref))
	w.i32(int32(m.RefType))
	w.str(m.Sub)
	return w.b
}

func (m *ContainerRefReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.ID = types.ID(r.i64())
	m.Ref = types.ID(r.i64())
	m.RefType = types.DataType(r.i32())
	m.Sub = r.str()
	return r.err
}

// ContainerRefResp returns the value when it was already present.
type ContainerRefResp struct {
	Status types.Status
	Found  bool
	Type   types.DataType
	Value  []byte
}

func (m *ContainerRefResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	w.flag(m.Found)
	w.i32(int32(m.Type))
	w.bytes(m.Value)
	return w.b
}

func (m *ContainerRefResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	m.Found = r.flag()
	m.Type = types.DataType(r.i32())
	m.Value = r.bytes()
	return r.err
}

// SizeReq asks for a container or multiset size.
type SizeReq struct {
	ID   types.ID
	Decr types.Refcounts
}

func (m *SizeReq) Encode() []byte {
	w := &writer{}
	w.i64(int64(m.ID))
	w.refc(m.Decr)
	return w.b
}

func (m *SizeReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.ID = types.ID(r.i64())
	m.Decr = r.refc()
	return r.err
}

// SizeResp returns the member count.
type SizeResp struct {
	Status types.Status
	Size   int32
}

func (m *SizeResp) Encode() []byte {
	w := &writer{}
	w.status(m.Status)
	w.i32(m.Size)
	return w.b
}

func (m *SizeResp) Decode(b []byte) error {
	r := &reader{b: b}
	m.Status = r.status()
	m.Size = r.i32()
	return r.err
}

// LockReq acquires the per-id mutex for the requesting rank.
type LockReq struct {
	ID   types.ID
	Rank int32
}

func (m *LockReq) Encode() []byte {
	w := &writer{}
	w.i64(int64(m.ID))
	w.i32(m.Rank)
	return w.b
}

func (m *LockReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.ID = types.ID(r.i64())
	m.Rank = r.i32()
	return r.err
}

// FailReq broadcasts a fault code before abort.
type FailReq struct {
	Code int32
}

func (m *FailReq) Encode() []byte {
	w := &writer{}
	w.i32(m.Code)
	return w.b
}

func (m *FailReq) Decode(b []byte) error {
	r := &reader{b: b}
	m.Code = r.i32()
	return r.err
}
