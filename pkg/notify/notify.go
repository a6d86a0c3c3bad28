package notify

import "github.com/taskwire/taskwire/pkg/types"

// Target is one pending notification: a worker rank to be woken because
// the datum (or subscript) it subscribed to changed state.
type Target struct {
	Rank int
	ID   types.ID
	Sub  string
}

// Reference is a pending set-reference: when a subscript became
// present, each registered reference datum receives the stored value as
// its own value.
type Reference struct {
	Ref       types.ID
	ValueType types.DataType
	Value     []byte
}

// RefcountChange is refcount work on a datum another shard owns,
// produced when a local operation touches remote referands.
type RefcountChange struct {
	ID     types.ID
	Change types.Refcounts
}

// Batch accumulates the notification work generated by one store
// operation. The server drains a batch after replying to the client:
// close and insert targets become control tasks, references become
// store operations, refcount changes are routed to the owning shard.
type Batch struct {
	Close      []Target
	Insert     []Target
	References []Reference
	Refcounts  []RefcountChange
}

// Empty reports whether the batch holds no work.
func (b *Batch) Empty() bool {
	return len(b.Close) == 0 && len(b.Insert) == 0 &&
		len(b.References) == 0 && len(b.Refcounts) == 0
}

// AddClose records a close notification for rank.
func (b *Batch) AddClose(rank int, id types.ID) {
	b.Close = append(b.Close, Target{Rank: rank, ID: id})
}

// AddInsert records an insert notification for rank.
func (b *Batch) AddInsert(rank int, id types.ID, sub string) {
	b.Insert = append(b.Insert, Target{Rank: rank, ID: id, Sub: sub})
}

// AddReference records a pending set-reference.
func (b *Batch) AddReference(ref types.ID, valueType types.DataType, value []byte) {
	b.References = append(b.References, Reference{Ref: ref, ValueType: valueType, Value: value})
}

// AddRefcount records refcount work owned by another shard.
func (b *Batch) AddRefcount(id types.ID, change types.Refcounts) {
	b.Refcounts = append(b.Refcounts, RefcountChange{ID: id, Change: change})
}

// Merge appends all of other's work to b.
func (b *Batch) Merge(other *Batch) {
	b.Close = append(b.Close, other.Close...)
	b.Insert = append(b.Insert, other.Insert...)
	b.References = append(b.References, other.References...)
	b.Refcounts = append(b.Refcounts, other.Refcounts...)
}

// Counts is the small notification-count block carried in reply
// records so the client knows how many follow-up frames to expect.
type Counts struct {
	Close      int
	Insert     int
	References int
	Refcounts  int
}

// Counts summarizes the batch for a reply record.
func (b *Batch) Counts() Counts {
	return Counts{
		Close:      len(b.Close),
		Insert:     len(b.Insert),
		References: len(b.References),
		Refcounts:  len(b.Refcounts),
	}
}
