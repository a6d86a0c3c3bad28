package store

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/taskwire/taskwire/pkg/codec"
	"github.com/taskwire/taskwire/pkg/notify"
	"github.com/taskwire/taskwire/pkg/types"
)

// Subscribe registers a rank for notification. Without a subscript the
// rank is notified when the datum closes; it returns false when the
// datum is already closed. With a subscript the rank is notified when
// the entry becomes present; it returns false when the entry already
// holds a value.
func (s *Store) Subscribe(id types.ID, sub string, rank int) (subscribed bool, err error) {
	d, err := s.lookup(id)
	if err != nil {
		return false, err
	}

	if sub == "" {
		if d.closed() {
			return false, nil
		}
		d.listeners.Add(rank)
		return true, nil
	}

	c, ok := d.value.(*codec.Container)
	if !ok {
		return false, types.Statusf(types.ErrInvalid,
			"subscribing to subscript %q on non-container <%d>", sub, id)
	}
	if v, found := c.Lookup(sub); found && v != nil {
		return false, nil
	}
	key := idSub{id: id, sub: sub}
	listeners, ok := s.ixListeners[key]
	if !ok {
		listeners = mapset.NewThreadUnsafeSet[int]()
		s.ixListeners[key] = listeners
	}
	listeners.Add(rank)
	return true, nil
}

// ContainerReference arranges for the datum ref to receive the value
// of container[sub] once it is present. If the entry is already
// linked, the packed value is returned immediately and no registration
// happens. Otherwise one read refcount on the container is consumed
// for the whole subscription set of this (id, sub): the first
// registration keeps the caller's reference, later ones release it.
func (s *Store) ContainerReference(id types.ID, sub string, ref types.ID,
	refType types.DataType, caller []byte) (value []byte, found bool, err error) {

	d, err := s.lookup(id)
	if err != nil {
		return nil, false, err
	}
	c, ok := d.value.(*codec.Container)
	if !ok {
		return nil, false, types.Statusf(types.ErrType, "not a container: <%d>", id)
	}
	if refType != c.ValType {
		return nil, false, types.Statusf(types.ErrType,
			"reference into <%d>: expected %s, got %s", id, c.ValType, refType)
	}

	if v, present := c.Lookup(sub); present && v != nil {
		packed, err := codec.PackInto(v, caller)
		if err != nil {
			return nil, false, err
		}
		return packed, true, nil
	}

	if d.closed() {
		return nil, false, types.Statusf(types.ErrInvalid,
			"reference to absent subscript on closed container <%d>[%s]", id, sub)
	}
	if d.readRefcount <= 0 {
		return nil, false, types.Statusf(types.ErrInvalid,
			"container reference consumes a read refcount, <%d> has %d", id, d.readRefcount)
	}

	key := idSub{id: id, sub: sub}
	refs, ok := s.ixReferences[key]
	if !ok {
		refs = mapset.NewThreadUnsafeSet[types.ID]()
		s.ixReferences[key] = refs
	} else {
		// The subscription set already holds its one read refcount;
		// release the caller's extra one.
		if d.readRefcount < 2 {
			return nil, false, types.Statusf(types.ErrRefcountNegative,
				"<%d> read_refcount %d with live subscription", id, d.readRefcount)
		}
		d.readRefcount--
	}
	refs.Add(ref)
	return nil, false, nil
}

// insertNotifications fires when a container entry becomes present:
// pending references receive the stored value, insert listeners are
// notified, and the single read refcount held for the subscription set
// is released.
func (s *Store) insertNotifications(id types.ID, d *datum, sub string,
	value codec.Value, payload []byte, storeRefc types.Refcounts,
	notifs *notify.Batch, freedDatum *bool) error {

	key := idSub{id: id, sub: sub}

	if refs, ok := s.ixReferences[key]; ok {
		delete(s.ixReferences, key)

		refIncr := storeRefc.Read
		if refIncr <= 0 {
			refIncr = 1
		}
		valType := value.Type()
		refs.Each(func(ref types.ID) bool {
			notifs.AddReference(ref, valType, payload)
			return false
		})

		if s.readRefcEnabled {
			// Each reference takes independent ownership of anything
			// the value points at.
			incr := types.Refcounts{Read: refs.Cardinality() * refIncr}
			if err := s.applyReferandChange(value, incr, notifs); err != nil {
				return err
			}
			// The subscription set's read refcount is no longer needed.
			gc, _, err := s.refcountImpl(id, d, types.ReadRefc.Negate(), NoScavenge, notifs)
			if err != nil {
				return err
			}
			*freedDatum = gc
		}
	}

	if listeners, ok := s.ixListeners[key]; ok {
		delete(s.ixListeners, key)
		listeners.Each(func(rank int) bool {
			notifs.AddInsert(rank, id, sub)
			return false
		})
	}
	return nil
}

// SubscribedCount reports how many (id, subscript) subscription sets
// are live.
func (s *Store) SubscribedCount() int {
	return len(s.ixListeners) + len(s.ixReferences)
}
