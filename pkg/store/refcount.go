package store

import (
	"github.com/taskwire/taskwire/pkg/codec"
	"github.com/taskwire/taskwire/pkg/notify"
	"github.com/taskwire/taskwire/pkg/types"
)

// Scavenge asks a refcount decrement to transfer read references on
// the datum's embedded referands to the caller instead of releasing
// them. The transfer only happens when the decrement garbage-collects
// the datum; at most one reference per referand is transferred,
// regardless of how many share a target.
type Scavenge struct {
	Refcounts types.Refcounts
}

// NoScavenge requests no transfer.
var NoScavenge = Scavenge{}

// RefcountIncr applies a refcount change to a datum. It returns
// whether the datum was garbage-collected and, when scavenging, the
// per-referand counts transferred to the caller. Close and referand
// work lands in notifs.
func (s *Store) RefcountIncr(id types.ID, change types.Refcounts, scav Scavenge,
	notifs *notify.Batch) (gc bool, scavenged types.Refcounts, err error) {

	d, err := s.lookup(id)
	if err != nil {
		return false, types.NoRefc, err
	}
	return s.refcountImpl(id, d, change, scav, notifs)
}

// refcountImpl is the refcount state machine. Read changes are dropped
// for permanent data and when read counting is disabled. A count going
// below zero is an error. When both counts fall to zero the datum is
// garbage-collected, recursively releasing embedded referands. A
// write count reaching zero closes the datum and drains its listeners.
func (s *Store) refcountImpl(id types.ID, d *datum, change types.Refcounts, scav Scavenge,
	notifs *notify.Batch) (gc bool, scavenged types.Refcounts, err error) {

	readIncr := change.Read
	if !s.readRefcEnabled || d.permanent {
		readIncr = 0
	}
	writeIncr := change.Write

	doGC := d.readRefcount+readIncr <= 0 && d.writeRefcount+writeIncr <= 0

	if !scav.Refcounts.IsNull() {
		// A scavenging caller needs the referands alive until it takes
		// its own references; without the collect there would be a
		// window where a referand disappears first. So only proceed
		// when this change collects the datum.
		if !doGC {
			return false, types.NoRefc, nil
		}
		if scav.Refcounts.Read > 0 {
			scavenged.Read = 1
		}
		if scav.Refcounts.Write > 0 {
			scavenged.Write = 1
		}
	}

	if readIncr != 0 {
		if d.readRefcount <= 0 || d.readRefcount+readIncr < 0 {
			return false, types.NoRefc, types.Statusf(types.ErrRefcountNegative,
				"<%d> read_refcount %d incr %d", id, d.readRefcount, readIncr)
		}
		d.readRefcount += readIncr
	}

	if writeIncr != 0 {
		if d.writeRefcount <= 0 || d.writeRefcount+writeIncr < 0 {
			return false, types.NoRefc, types.Statusf(types.ErrRefcountNegative,
				"<%d> write_refcount %d incr %d", id, d.writeRefcount, writeIncr)
		}
		d.writeRefcount += writeIncr
		if d.writeRefcount == 0 {
			s.close(id, d, notifs)
		}
	}

	if d.readRefcount <= 0 && d.writeRefcount <= 0 {
		if err := s.gc(id, d, scav, notifs); err != nil {
			return false, types.NoRefc, err
		}
		return true, scavenged, nil
	}
	return false, types.NoRefc, nil
}

// close drains the datum's listeners into close notifications.
func (s *Store) close(id types.ID, d *datum, notifs *notify.Batch) {
	d.listeners.Each(func(rank int) bool {
		notifs.AddClose(rank, id)
		return false
	})
	d.listeners.Clear()
	s.logger.Debug().Int64("id", int64(id)).Msg("datum closed")
}

// gc destroys a datum, releasing one read reference per embedded
// referand unless the caller scavenged them.
func (s *Store) gc(id types.ID, d *datum, scav Scavenge, notifs *notify.Batch) error {
	if d.permanent {
		return types.Statusf(types.ErrUnknown, "garbage collecting permanent datum <%d>", id)
	}
	if d.set && d.value != nil && scav.Refcounts.Read == 0 {
		if err := s.applyReferandChange(d.value, types.ReadRefc.Negate(), notifs); err != nil {
			return err
		}
	}
	if d.listeners.Cardinality() != 0 {
		return types.Statusf(types.ErrUnknown,
			"%d listeners on garbage collected datum <%d>", d.listeners.Cardinality(), id)
	}
	delete(s.data, id)
	s.logger.Debug().Int64("id", int64(id)).Msg("datum destroyed")
	return nil
}

// referands collects the datum ids referenced from inside a value:
// refs reference their target, containers their values (and keys when
// the key type is ref), multisets their elements, structs their set
// fields.
func referands(v codec.Value, out []types.ID) []types.ID {
	switch cv := v.(type) {
	case codec.Ref:
		if types.ID(cv) != types.NullID {
			out = append(out, types.ID(cv))
		}
	case *codec.Container:
		cv.Each(func(key string, val codec.Value) bool {
			if val == nil {
				return true
			}
			if cv.KeyType == types.TypeRef {
				if kv, err := codec.Unpack(types.TypeRef, []byte(key)); err == nil {
					out = referands(kv, out)
				}
			}
			out = referands(val, out)
			return true
		})
	case *codec.Multiset:
		cv.Each(func(val codec.Value) bool {
			out = referands(val, out)
			return true
		})
	case *codec.Struct:
		for _, f := range cv.Fields {
			if f.Value != nil {
				out = referands(f.Value, out)
			}
		}
	}
	return out
}

// applyReferandChange applies a refcount change to every referand of
// the value: directly for ids this shard owns, via the notification
// batch for remote ones.
func (s *Store) applyReferandChange(v codec.Value, change types.Refcounts, notifs *notify.Batch) error {
	for _, id := range referands(v, nil) {
		if err := s.applyIDChange(id, change, notifs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyIDChange(id types.ID, change types.Refcounts, notifs *notify.Batch) error {
	if !s.layout.OwnsID(s.rank, id) {
		notifs.AddRefcount(id, change)
		return nil
	}
	d, err := s.lookup(id)
	if err != nil {
		return err
	}
	_, _, err = s.refcountImpl(id, d, change, NoScavenge, notifs)
	return err
}

// ReferandRefcount applies a refcount change to the referands of a
// packed value without storing it, used when a client consumes the
// embedded references of a payload it already holds.
func (s *Store) ReferandRefcount(t types.DataType, payload []byte,
	change types.Refcounts, notifs *notify.Batch) error {

	v, err := codec.Unpack(t, payload)
	if err != nil {
		return err
	}
	return s.applyReferandChange(v, change, notifs)
}
