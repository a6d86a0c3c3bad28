package store

import (
	"math"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"github.com/taskwire/taskwire/pkg/codec"
	"github.com/taskwire/taskwire/pkg/layout"
	"github.com/taskwire/taskwire/pkg/notify"
	"github.com/taskwire/taskwire/pkg/types"
)

// idSub keys the subscriber tables by (datum, subscript).
type idSub struct {
	id  types.ID
	sub string
}

// Store is one server's shard of the datum space. It is confined to
// the server's event loop goroutine and needs no locking.
type Store struct {
	layout layout.Layout
	rank   int // owning server rank

	readRefcEnabled bool

	data map[types.ID]*datum

	// ixListeners holds worker ranks awaiting presence of a subscript;
	// ixReferences holds datum ids to be assigned when a subscript
	// becomes present. Each (id, subscript) in ixReferences holds one
	// read refcount on the container for the whole set; listeners hold
	// none.
	ixListeners  map[idSub]mapset.Set[int]
	ixReferences map[idSub]mapset.Set[types.ID]

	locked map[types.ID]int // id -> lock holder rank

	structs *codec.StructRegistry

	unique types.ID
	lastID types.ID

	logger zerolog.Logger
}

// Options configures a Store.
type Options struct {
	// ReadRefcEnabled turns read reference counting on. When off, read
	// count changes are dropped and lifetimes follow write counts only.
	ReadRefcEnabled bool
	Structs         *codec.StructRegistry
	Logger          zerolog.Logger
}

// New builds the shard store for the given server rank.
func New(l layout.Layout, serverRank int, opts Options) *Store {
	structs := opts.Structs
	if structs == nil {
		structs = codec.NewStructRegistry()
	}
	idx := l.ServerIndex(serverRank)
	return &Store{
		layout:          l,
		rank:            serverRank,
		readRefcEnabled: opts.ReadRefcEnabled,
		data:            make(map[types.ID]*datum),
		ixListeners:     make(map[idSub]mapset.Set[int]),
		ixReferences:    make(map[idSub]mapset.Set[types.ID]),
		locked:          make(map[types.ID]int),
		structs:         structs,
		unique:          types.ID(idx + 1),
		lastID:          types.ID(math.MaxInt64 - int64(l.Servers) - 1),
		logger:          opts.Logger,
	}
}

// Structs exposes the struct type registry for this shard.
func (s *Store) Structs() *codec.StructRegistry { return s.structs }

// Size returns the number of live datums.
func (s *Store) Size() int { return len(s.data) }

// Create declares a new datum. User-facing ids must be positive; a
// DoubleDeclare is reported if the id already exists. A negative
// initial count is Invalid; creation with both initial counts zero is
// skipped: the datum is already dead.
func (s *Store) Create(id types.ID, t types.DataType, extra types.TypeExtra, props types.CreateProps) error {
	if id <= 0 {
		return types.Statusf(types.ErrInvalid, "create with id %d", id)
	}
	return s.create(id, t, extra, props)
}

// CreateSystem declares a system datum on a reserved negative id.
func (s *Store) CreateSystem(id types.ID, t types.DataType, extra types.TypeExtra, props types.CreateProps) error {
	if id >= 0 {
		return types.Statusf(types.ErrInvalid, "system create with id %d", id)
	}
	return s.create(id, t, extra, props)
}

func (s *Store) create(id types.ID, t types.DataType, extra types.TypeExtra, props types.CreateProps) error {
	if _, exists := s.data[id]; exists {
		return types.Statusf(types.ErrDoubleDeclare, "<%d> already exists", id)
	}
	if props.ReadRefcount < 0 || props.WriteRefcount < 0 {
		return types.Statusf(types.ErrInvalid,
			"initial refcounts (%d,%d) for <%d>",
			props.ReadRefcount, props.WriteRefcount, id)
	}
	if props.ReadRefcount == 0 && props.WriteRefcount == 0 {
		s.logger.Debug().Int64("id", int64(id)).Msg("skipped creation of dead datum")
		return nil
	}

	d := newDatum(t, props)
	switch t {
	case types.TypeContainer:
		if !extra.Valid {
			return types.Statusf(types.ErrInvalid, "container <%d> without key/value types", id)
		}
		d.value = codec.NewContainer(extra.KeyType, extra.ValType)
		d.set = true
	case types.TypeMultiset:
		if !extra.Valid {
			return types.Statusf(types.ErrInvalid, "multiset <%d> without element type", id)
		}
		d.value = codec.NewMultiset(extra.ElemType)
		d.set = true
	case types.TypeStruct:
		if extra.Valid && extra.StructType != types.NullStructType {
			if _, err := s.structs.FieldTypes(extra.StructType); err != nil {
				return err
			}
		}
	}
	s.data[id] = d
	s.logger.Debug().
		Int64("id", int64(id)).
		Stringer("type", t).
		Int("read", props.ReadRefcount).
		Int("write", props.WriteRefcount).
		Msg("created datum")
	return nil
}

// Unique mints the next fresh id in this server's stride.
func (s *Store) Unique() (types.ID, error) {
	if s.unique >= s.lastID {
		return types.NullID, types.Statusf(types.ErrLimit, "datum ids exhausted")
	}
	id := s.unique
	s.unique += types.ID(s.layout.Servers)
	return id, nil
}

// lookup returns the datum or a NotFound error.
func (s *Store) lookup(id types.ID) (*datum, error) {
	d, ok := s.data[id]
	if !ok {
		return nil, types.Statusf(types.ErrNotFound, "not found: <%d>", id)
	}
	return d, nil
}

// Exists reports whether the datum (or its subscript) holds a value.
func (s *Store) Exists(id types.ID, sub string) (bool, error) {
	d, ok := s.data[id]
	if sub == "" {
		return ok && d.set, nil
	}
	if !ok {
		return false, nil
	}
	c, ok := d.value.(*codec.Container)
	if !ok {
		return false, types.Statusf(types.ErrType, "expected <%d> to be container, had %s", id, d.dtype)
	}
	v, found := c.Lookup(sub)
	return found && v != nil, nil
}

// Typeof returns the datum's declared type.
func (s *Store) Typeof(id types.ID) (types.DataType, error) {
	if id == types.NullID {
		return types.TypeNull, types.Statusf(types.ErrNullID, "typeof null id")
	}
	d, err := s.lookup(id)
	if err != nil {
		return types.TypeNull, err
	}
	return d.dtype, nil
}

// ContainerTypeof returns the key and value types of a container.
func (s *Store) ContainerTypeof(id types.ID) (key, val types.DataType, err error) {
	d, err := s.lookup(id)
	if err != nil {
		return types.TypeNull, types.TypeNull, err
	}
	c, ok := d.value.(*codec.Container)
	if !ok {
		return types.TypeNull, types.TypeNull,
			types.Statusf(types.ErrType, "not a container: <%d>", id)
	}
	return c.KeyType, c.ValType, nil
}

// Permanent marks a datum permanent; it is never garbage-collected and
// read count changes no longer affect it.
func (s *Store) Permanent(id types.ID) error {
	d, err := s.lookup(id)
	if err != nil {
		return err
	}
	d.permanent = true
	return nil
}

// ContainerSize returns the member count of a container or multiset.
func (s *Store) ContainerSize(id types.ID) (int, error) {
	d, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	switch v := d.value.(type) {
	case *codec.Container:
		return v.Size(), nil
	case *codec.Multiset:
		return v.Size(), nil
	}
	return 0, types.Statusf(types.ErrType, "not a container or multiset: <%d>", id)
}

// Store assigns a value. Without a subscript it writes the scalar (or
// appends, for multisets). With a subscript it installs a container
// entry, filling a reserved unlinked cell if one exists. decr is
// applied to the datum afterwards; storeRefc scales the read references
// granted to referands of the value when pending container references
// are fulfilled.
func (s *Store) Store(id types.ID, sub string, t types.DataType, payload []byte,
	decr types.Refcounts, storeRefc types.Refcounts, notifs *notify.Batch) error {

	if len(payload) > types.DataMax {
		return types.Statusf(types.ErrLimit, "payload of %d bytes for <%d>", len(payload), id)
	}
	if len(sub) > types.SubscriptMax {
		return types.Statusf(types.ErrLimit, "subscript of %d bytes for <%d>", len(sub), id)
	}
	d, err := s.lookup(id)
	if err != nil {
		return err
	}
	if d.closed() {
		return types.Statusf(types.ErrDoubleWrite, "attempt to write closed datum <%d>", id)
	}

	freedDatum := false
	switch {
	case d.dtype == types.TypeMultiset:
		if sub != "" {
			return types.Statusf(types.ErrType, "subscript on multiset append to <%d>", id)
		}
		ms := d.value.(*codec.Multiset)
		if t != ms.ElemType {
			return types.Statusf(types.ErrType,
				"multiset element for <%d>: expected %s, got %s", id, ms.ElemType, t)
		}
		v, err := codec.Unpack(t, payload)
		if err != nil {
			return err
		}
		ms.Add(v)

	case sub == "":
		if t != d.dtype {
			return types.Statusf(types.ErrType,
				"store to <%d>: expected %s, got %s", id, d.dtype, t)
		}
		if d.set {
			return types.Statusf(types.ErrDoubleWrite, "already set: <%d>", id)
		}
		v, err := codec.Unpack(t, payload)
		if err != nil {
			return err
		}
		if sv, ok := v.(*codec.Struct); ok {
			if err := s.structs.Validate(sv); err != nil {
				return err
			}
		}
		d.value = v
		d.set = true

	default:
		c, ok := d.value.(*codec.Container)
		if !ok {
			return types.Statusf(types.ErrType, "not a container: <%d>", id)
		}
		if t != c.ValType {
			return types.Statusf(types.ErrType,
				"container value for <%d>: expected %s, got %s", id, c.ValType, t)
		}
		v, err := codec.Unpack(t, payload)
		if err != nil {
			return err
		}
		existing, found := c.Lookup(sub)
		if found {
			if existing != nil {
				return types.Statusf(types.ErrDoubleWrite, "already exists: <%d>[%s]", id, sub)
			}
			// Reserved by insert-atomic; fill the unlinked cell.
			c.SetUnlinked(sub, v)
		} else {
			c.Add(sub, v)
		}
		if err := s.insertNotifications(id, d, sub, v, payload, storeRefc, notifs, &freedDatum); err != nil {
			return err
		}
	}

	if decr.Read > 0 || decr.Write > 0 {
		if freedDatum {
			return types.Statusf(types.ErrRefcountNegative,
				"refcount decrement on destroyed datum <%d>", id)
		}
		if _, _, err := s.refcountImpl(id, d, decr.Negate(), NoScavenge, notifs); err != nil {
			return err
		}
	}
	return nil
}

// Retrieve packs the value of a datum or container entry, then applies
// the requested refcount side effects: a read increment on embedded
// referands followed by a decrement of the datum itself.
func (s *Store) Retrieve(id types.ID, sub string, refc types.RetrieveRefc,
	caller []byte, notifs *notify.Batch) (types.DataType, []byte, error) {

	d, ok := s.data[id]
	if !ok {
		return types.TypeNull, nil, types.Statusf(types.ErrNotFound, "not found: <%d>", id)
	}

	var (
		t   types.DataType
		val codec.Value
	)
	if sub == "" {
		t = d.dtype
		if !d.set {
			return types.TypeNull, nil, types.Statusf(types.ErrUnset, "not set: <%d>", id)
		}
		val = d.value
	} else {
		switch v := d.value.(type) {
		case *codec.Container:
			entry, found := v.Lookup(sub)
			if !found || entry == nil {
				return types.TypeNull, nil,
					types.Statusf(types.ErrSubscriptNotFound, "<%d>[%s]", id, sub)
			}
			t = v.ValType
			val = entry
		case *codec.Struct:
			ix, err := structFieldIndex(sub)
			if err != nil {
				return types.TypeNull, nil, err
			}
			if ix < 0 || ix >= len(v.Fields) {
				return types.TypeNull, nil,
					types.Statusf(types.ErrSubscriptNotFound, "<%d>[%s]", id, sub)
			}
			f := v.Fields[ix]
			if f.Value == nil {
				return types.TypeNull, nil, types.Statusf(types.ErrUnset, "<%d>[%s]", id, sub)
			}
			t = f.FieldType
			val = f.Value
		default:
			return types.TypeNull, nil,
				types.Statusf(types.ErrInvalid, "cannot look up subscript on type %s", d.dtype)
		}
	}

	packed, err := codec.PackInto(val, caller)
	if err != nil {
		return types.TypeNull, nil, err
	}

	if !refc.IncrReferand.IsNull() {
		if err := s.applyReferandChange(val, refc.IncrReferand, notifs); err != nil {
			return types.TypeNull, nil, err
		}
	}
	if !refc.DecrSelf.IsNull() {
		if _, _, err := s.refcountImpl(id, d, refc.DecrSelf.Negate(), NoScavenge, notifs); err != nil {
			return types.TypeNull, nil, err
		}
	}
	return t, packed, nil
}

func structFieldIndex(sub string) (int, error) {
	ix, err := strconv.Atoi(sub)
	if err != nil {
		return 0, types.Statusf(types.ErrNumberFormat, "struct subscript %q", sub)
	}
	return ix, nil
}

// Enumerate packs a stable linear slice of a container's or multiset's
// entries. A negative count means to the end. Keys are emitted as
// vint-prefixed bytes, values as packed entries. decr is applied at
// the end.
func (s *Store) Enumerate(id types.ID, count, offset int, includeKeys, includeVals bool,
	decr types.Refcounts, caller []byte, notifs *notify.Batch) (data []byte, actual int, keyType, valType types.DataType, err error) {

	d, err := s.lookup(id)
	if err != nil {
		return nil, 0, types.TypeNull, types.TypeNull, err
	}
	if offset < 0 {
		return nil, 0, types.TypeNull, types.TypeNull,
			types.Statusf(types.ErrInvalid, "enumerate offset %d", offset)
	}

	buf := codec.NewBuffer(caller)
	switch v := d.value.(type) {
	case *codec.Container:
		keyType, valType = v.KeyType, v.ValType
		seen := 0
		v.Each(func(key string, val codec.Value) bool {
			if val == nil {
				return true // reserved, nothing stored yet
			}
			if seen < offset {
				seen++
				return true
			}
			if count >= 0 && actual >= count {
				return false
			}
			seen++
			actual++
			if includeKeys {
				if err = codec.Append(types.TypeNull, []byte(key), true, buf); err != nil {
					return false
				}
			}
			if includeVals {
				if err = codec.PackBuffer(val, true, buf); err != nil {
					return false
				}
			}
			return true
		})
	case *codec.Multiset:
		if includeKeys {
			return nil, 0, types.TypeNull, types.TypeNull,
				types.Statusf(types.ErrType, "<%d> multiset has no keys to enumerate", id)
		}
		keyType, valType = types.TypeNull, v.ElemType
		for _, val := range v.Slice(offset, count) {
			actual++
			if includeVals {
				if err = codec.PackBuffer(val, true, buf); err != nil {
					break
				}
			}
		}
	default:
		return nil, 0, types.TypeNull, types.TypeNull,
			types.Statusf(types.ErrType, "enumeration of <%d> with type %s", id, d.dtype)
	}
	if err != nil {
		return nil, 0, types.TypeNull, types.TypeNull, err
	}

	if !decr.IsNull() {
		if _, _, err = s.refcountImpl(id, d, decr.Negate(), NoScavenge, notifs); err != nil {
			return nil, 0, types.TypeNull, types.TypeNull, err
		}
	}
	return buf.Bytes(), actual, keyType, valType, nil
}

// InsertAtomic reserves a container slot. An absent subscript gets the
// unlinked sentinel. A present but unlinked subscript reports
// created=true with the slot left as is; a linked one reports
// created=false and optionally returns the packed existing value.
func (s *Store) InsertAtomic(id types.ID, sub string, returnValue bool,
	caller []byte) (created, valuePresent bool, value []byte, valueType types.DataType, err error) {

	d, err := s.lookup(id)
	if err != nil {
		return false, false, nil, types.TypeNull, err
	}
	c, ok := d.value.(*codec.Container)
	if !ok {
		return false, false, nil, types.TypeNull,
			types.Statusf(types.ErrType, "not a container: <%d>", id)
	}
	if len(sub) > types.SubscriptMax {
		return false, false, nil, types.TypeNull,
			types.Statusf(types.ErrLimit, "subscript of %d bytes for <%d>", len(sub), id)
	}

	existing, found := c.Lookup(sub)
	if !found {
		c.Reserve(sub)
		return true, false, nil, types.TypeNull, nil
	}
	if existing == nil {
		return true, false, nil, types.TypeNull, nil
	}
	valueType = c.ValType
	if returnValue {
		value, err = codec.PackInto(existing, caller)
		if err != nil {
			return false, true, nil, types.TypeNull, err
		}
	}
	return false, true, value, valueType, nil
}

// Lock acquires the optional per-id mutex for application critical
// sections. It returns false when another rank holds the lock; the
// caller retries.
func (s *Store) Lock(id types.ID, rank int) (bool, error) {
	if _, err := s.lookup(id); err != nil {
		return false, err
	}
	if _, held := s.locked[id]; held {
		return false, nil
	}
	s.locked[id] = rank
	return true, nil
}

// Unlock releases a lock. Unlock by a non-holder is undefined; no
// owner identity is enforced.
func (s *Store) Unlock(id types.ID) error {
	if _, held := s.locked[id]; !held {
		return types.Statusf(types.ErrNotFound, "not locked: <%d>", id)
	}
	delete(s.locked, id)
	return nil
}
