package codec

import (
	"bytes"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/taskwire/taskwire/pkg/types"
)

// Value is the tagged variant over all datum storage types. Each arm
// owns its concrete storage; the codec serializes any Value to a
// self-describing byte payload and back.
type Value interface {
	Type() types.DataType
}

// Integer is a 64-bit signed integer value.
type Integer int64

// Float is a double-precision float value.
type Float float64

// String is a text value. On the wire it is length-prefixed and
// NUL-terminated.
type String string

// Blob is a raw byte value.
type Blob []byte

// Ref is a reference to another datum.
type Ref types.ID

func (Integer) Type() types.DataType { return types.TypeInteger }
func (Float) Type() types.DataType   { return types.TypeFloat }
func (String) Type() types.DataType  { return types.TypeString }
func (Blob) Type() types.DataType    { return types.TypeBlob }
func (Ref) Type() types.DataType     { return types.TypeRef }

// Container is a typed key/value collection. Member order is sorted by
// key, so enumeration is stable across calls when no writes intervene.
// A member holding a nil Value is an unlinked cell reserved by
// insert-atomic and may be filled later without a double-write error.
type Container struct {
	KeyType types.DataType
	ValType types.DataType
	members *treemap.Map // string key -> Value (nil = unlinked)
}

// NewContainer allocates an empty container shell.
func NewContainer(keyType, valType types.DataType) *Container {
	return &Container{
		KeyType: keyType,
		ValType: valType,
		members: treemap.NewWithStringComparator(),
	}
}

func (c *Container) Type() types.DataType { return types.TypeContainer }

// Size returns the member count, unlinked cells included.
func (c *Container) Size() int { return c.members.Size() }

// Lookup returns the member value for key. found reports whether the
// key is present at all; a present key with a nil value is unlinked.
func (c *Container) Lookup(key string) (v Value, found bool) {
	raw, found := c.members.Get(key)
	if !found {
		return nil, false
	}
	if raw == nil {
		return nil, true
	}
	return raw.(Value), true
}

// Add inserts a new member. The caller must have checked the key is
// absent.
func (c *Container) Add(key string, v Value) {
	c.members.Put(key, v)
}

// SetUnlinked fills a previously reserved unlinked cell.
func (c *Container) SetUnlinked(key string, v Value) {
	c.members.Put(key, v)
}

// Reserve installs the unlinked sentinel for key.
func (c *Container) Reserve(key string) {
	c.members.Put(key, nil)
}

// Each calls fn for every member in key order. Unlinked members are
// passed with a nil value.
func (c *Container) Each(fn func(key string, v Value) bool) {
	it := c.members.Iterator()
	for it.Next() {
		var v Value
		if raw := it.Value(); raw != nil {
			v = raw.(Value)
		}
		if !fn(it.Key().(string), v) {
			return
		}
	}
}

// Multiset is an append-only typed collection. Emission order is the
// append order, stable across enumerations absent intervening writes.
type Multiset struct {
	ElemType types.DataType
	elems    []Value
}

// NewMultiset allocates an empty multiset shell.
func NewMultiset(elemType types.DataType) *Multiset {
	return &Multiset{ElemType: elemType}
}

func (m *Multiset) Type() types.DataType { return types.TypeMultiset }

// Size returns the element count.
func (m *Multiset) Size() int { return len(m.elems) }

// Add appends an element.
func (m *Multiset) Add(v Value) { m.elems = append(m.elems, v) }

// Slice returns elements [offset, offset+count). A negative count means
// to the end.
func (m *Multiset) Slice(offset, count int) []Value {
	if offset >= len(m.elems) {
		return nil
	}
	end := len(m.elems)
	if count >= 0 && offset+count < end {
		end = offset + count
	}
	return m.elems[offset:end]
}

// Each calls fn for every element in append order.
func (m *Multiset) Each(fn func(v Value) bool) {
	for _, v := range m.elems {
		if !fn(v) {
			return
		}
	}
}

// Struct is a value with numbered fields of declared sub-types. The
// field layout comes from a StructRegistry entry.
type Struct struct {
	StructType int
	Fields     []StructField
}

// StructField is one struct slot; unset fields have a nil Value.
type StructField struct {
	FieldType types.DataType
	Value     Value
}

func (s *Struct) Type() types.DataType { return types.TypeStruct }

// Equal compares two values semantically: scalars by value, containers
// by (types, member multiset), multisets by (type, elements in append
// order), structs field by field.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type() != b.Type() {
		return false
	}
	switch av := a.(type) {
	case Integer:
		return av == b.(Integer)
	case Float:
		return av == b.(Float)
	case String:
		return av == b.(String)
	case Blob:
		return bytes.Equal(av, b.(Blob))
	case Ref:
		return av == b.(Ref)
	case *Container:
		bv := b.(*Container)
		if av.KeyType != bv.KeyType || av.ValType != bv.ValType ||
			av.Size() != bv.Size() {
			return false
		}
		equal := true
		av.Each(func(key string, v Value) bool {
			other, found := bv.Lookup(key)
			if !found || !Equal(v, other) {
				equal = false
				return false
			}
			return true
		})
		return equal
	case *Multiset:
		bv := b.(*Multiset)
		if av.ElemType != bv.ElemType || av.Size() != bv.Size() {
			return false
		}
		// Append order is part of the packed form, so compare in order.
		for i := range av.elems {
			if !Equal(av.elems[i], bv.elems[i]) {
				return false
			}
		}
		return true
	case *Struct:
		bv := b.(*Struct)
		if av.StructType != bv.StructType || len(av.Fields) != len(bv.Fields) {
			return false
		}
		for i := range av.Fields {
			if av.Fields[i].FieldType != bv.Fields[i].FieldType ||
				!Equal(av.Fields[i].Value, bv.Fields[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}
