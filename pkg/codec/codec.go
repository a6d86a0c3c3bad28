package codec

import (
	"encoding/binary"
	"math"

	"github.com/taskwire/taskwire/pkg/types"
)

// PadSize reports whether payloads of this type carry a fixed-width
// padded length prefix. Compound payloads reserve the full prefix width
// up front so nested payloads can be appended in a single pass and the
// final length patched in afterwards.
func PadSize(t types.DataType) bool {
	return t == types.TypeContainer || t == types.TypeMultiset
}

// Pack serializes a value to a fresh payload with no outer length
// prefix.
func Pack(v Value) ([]byte, error) {
	return PackInto(v, nil)
}

// PackInto serializes a value, writing into caller when it is large
// enough. The returned slice aliases caller iff the payload fit.
func PackInto(v Value, caller []byte) ([]byte, error) {
	buf := NewBuffer(caller)
	if err := PackBuffer(v, false, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackBuffer appends the serialized form of v to buf. When prefixLen is
// set the payload is preceded by its byte length: plain vint for
// scalars, zero-padded to VintMaxBytes for compound types.
func PackBuffer(v Value, prefixLen bool, buf *Buffer) error {
	if v == nil {
		return types.Statusf(types.ErrInvalid, "pack of nil value")
	}
	t := v.Type()
	if PadSize(t) {
		start := buf.Len()
		if prefixLen {
			buf.appendVintPadded(0)
		}
		var err error
		switch cv := v.(type) {
		case *Container:
			err = packContainer(cv, buf)
		case *Multiset:
			err = packMultiset(cv, buf)
		}
		if err != nil {
			return err
		}
		if prefixLen {
			// Patch the actual size into the reserved prefix.
			payloadLen := buf.Len() - start - VintMaxBytes
			vintPut(buf.Bytes(), start, int64(payloadLen))
		}
		return nil
	}

	raw, err := packScalar(v)
	if err != nil {
		return err
	}
	return Append(t, raw, prefixLen, buf)
}

// Append adds a pre-packed payload of the given type to buf, with an
// optional length prefix (padded when the type requires it).
func Append(t types.DataType, data []byte, prefixLen bool, buf *Buffer) error {
	if len(data) > types.DataMax {
		return types.Statusf(types.ErrLimit, "payload of %d bytes exceeds limit", len(data))
	}
	if prefixLen {
		if PadSize(t) {
			buf.appendVintPadded(int64(len(data)))
		} else {
			buf.appendVint(int64(len(data)))
		}
	}
	buf.append(data...)
	return nil
}

func packScalar(v Value) ([]byte, error) {
	switch cv := v.(type) {
	case Integer:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(cv))
		return b[:], nil
	case Ref:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(cv))
		return b[:], nil
	case Float:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(float64(cv)))
		return b[:], nil
	case String:
		// Length includes the NUL terminator.
		b := make([]byte, len(cv)+1)
		copy(b, cv)
		return b, nil
	case Blob:
		return cv, nil
	case *Struct:
		return packStruct(cv)
	}
	return nil, types.Statusf(types.ErrType, "cannot serialize type %s", v.Type())
}

func packContainer(c *Container, buf *Buffer) error {
	// Header: key type, value type, linked member count. Unlinked
	// reservations have no value yet and are not part of the payload.
	linked := 0
	c.Each(func(_ string, v Value) bool {
		if v != nil {
			linked++
		}
		return true
	})
	buf.appendVint(int64(c.KeyType))
	buf.appendVint(int64(c.ValType))
	buf.appendVint(int64(linked))

	var err error
	c.Each(func(key string, v Value) bool {
		if v == nil {
			return true
		}
		buf.appendVint(int64(len(key)))
		buf.append([]byte(key)...)
		err = PackBuffer(v, true, buf)
		return err == nil
	})
	return err
}

func packMultiset(m *Multiset, buf *Buffer) error {
	buf.appendVint(int64(m.ElemType))
	buf.appendVint(int64(m.Size()))
	var err error
	m.Each(func(v Value) bool {
		err = PackBuffer(v, true, buf)
		return err == nil
	})
	return err
}

func packStruct(s *Struct) ([]byte, error) {
	buf := NewBuffer(nil)
	buf.appendVint(int64(s.StructType))
	buf.appendVint(int64(len(s.Fields)))
	for _, f := range s.Fields {
		buf.appendVint(int64(f.FieldType))
		if f.Value == nil {
			buf.append(0)
			continue
		}
		buf.append(1)
		if err := PackBuffer(f.Value, true, buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Unpack deserializes a payload of the given type. String and blob
// storage is copied out of data, so the caller keeps ownership of its
// buffer.
func Unpack(t types.DataType, data []byte) (Value, error) {
	switch t {
	case types.TypeInteger:
		if len(data) != 8 {
			return nil, types.Statusf(types.ErrInvalid, "integer payload of %d bytes", len(data))
		}
		return Integer(binary.LittleEndian.Uint64(data)), nil
	case types.TypeRef:
		if len(data) != 8 {
			return nil, types.Statusf(types.ErrInvalid, "ref payload of %d bytes", len(data))
		}
		return Ref(binary.LittleEndian.Uint64(data)), nil
	case types.TypeFloat:
		if len(data) != 8 {
			return nil, types.Statusf(types.ErrInvalid, "float payload of %d bytes", len(data))
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(data))), nil
	case types.TypeString:
		if len(data) < 1 || data[len(data)-1] != 0 {
			return nil, types.Statusf(types.ErrInvalid, "string payload missing terminator")
		}
		return String(string(data[:len(data)-1])), nil
	case types.TypeBlob:
		return Blob(append([]byte(nil), data...)), nil
	case types.TypeContainer:
		c, pos, err := unpackContainer(data, 0)
		if err != nil {
			return nil, err
		}
		if pos != len(data) {
			return nil, types.Statusf(types.ErrInvalid, "%d trailing bytes after container", len(data)-pos)
		}
		return c, nil
	case types.TypeMultiset:
		m, pos, err := unpackMultiset(data, 0)
		if err != nil {
			return nil, err
		}
		if pos != len(data) {
			return nil, types.Statusf(types.ErrInvalid, "%d trailing bytes after multiset", len(data)-pos)
		}
		return m, nil
	case types.TypeStruct:
		return unpackStruct(data)
	}
	return nil, types.Statusf(types.ErrType, "cannot deserialize type %s", t)
}

// UnpackEntry reads one length-prefixed entry of the given type from
// data at pos. It returns the entry payload (aliasing data) and the
// position after the entry. At end of buffer it returns StatusDone.
func UnpackEntry(t types.DataType, data []byte, pos int) (entry []byte, next int, err error) {
	if pos >= len(data) {
		return nil, pos, types.Statusf(types.StatusDone, "end of buffer")
	}
	length, vlen, err := vintDecode(data, pos)
	if err != nil {
		return nil, 0, err
	}
	if length < 0 {
		return nil, 0, types.Statusf(types.ErrInvalid, "entry length %d", length)
	}
	if PadSize(t) {
		vlen = VintMaxBytes
	}
	start := pos + vlen
	if start+int(length) > len(data) {
		return nil, 0, types.Statusf(types.ErrInvalid,
			"entry of %d bytes exceeds %d remaining", length, len(data)-start)
	}
	return data[start : start+int(length)], start + int(length), nil
}

func unpackContainer(data []byte, pos int) (*Container, int, error) {
	keyType, n, err := vintDecode(data, pos)
	if err != nil {
		return nil, 0, err
	}
	pos += n
	valType, n, err := vintDecode(data, pos)
	if err != nil {
		return nil, 0, err
	}
	pos += n
	elems, n, err := vintDecode(data, pos)
	if err != nil {
		return nil, 0, err
	}
	pos += n

	c := NewContainer(types.DataType(keyType), types.DataType(valType))
	for i := int64(0); i < elems; i++ {
		keyLen, n, err := vintDecode(data, pos)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		if pos+int(keyLen) > len(data) {
			return nil, 0, types.Statusf(types.ErrInvalid, "truncated container key")
		}
		key := string(data[pos : pos+int(keyLen)])
		pos += int(keyLen)

		entry, next, err := UnpackEntry(c.ValType, data, pos)
		if err != nil {
			return nil, 0, err
		}
		pos = next
		v, err := Unpack(c.ValType, entry)
		if err != nil {
			return nil, 0, err
		}
		c.Add(key, v)
	}
	return c, pos, nil
}

func unpackMultiset(data []byte, pos int) (*Multiset, int, error) {
	elemType, n, err := vintDecode(data, pos)
	if err != nil {
		return nil, 0, err
	}
	pos += n
	elems, n, err := vintDecode(data, pos)
	if err != nil {
		return nil, 0, err
	}
	pos += n

	m := NewMultiset(types.DataType(elemType))
	for i := int64(0); i < elems; i++ {
		entry, next, err := UnpackEntry(m.ElemType, data, pos)
		if err != nil {
			return nil, 0, err
		}
		pos = next
		v, err := Unpack(m.ElemType, entry)
		if err != nil {
			return nil, 0, err
		}
		m.Add(v)
	}
	return m, pos, nil
}

func unpackStruct(data []byte) (*Struct, error) {
	pos := 0
	structType, n, err := vintDecode(data, pos)
	if err != nil {
		return nil, err
	}
	pos += n
	nfields, n, err := vintDecode(data, pos)
	if err != nil {
		return nil, err
	}
	pos += n

	s := &Struct{StructType: int(structType), Fields: make([]StructField, nfields)}
	for i := int64(0); i < nfields; i++ {
		fieldType, n, err := vintDecode(data, pos)
		if err != nil {
			return nil, err
		}
		pos += n
		if pos >= len(data) {
			return nil, types.Statusf(types.ErrInvalid, "truncated struct field flag")
		}
		set := data[pos] != 0
		pos++
		s.Fields[i].FieldType = types.DataType(fieldType)
		if !set {
			continue
		}
		entry, next, err := UnpackEntry(types.DataType(fieldType), data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		v, err := Unpack(types.DataType(fieldType), entry)
		if err != nil {
			return nil, err
		}
		s.Fields[i].Value = v
	}
	if pos != len(data) {
		return nil, types.Statusf(types.ErrInvalid, "%d trailing bytes after struct", len(data)-pos)
	}
	return s, nil
}
