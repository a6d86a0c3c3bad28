package comm

import (
	"encoding/binary"

	"github.com/taskwire/taskwire/pkg/types"
)

// Little-endian packed records. Every header is matched 1:1 with a
// reply tag; variable parts (subscripts, payloads) are length-prefixed
// within the record.

type writer struct {
	b []byte
}

func (w *writer) i32(v int32) {
	w.b = binary.LittleEndian.AppendUint32(w.b, uint32(v))
}

func (w *writer) i64(v int64) {
	w.b = binary.LittleEndian.AppendUint64(w.b, uint64(v))
}

func (w *writer) u32(v uint32) {
	w.b = binary.LittleEndian.AppendUint32(w.b, v)
}

func (w *writer) flag(v bool) {
	if v {
		w.b = append(w.b, 1)
	} else {
		w.b = append(w.b, 0)
	}
}

func (w *writer) bytes(p []byte) {
	w.i32(int32(len(p)))
	w.b = append(w.b, p...)
}

func (w *writer) str(s string) {
	w.i32(int32(len(s)))
	w.b = append(w.b, s...)
}

type reader struct {
	b   []byte
	pos int
	err error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = types.Statusf(types.ErrInvalid, "truncated record")
	}
}

func (r *reader) i32() int32 {
	if r.err != nil || r.pos+4 > len(r.b) {
		r.fail()
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.b[r.pos:]))
	r.pos += 4
	return v
}

func (r *reader) i64() int64 {
	if r.err != nil || r.pos+8 > len(r.b) {
		r.fail()
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(r.b[r.pos:]))
	r.pos += 8
	return v
}

func (r *reader) u32() uint32 {
	return uint32(r.i32())
}

func (r *reader) flag() bool {
	if r.err != nil || r.pos+1 > len(r.b) {
		r.fail()
		return false
	}
	v := r.b[r.pos] != 0
	r.pos++
	return v
}

func (r *reader) bytes() []byte {
	n := r.i32()
	if r.err != nil || n < 0 || r.pos+int(n) > len(r.b) {
		r.fail()
		return nil
	}
	p := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return p
}

func (r *reader) str() string {
	return string(r.bytes())
}

func (w *writer) refc(rc types.Refcounts) {
	w.i32(int32(rc.Read))
	w.i32(int32(rc.Write))
}

func (r *reader) refc() types.Refcounts {
	return types.Refcounts{Read: int(r.i32()), Write: int(r.i32())}
}

func (w *writer) status(s types.Status) { w.i32(int32(s)) }

func (r *reader) status() types.Status { return types.Status(r.i32()) }
