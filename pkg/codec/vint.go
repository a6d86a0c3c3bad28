package codec

import "github.com/taskwire/taskwire/pkg/types"

// Variable-length unsigned integer encoding used for all length and
// count fields in packed payloads. Compound payloads (container,
// multiset) are prefixed with a length field padded to VintMaxBytes so
// the prefix can be patched in after the payload is appended.

// VintMaxBytes is the fixed width of a padded vint field.
const VintMaxBytes = 5

// vintEncode appends the encoding of x to b and returns the extended
// slice. x must be non-negative.
func vintEncode(b []byte, x int64) []byte {
	u := uint64(x)
	for u >= 0x80 {
		b = append(b, byte(u)|0x80)
		u >>= 7
	}
	return append(b, byte(u))
}

// vintPut writes the encoding of x at b[pos:], which must have room,
// and returns the number of bytes written.
func vintPut(b []byte, pos int, x int64) int {
	u := uint64(x)
	n := 0
	for u >= 0x80 {
		b[pos+n] = byte(u) | 0x80
		u >>= 7
		n++
	}
	b[pos+n] = byte(u)
	return n + 1
}

// vintDecode reads a vint at b[pos:] and returns the value and the
// number of bytes consumed.
func vintDecode(b []byte, pos int) (int64, int, error) {
	var u uint64
	var shift uint
	for i := 0; ; i++ {
		if pos+i >= len(b) || i >= 10 {
			return 0, 0, types.Statusf(types.ErrInvalid, "truncated vint")
		}
		c := b[pos+i]
		u |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return int64(u), i + 1, nil
		}
		shift += 7
	}
}
