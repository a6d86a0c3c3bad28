package codec

// Buffer accumulates packed bytes. It starts in a caller-supplied
// backing array when one is given and is used as long as it is large
// enough; once the codec has to grow past its capacity the buffer owns
// fresh storage and CallerOwned reports false.
type Buffer struct {
	data        []byte
	callerOwned bool
}

// NewBuffer returns a Buffer writing into caller's backing array.
// Pass nil to let the codec allocate.
func NewBuffer(caller []byte) *Buffer {
	if caller == nil {
		return &Buffer{}
	}
	return &Buffer{data: caller[:0], callerOwned: true}
}

// Len returns the number of bytes written.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the accumulated bytes.
func (b *Buffer) Bytes() []byte { return b.data }

// CallerOwned reports whether the bytes still live in the
// caller-supplied array.
func (b *Buffer) CallerOwned() bool { return b.callerOwned }

// grow makes room for n more bytes, switching to codec-owned storage
// when the caller's array is too small.
func (b *Buffer) grow(n int) {
	need := len(b.data) + n
	if need <= cap(b.data) {
		return
	}
	newCap := 2 * cap(b.data)
	if newCap < need {
		newCap = need
	}
	if newCap < 64 {
		newCap = 64
	}
	fresh := make([]byte, len(b.data), newCap)
	copy(fresh, b.data)
	b.data = fresh
	b.callerOwned = false
}

func (b *Buffer) append(p ...byte) {
	b.grow(len(p))
	b.data = append(b.data, p...)
}

func (b *Buffer) appendVint(x int64) {
	b.grow(VintMaxBytes)
	b.data = vintEncode(b.data, x)
}

// appendVintPadded writes x zero-padded to VintMaxBytes.
func (b *Buffer) appendVintPadded(x int64) {
	b.grow(VintMaxBytes)
	start := len(b.data)
	b.data = vintEncode(b.data, x)
	for len(b.data)-start < VintMaxBytes {
		b.data = append(b.data, 0)
	}
}
