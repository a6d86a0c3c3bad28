package codec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskwire/taskwire/pkg/types"
)

func TestScalarRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{"integer zero", Integer(0)},
		{"integer negative", Integer(-123456789)},
		{"integer max", Integer(math.MaxInt64)},
		{"float", Float(3.14159)},
		{"float negative zero", Float(math.Copysign(0, -1))},
		{"string empty", String("")},
		{"string", String("hello world")},
		{"string with nul", String("a\x00b")},
		{"blob empty", Blob{}},
		{"blob", Blob{0xde, 0xad, 0xbe, 0xef}},
		{"ref", Ref(42)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := Pack(tt.value)
			require.NoError(t, err)
			got, err := Unpack(tt.value.Type(), packed)
			require.NoError(t, err)
			assert.True(t, Equal(tt.value, got), "expected %v, got %v", tt.value, got)
		})
	}
}

func TestStringPackIncludesTerminator(t *testing.T) {
	packed, err := Pack(String("abc"))
	require.NoError(t, err)
	require.Len(t, packed, 4)
	assert.Equal(t, byte(0), packed[3])
}

func TestContainerRoundTrip(t *testing.T) {
	c := NewContainer(types.TypeString, types.TypeInteger)
	c.Add("a", Integer(1))
	c.Add("b", Integer(2))
	c.Add("longer key with spaces", Integer(-3))

	packed, err := Pack(c)
	require.NoError(t, err)
	got, err := Unpack(types.TypeContainer, packed)
	require.NoError(t, err)
	assert.True(t, Equal(c, got))
}

func TestContainerSkipsUnlinked(t *testing.T) {
	c := NewContainer(types.TypeString, types.TypeInteger)
	c.Add("a", Integer(1))
	c.Reserve("pending")

	packed, err := Pack(c)
	require.NoError(t, err)
	got, err := Unpack(types.TypeContainer, packed)
	require.NoError(t, err)

	gc := got.(*Container)
	assert.Equal(t, 1, gc.Size())
	_, found := gc.Lookup("pending")
	assert.False(t, found)
}

func TestNestedContainerRoundTrip(t *testing.T) {
	inner := NewContainer(types.TypeString, types.TypeInteger)
	inner.Add("x", Integer(10))
	outer := NewContainer(types.TypeString, types.TypeContainer)
	outer.Add("in", inner)

	packed, err := Pack(outer)
	require.NoError(t, err)
	got, err := Unpack(types.TypeContainer, packed)
	require.NoError(t, err)
	assert.True(t, Equal(outer, got))
}

func TestMultisetRoundTrip(t *testing.T) {
	m := NewMultiset(types.TypeString)
	m.Add(String("one"))
	m.Add(String("two"))
	m.Add(String("one")) // duplicates allowed

	packed, err := Pack(m)
	require.NoError(t, err)
	got, err := Unpack(types.TypeMultiset, packed)
	require.NoError(t, err)
	assert.True(t, Equal(m, got))
}

func TestStructRoundTrip(t *testing.T) {
	s := &Struct{
		StructType: 7,
		Fields: []StructField{
			{FieldType: types.TypeInteger, Value: Integer(5)},
			{FieldType: types.TypeString, Value: String("f")},
			{FieldType: types.TypeFloat}, // unset
			{FieldType: types.TypeRef, Value: Ref(99)},
		},
	}
	packed, err := Pack(s)
	require.NoError(t, err)
	got, err := Unpack(types.TypeStruct, packed)
	require.NoError(t, err)
	assert.True(t, Equal(s, got))
}

// TestRandomRoundTrip packs and unpacks randomly generated values of
// every type.
func TestRandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		v := randomValue(rng, 2)
		packed, err := Pack(v)
		require.NoError(t, err)
		got, err := Unpack(v.Type(), packed)
		require.NoError(t, err, "type %s", v.Type())
		assert.True(t, Equal(v, got), "round trip of %s changed value", v.Type())
	}
}

func randomValue(rng *rand.Rand, depth int) Value {
	max := 7
	if depth == 0 {
		max = 5 // scalars only
	}
	switch rng.Intn(max) {
	case 0:
		return Integer(rng.Int63() - rng.Int63())
	case 1:
		return Float(rng.NormFloat64())
	case 2:
		return String(randomKey(rng))
	case 3:
		b := make(Blob, rng.Intn(32))
		rng.Read(b)
		return b
	case 4:
		return Ref(rng.Int63n(1000) + 1)
	case 5:
		c := NewContainer(types.TypeString, types.TypeInteger)
		for i := rng.Intn(8); i > 0; i-- {
			c.Add(randomKey(rng), Integer(rng.Int63()))
		}
		return c
	default:
		m := NewMultiset(types.TypeBlob)
		for i := rng.Intn(8); i > 0; i-- {
			b := make(Blob, rng.Intn(16))
			rng.Read(b)
			m.Add(b)
		}
		return m
	}
}

func randomKey(rng *rand.Rand) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := rng.Intn(12) + 1
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rng.Intn(len(letters))]
	}
	return string(b)
}

func TestBufferOwnership(t *testing.T) {
	// A caller-supplied buffer is used while it is large enough.
	buf := NewBuffer(make([]byte, 0, 64))
	require.NoError(t, PackBuffer(Integer(7), false, buf))
	assert.True(t, buf.CallerOwned())
	assert.Equal(t, 8, buf.Len())

	// Growing past its capacity hands ownership to the codec.
	small := NewBuffer(make([]byte, 0, 8))
	require.NoError(t, PackBuffer(Blob(make([]byte, 256)), false, small))
	assert.False(t, small.CallerOwned())
	assert.Equal(t, 256, small.Len())
}

func TestUnpackEntryIteration(t *testing.T) {
	buf := NewBuffer(nil)
	require.NoError(t, PackBuffer(Integer(1), true, buf))
	require.NoError(t, PackBuffer(Integer(2), true, buf))
	require.NoError(t, PackBuffer(Integer(3), true, buf))

	data := buf.Bytes()
	pos := 0
	var got []int64
	for {
		entry, next, err := UnpackEntry(types.TypeInteger, data, pos)
		if types.IsStatus(err, types.StatusDone) {
			break
		}
		require.NoError(t, err)
		v, err := Unpack(types.TypeInteger, entry)
		require.NoError(t, err)
		got = append(got, int64(v.(Integer)))
		pos = next
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestPaddedPrefixForCompound(t *testing.T) {
	c := NewContainer(types.TypeString, types.TypeInteger)
	c.Add("k", Integer(1))

	buf := NewBuffer(nil)
	require.NoError(t, PackBuffer(c, true, buf))

	inner, err := Pack(c)
	require.NoError(t, err)
	// Padded prefix is always VintMaxBytes wide.
	assert.Equal(t, VintMaxBytes+len(inner), buf.Len())

	entry, _, err := UnpackEntry(types.TypeContainer, buf.Bytes(), 0)
	require.NoError(t, err)
	assert.Equal(t, inner, entry)
}

func TestUnpackRejectsTruncated(t *testing.T) {
	packed, err := Pack(Integer(1))
	require.NoError(t, err)
	_, err = Unpack(types.TypeInteger, packed[:4])
	assert.True(t, types.IsStatus(err, types.ErrInvalid))

	_, err = Unpack(types.TypeString, []byte("no terminator"))
	assert.True(t, types.IsStatus(err, types.ErrInvalid))
}
