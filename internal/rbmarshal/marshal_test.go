package rbmarshal

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gemVersion(v string) *UserMarshal {
	return &UserMarshal{Class: "Gem::Version", Data: []any{v}}
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// specsFixture 是 Ruby 对 [["a", Gem::Version.new("1.0"), "ruby"]] 的 Marshal.dump 结果。
var specsFixture = concat(
	[]byte{0x04, 0x08, '[', 0x06, '[', 0x08},
	[]byte{'I', '"', 0x06, 'a', 0x06, ':', 0x06, 'E', 'T'},
	[]byte{'U', ':', 0x11}, []byte("Gem::Version"),
	[]byte{'[', 0x06, 'I', '"', 0x08}, []byte("1.0"), []byte{0x06, ';', 0x00, 'T'},
	[]byte{'I', '"', 0x09}, []byte("ruby"), []byte{0x06, ';', 0x00, 'T'},
)

func TestMarshalSpecsIndexBytes(t *testing.T) {
	got, err := Marshal([]any{[]any{"a", gemVersion("1.0"), "ruby"}})
	require.NoError(t, err)
	assert.Equal(t, specsFixture, got)
}

func TestUnmarshalSpecsIndex(t *testing.T) {
	v, err := Unmarshal(specsFixture)
	require.NoError(t, err)

	entries, ok := v.([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	tuple := entries[0].([]any)
	assert.Equal(t, "a", tuple[0])
	version := tuple[1].(*UserMarshal)
	assert.Equal(t, "Gem::Version", version.Class)
	assert.Equal(t, []any{"1.0"}, version.Data)
	assert.Equal(t, "ruby", tuple[2])
}

func TestEmptyArray(t *testing.T) {
	got, err := Marshal([]any{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x08, '[', 0x00}, got)

	v, err := Unmarshal(got)
	require.NoError(t, err)
	assert.Equal(t, []any{}, v)
}

func TestLongEncoding(t *testing.T) {
	cases := map[int][]byte{
		0:      {0x00},
		1:      {0x06},
		122:    {0x7f},
		123:    {0x01, 0x7b},
		255:    {0x01, 0xff},
		256:    {0x02, 0x00, 0x01},
		-1:     {0xfa},
		-123:   {0x80},
		-124:   {0xff, 0x84},
		-256:   {0xff, 0x00},
		-257:   {0xfe, 0xff, 0xfe},
		65536:  {0x03, 0x00, 0x00, 0x01},
		1 << 30: {0x04, 0x00, 0x00, 0x00, 0x40},
	}
	for n, want := range cases {
		got, err := Marshal(n)
		require.NoError(t, err)
		assert.Equal(t, append([]byte{0x04, 0x08, 'i'}, want...), got, n)

		back, err := Unmarshal(got)
		require.NoError(t, err)
		assert.Equal(t, n, back, n)
	}
}

func TestBignumRoundTrip(t *testing.T) {
	huge, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)
	for _, v := range []*big.Int{huge, new(big.Int).Neg(huge)} {
		data, err := Marshal(v)
		require.NoError(t, err)
		back, err := Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, 0, v.Cmp(back.(*big.Int)))
	}

	data, err := Marshal(int64(1) << 40)
	require.NoError(t, err)
	assert.Equal(t, byte('l'), data[2])
	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, int64(1)<<40, back)
}

func TestStringEncodings(t *testing.T) {
	ascii, err := Marshal(ASCIIString("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x08, 'I', '"', 0x06, 'x', 0x06, ':', 0x06, 'E', 'F'}, ascii)

	binary, err := Marshal(Binary("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x08, '"', 0x06, 'x'}, binary)

	for _, data := range [][]byte{ascii, binary} {
		v, err := Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, "x", v)
	}
}

func TestSymbolLinksAcrossValues(t *testing.T) {
	value := []any{Symbol("name"), Symbol("name"), &Object{Class: "Foo", Ivars: []Pair{{Key: Symbol("@name"), Value: Symbol("name")}}}}
	data, err := Marshal(value)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(data, []byte(":\x09name")), "repeated :name must be a symlink")

	back, err := Unmarshal(data)
	require.NoError(t, err)
	arr := back.([]any)
	assert.Equal(t, Symbol("name"), arr[1])
	obj := arr[2].(*Object)
	assert.Equal(t, "Foo", obj.Class)
	assert.Equal(t, Symbol("name"), obj.Ivars[0].Value)
}

func TestObjectLinks(t *testing.T) {
	// [s, s]，第二个元素通过 @ 引用同一字符串对象（索引 1，索引 0 为数组本身）。
	data := []byte{0x04, 0x08, '[', 0x07, 'I', '"', 0x06, 'a', 0x06, ':', 0x06, 'E', 'T', '@', 0x06}
	v, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "a"}, v)

	// U 对象在内部数据之前登记。
	data = concat(
		[]byte{0x04, 0x08, '[', 0x07, 'U', ':', 0x11}, []byte("Gem::Version"),
		[]byte{'[', 0x06, 'I', '"', 0x08}, []byte("1.0"), []byte{0x06, ':', 0x06, 'E', 'T'},
		[]byte{'@', 0x06},
	)
	v, err = Unmarshal(data)
	require.NoError(t, err)
	arr := v.([]any)
	assert.Same(t, arr[0], arr[1])
}

func TestHashAndScalars(t *testing.T) {
	h := &Hash{Pairs: []Pair{{Key: "a", Value: nil}, {Key: Symbol("b"), Value: true}, {Key: 1, Value: false}, {Key: "f", Value: 1.5}}}
	data, err := Marshal(h)
	require.NoError(t, err)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	got := back.(*Hash)
	require.Len(t, got.Pairs, 4)
	v, ok := got.Get(Symbol("b"))
	assert.True(t, ok)
	assert.Equal(t, true, v)
	v, _ = got.Get("f")
	assert.Equal(t, 1.5, v)
	_, ok = got.Get("missing")
	assert.False(t, ok)
}

func TestUserDefined(t *testing.T) {
	data, err := Marshal(&UserDefined{Class: "Gem::Specification", Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	back, err := Unmarshal(data)
	require.NoError(t, err)
	ud := back.(*UserDefined)
	assert.Equal(t, "Gem::Specification", ud.Class)
	assert.Equal(t, []byte{1, 2, 3}, ud.Data)
}

func TestDecoderErrors(t *testing.T) {
	_, err := Unmarshal([]byte{0x03, 0x00, '0'})
	assert.ErrorIs(t, err, ErrVersion)

	var syntax *SyntaxError
	_, err = Unmarshal(specsFixture[:len(specsFixture)-3])
	assert.True(t, errors.As(err, &syntax))

	_, err = Unmarshal([]byte{0x04, 0x08, ';', 0x06})
	assert.True(t, errors.As(err, &syntax))

	_, err = Unmarshal([]byte{0x04, 0x08, '@', 0x00})
	assert.True(t, errors.As(err, &syntax))

	_, err = Unmarshal([]byte{0x04, 0x08, 'Z'})
	assert.True(t, errors.As(err, &syntax))
}

func TestDecoderRejectsTruncatedLengths(t *testing.T) {
	huge := []byte{0x04, 0xff, 0xff, 0xff, 0xff}
	cases := map[string][]byte{
		"array":  concat([]byte{0x04, 0x08, '['}, huge),
		"hash":   concat([]byte{0x04, 0x08, '{'}, huge),
		"string": concat([]byte{0x04, 0x08, '"'}, huge, []byte("abc")),
		"symbol": concat([]byte{0x04, 0x08, ':'}, huge),
		"bignum": concat([]byte{0x04, 0x08, 'l', '+'}, huge, []byte{0x01, 0x02}),
		"ivars":  concat([]byte{0x04, 0x08, 'I', '"', 0x06, 'a'}, huge),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal(data)
			var syntax *SyntaxError
			require.Error(t, err)
			assert.True(t, errors.As(err, &syntax), "%v", err)
		})
	}
}

func TestEncoderRejectsUnknownTypes(t *testing.T) {
	_, err := Marshal(struct{}{})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDecoderReadsConsecutiveDocuments(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode("first"))
	require.NoError(t, enc.Encode(Symbol("second")))

	dec := NewDecoder(&buf)
	v, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "first", v)
	v, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, Symbol("second"), v)
}
