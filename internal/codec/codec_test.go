package codec

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	values := []Value{
		String("HelloWorld"),
		String(""),
		String("ünïcødé ✓"),
		Boolean(true),
		Boolean(false),
		Byte(math.MinInt8),
		Byte(math.MaxInt8),
		Short(-12345),
		Integer(math.MaxInt32),
		Long(math.MinInt64),
		Float(3.14159),
		Float(-0.5),
		Double(2.718281828459045),
		Double(1e300),
		Character('x'),
		Character('€'),
		ByteArray{0x00, 0xff, 0x10, 0x7f},
		StructuredArray{"a", json.Number("1"), true, nil, map[string]any{"k": "v"}},
		StructuredObject{"name": "bridge", "count": json.Number("42"), "tags": []any{"x", "<y>"}},
	}

	for _, v := range values {
		t.Run(v.Tag().String(), func(t *testing.T) {
			encoded, err := Encode(v)
			require.NoError(t, err)

			decoded, err := Decode(encoded, v.Tag())
			require.NoError(t, err)
			assert.Equal(t, v, decoded)
		})
	}
}

func TestDecodeBooleanIsLenient(t *testing.T) {
	cases := map[string]bool{
		"true":  true,
		"TRUE":  true,
		"tRuE":  true,
		"false": false,
		"yes":   false,
		"1":     false,
		"":      false,
		"true ": false,
	}

	for input, want := range cases {
		v, err := Decode([]byte(input), TagBoolean)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, Boolean(want), v, "input %q", input)
	}
}

func TestDecodeCharacterTakesFirstRune(t *testing.T) {
	v, err := Decode([]byte("héllo"), TagCharacter)
	require.NoError(t, err)
	assert.Equal(t, Character('h'), v)

	v, err = Decode([]byte("€uro"), TagCharacter)
	require.NoError(t, err)
	assert.Equal(t, Character('€'), v)
}

func TestDecodeByteArrayPassesThrough(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	v, err := Decode(raw, TagByteArray)
	require.NoError(t, err)
	assert.Equal(t, ByteArray(raw), v)
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
		tag   Tag
	}{
		{"byte overflow", "128", TagByte},
		{"short overflow", "40000", TagShort},
		{"integer not a number", "forty-two", TagInteger},
		{"integer overflow", "2147483648", TagInteger},
		{"long with spaces", " 12", TagLong},
		{"long decimal", "1.5", TagLong},
		{"float garbage", "1.2.3", TagFloat},
		{"double empty", "", TagDouble},
		{"empty character", "", TagCharacter},
		{"array malformed", "[1, 2", TagStructuredArray},
		{"array given object", `{"a":1}`, TagStructuredArray},
		{"object given array", `[1]`, TagStructuredObject},
		{"object null", `null`, TagStructuredObject},
		{"object trailing data", `{"a":1} {"b":2}`, TagStructuredObject},
		{"unknown tag", "x", Tag(99)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.input), tc.tag)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode))

			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, tc.tag, decodeErr.Tag)
			assert.Equal(t, tc.input, decodeErr.Input)
		})
	}
}

func TestDecodeNumericAcceptsSigns(t *testing.T) {
	v, err := Decode([]byte("+17"), TagInteger)
	require.NoError(t, err)
	assert.Equal(t, Integer(17), v)

	v, err = Decode([]byte("-9"), TagByte)
	require.NoError(t, err)
	assert.Equal(t, Byte(-9), v)
}

func TestEncodeCanonicalForms(t *testing.T) {
	cases := []struct {
		value Value
		want  string
	}{
		{Boolean(true), "true"},
		{Integer(-42), "-42"},
		{Double(0.1), "0.1"},
		{Float(1.5), "1.5"},
		{Character('Z'), "Z"},
		{StructuredObject{"html": "<b>"}, `{"html":"<b>"}`},
		{StructuredArray{}, `[]`},
	}

	for _, tc := range cases {
		got, err := Encode(tc.value)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(got))
	}
}

func TestEncodeUnsupported(t *testing.T) {
	_, err := Encode(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedType))

	var typeErr *UnsupportedTypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "<nil>", typeErr.Type)
}

func TestLookup(t *testing.T) {
	cases := map[Tag]any{
		TagString:           String("s"),
		TagBoolean:          Boolean(true),
		TagByte:             Byte(1),
		TagShort:            Short(1),
		TagInteger:          Integer(1),
		TagLong:             Long(1),
		TagFloat:            Float(1),
		TagDouble:           Double(1),
		TagCharacter:        Character('c'),
		TagByteArray:        ByteArray("b"),
		TagStructuredArray:  StructuredArray{},
		TagStructuredObject: StructuredObject{},
	}

	for want, v := range cases {
		got, ok := Lookup(v)
		require.True(t, ok, "lookup %T", v)
		assert.Equal(t, want, got)
		assert.Equal(t, want, v.(Value).Tag())
	}

	for _, v := range []any{nil, "plain string", 42, struct{}{}, []byte("raw")} {
		_, ok := Lookup(v)
		assert.False(t, ok, "lookup %T", v)
	}
}

func TestTagsAreDistinctAndNamed(t *testing.T) {
	tags := Tags()
	require.Len(t, tags, 12)

	seen := make(map[string]bool)
	for _, tag := range tags {
		assert.True(t, tag.Valid())
		name := tag.String()
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true

		parsed, err := ParseTag(name)
		require.NoError(t, err)
		assert.Equal(t, tag, parsed)
	}
}

func TestTagText(t *testing.T) {
	var tag Tag
	require.NoError(t, tag.UnmarshalText([]byte("JsonObject")))
	assert.Equal(t, TagStructuredObject, tag)

	require.NoError(t, tag.UnmarshalText([]byte("StructuredArray")))
	assert.Equal(t, TagStructuredArray, tag)

	assert.Error(t, tag.UnmarshalText([]byte("string")))

	text, err := TagLong.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Long", string(text))

	_, err = Tag(0).MarshalText()
	assert.Error(t, err)
}
