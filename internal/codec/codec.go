// Package codec converts bridged payload bytes to and from typed bus values.
//
// Inbound payloads are UTF-8 text parsed according to a Tag; outbound
// values are rendered back to their canonical text form. ByteArray is the
// only kind that passes through untouched.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrDecode          = errors.New("payload does not match message type")
	ErrUnsupportedType = errors.New("unsupported payload type")
)

// DecodeError describes a payload that could not be parsed as its tag.
type DecodeError struct {
	Tag   Tag
	Input string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %q as %s: %v", e.Input, e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// UnsupportedTypeError is returned by Encode for values without a tag.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("type %s has no message type", e.Type)
}

func (e *UnsupportedTypeError) Unwrap() error {
	return ErrUnsupportedType
}

// Decode parses raw payload bytes as the given tag.
func Decode(data []byte, tag Tag) (Value, error) {
	text := string(data)
	fail := func(err error) (Value, error) {
		return nil, &DecodeError{Tag: tag, Input: text, Err: err}
	}

	switch tag {
	case TagString:
		return String(text), nil
	case TagBoolean:
		// Anything other than "true" is false, garbage included.
		return Boolean(strings.EqualFold(text, "true")), nil
	case TagByte:
		n, err := strconv.ParseInt(text, 10, 8)
		if err != nil {
			return fail(err)
		}
		return Byte(n), nil
	case TagShort:
		n, err := strconv.ParseInt(text, 10, 16)
		if err != nil {
			return fail(err)
		}
		return Short(n), nil
	case TagInteger:
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return fail(err)
		}
		return Integer(n), nil
	case TagLong:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return fail(err)
		}
		return Long(n), nil
	case TagFloat:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return fail(err)
		}
		return Float(f), nil
	case TagDouble:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fail(err)
		}
		return Double(f), nil
	case TagCharacter:
		if text == "" {
			return fail(errors.New("empty string has no first character"))
		}
		r, _ := utf8.DecodeRuneInString(text)
		return Character(r), nil
	case TagByteArray:
		return ByteArray(data), nil
	case TagStructuredArray:
		v, err := decodeJSON(data)
		if err != nil {
			return fail(err)
		}
		arr, ok := v.([]any)
		if !ok {
			return fail(errors.New("not a JSON array"))
		}
		return StructuredArray(arr), nil
	case TagStructuredObject:
		v, err := decodeJSON(data)
		if err != nil {
			return fail(err)
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return fail(errors.New("not a JSON object"))
		}
		return StructuredObject(obj), nil
	default:
		return fail(fmt.Errorf("unknown message type %d", int(tag)))
	}
}

// Encode renders a value in its canonical text form.
func Encode(v Value) ([]byte, error) {
	switch val := v.(type) {
	case String:
		return []byte(val), nil
	case Boolean:
		return []byte(strconv.FormatBool(bool(val))), nil
	case Byte:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case Short:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case Integer:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case Long:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case Float:
		return []byte(strconv.FormatFloat(float64(val), 'g', -1, 32)), nil
	case Double:
		return []byte(strconv.FormatFloat(float64(val), 'g', -1, 64)), nil
	case Character:
		return []byte(string(rune(val))), nil
	case ByteArray:
		return []byte(val), nil
	case StructuredArray:
		return encodeJSON([]any(val))
	case StructuredObject:
		return encodeJSON(map[string]any(val))
	default:
		return nil, &UnsupportedTypeError{Type: fmt.Sprintf("%T", v)}
	}
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding structured payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
