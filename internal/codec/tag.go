package codec

import (
	"fmt"
)

// Tag identifies the wire type of a bridged payload.
type Tag int

const (
	TagString Tag = iota + 1
	TagBoolean
	TagByte
	TagShort
	TagInteger
	TagLong
	TagFloat
	TagDouble
	TagCharacter
	TagByteArray
	TagStructuredArray
	TagStructuredObject
)

var tagNames = map[Tag]string{
	TagString:           "String",
	TagBoolean:          "Boolean",
	TagByte:             "Byte",
	TagShort:            "Short",
	TagInteger:          "Integer",
	TagLong:             "Long",
	TagFloat:            "Float",
	TagDouble:           "Double",
	TagCharacter:        "Character",
	TagByteArray:        "ByteArray",
	TagStructuredArray:  "StructuredArray",
	TagStructuredObject: "StructuredObject",
}

// Older clients still send the JSON-flavoured names.
var tagAliases = map[string]Tag{
	"JsonArray":  TagStructuredArray,
	"JsonObject": TagStructuredObject,
}

// Tags returns every tag in declaration order.
func Tags() []Tag {
	tags := make([]Tag, 0, len(tagNames))
	for t := TagString; t <= TagStructuredObject; t++ {
		tags = append(tags, t)
	}
	return tags
}

func (t Tag) Valid() bool {
	_, ok := tagNames[t]
	return ok
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", int(t))
}

// ParseTag resolves a wire name to a tag.
func ParseTag(name string) (Tag, error) {
	for t, n := range tagNames {
		if n == name {
			return t, nil
		}
	}
	if t, ok := tagAliases[name]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("unknown message type %q", name)
}

func (t Tag) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid message type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tag) UnmarshalText(text []byte) error {
	parsed, err := ParseTag(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
