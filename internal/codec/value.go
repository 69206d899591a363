package codec

// Value is a payload that can travel on the bus. The set of
// implementations is closed: one per Tag.
type Value interface {
	Tag() Tag
	sealed()
}

type (
	String           string
	Boolean          bool
	Byte             int8
	Short            int16
	Integer          int32
	Long             int64
	Float            float32
	Double           float64
	Character        rune
	ByteArray        []byte
	StructuredArray  []any
	StructuredObject map[string]any
)

func (String) Tag() Tag           { return TagString }
func (Boolean) Tag() Tag          { return TagBoolean }
func (Byte) Tag() Tag             { return TagByte }
func (Short) Tag() Tag            { return TagShort }
func (Integer) Tag() Tag          { return TagInteger }
func (Long) Tag() Tag             { return TagLong }
func (Float) Tag() Tag            { return TagFloat }
func (Double) Tag() Tag           { return TagDouble }
func (Character) Tag() Tag        { return TagCharacter }
func (ByteArray) Tag() Tag        { return TagByteArray }
func (StructuredArray) Tag() Tag  { return TagStructuredArray }
func (StructuredObject) Tag() Tag { return TagStructuredObject }

func (String) sealed()           {}
func (Boolean) sealed()          {}
func (Byte) sealed()             {}
func (Short) sealed()            {}
func (Integer) sealed()          {}
func (Long) sealed()             {}
func (Float) sealed()            {}
func (Double) sealed()           {}
func (Character) sealed()        {}
func (ByteArray) sealed()        {}
func (StructuredArray) sealed()  {}
func (StructuredObject) sealed() {}

// Lookup reports the tag for a runtime value. It returns false for
// anything that is not one of the twelve payload kinds, including nil.
func Lookup(v any) (Tag, bool) {
	switch v.(type) {
	case String:
		return TagString, true
	case Boolean:
		return TagBoolean, true
	case Byte:
		return TagByte, true
	case Short:
		return TagShort, true
	case Integer:
		return TagInteger, true
	case Long:
		return TagLong, true
	case Float:
		return TagFloat, true
	case Double:
		return TagDouble, true
	case Character:
		return TagCharacter, true
	case ByteArray:
		return TagByteArray, true
	case StructuredArray:
		return TagStructuredArray, true
	case StructuredObject:
		return TagStructuredObject, true
	default:
		return 0, false
	}
}
