package wire

import "fmt"

const (
	LittleEndian byte = 'l'
	BigEndian    byte = 'B'

	ProtocolVersion uint8 = 1

	// PrefixLen covers endian, kind, flags, version, body length and serial.
	PrefixLen = 12
	// MinFrameLen is the prefix plus the header field array length word.
	MinFrameLen = 16

	MaxMessageSize = 128 * 1024 * 1024
	MaxArraySize   = 64 * 1024 * 1024
	MaxDepth       = 64
)

// Kind is the message type carried in the prefix.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindMethodCall
	KindMethodReturn
	KindError
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindMethodCall:
		return "method_call"
	case KindMethodReturn:
		return "method_return"
	case KindError:
		return "error"
	case KindSignal:
		return "signal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Flags is the prefix flag byte.
type Flags uint8

const (
	FlagNoReplyExpected      Flags = 0x1
	FlagNoAutoStart          Flags = 0x2
	FlagAllowInteractiveAuth Flags = 0x4
)

// FieldCode identifies one header field.
type FieldCode uint8

const (
	FieldPath        FieldCode = 1
	FieldInterface   FieldCode = 2
	FieldMember      FieldCode = 3
	FieldErrorName   FieldCode = 4
	FieldReplySerial FieldCode = 5
	FieldDestination FieldCode = 6
	FieldSender      FieldCode = 7
	FieldSignature   FieldCode = 8
	FieldUnixFDs     FieldCode = 9
)

// fieldSignatures maps known header codes to their fixed value type.
var fieldSignatures = map[FieldCode]Signature{
	FieldPath:        "o",
	FieldInterface:   "s",
	FieldMember:      "s",
	FieldErrorName:   "s",
	FieldReplySerial: "u",
	FieldDestination: "s",
	FieldSender:      "s",
	FieldSignature:   "g",
	FieldUnixFDs:     "u",
}

func (c FieldCode) String() string {
	switch c {
	case FieldPath:
		return "path"
	case FieldInterface:
		return "interface"
	case FieldMember:
		return "member"
	case FieldErrorName:
		return "error_name"
	case FieldReplySerial:
		return "reply_serial"
	case FieldDestination:
		return "destination"
	case FieldSender:
		return "sender"
	case FieldSignature:
		return "signature"
	case FieldUnixFDs:
		return "unix_fds"
	default:
		return fmt.Sprintf("field(%d)", uint8(c))
	}
}

// ObjectPath is an 'o' value.
type ObjectPath string

// Signature is a 'g' value.
type Signature string

// Variant is a 'v' value: an inline signature plus one value of that type.
type Variant struct {
	Sig   Signature
	Value any
}

// DictEntry is one '{kv}' element of a dictionary array.
type DictEntry struct {
	Key   any
	Value any
}

// HeaderField is one entry of the header field array. Known codes carry
// their inner value (string, ObjectPath, uint32 or Signature); unknown
// codes carry a Variant.
type HeaderField struct {
	Code  FieldCode
	Value any
}
