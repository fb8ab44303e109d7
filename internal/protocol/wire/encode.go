package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

var headerArrayType = Type{Code: 'a', Elem: &Type{Code: '(', Fields: []Type{{Code: 'y'}, {Code: 'v'}}}}

// Marshal encodes m into one complete message frame.
func (m *Message) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	endian := m.Endian
	if endian == 0 {
		endian = LittleEndian
	}
	order, err := byteOrder(endian)
	if err != nil {
		return nil, err
	}
	version := m.Version
	if version == 0 {
		version = ProtocolVersion
	}

	bodyTypes, err := ParseSignature(m.Signature())
	if err != nil {
		return nil, err
	}
	if len(bodyTypes) != len(m.Body) {
		return nil, fmt.Errorf("%w: signature %q has %d types, body has %d values",
			ErrSignatureMismatch, m.Signature(), len(bodyTypes), len(m.Body))
	}

	headers, err := encodeHeaderFields(m.Headers)
	if err != nil {
		return nil, err
	}

	e := &encoder{order: order, buf: make([]byte, PrefixLen, 128)}
	e.buf[0] = endian
	e.buf[1] = byte(m.Kind)
	e.buf[2] = byte(m.Flags)
	e.buf[3] = version
	order.PutUint32(e.buf[8:12], m.Serial)

	if err := e.value(headerArrayType, headers, 0); err != nil {
		return nil, err
	}
	e.pad(8)
	bodyStart := len(e.buf)
	for i, t := range bodyTypes {
		if err := e.value(t, m.Body[i], 0); err != nil {
			return nil, fmt.Errorf("body[%d]: %w", i, err)
		}
	}
	bodyLen := len(e.buf) - bodyStart
	if len(e.buf) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	order.PutUint32(e.buf[4:8], uint32(bodyLen))
	return e.buf, nil
}

func encodeHeaderFields(fields []HeaderField) ([]any, error) {
	out := make([]any, 0, len(fields))
	seen := make(map[FieldCode]struct{}, len(fields))
	for _, f := range fields {
		if _, dup := seen[f.Code]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, f.Code)
		}
		seen[f.Code] = struct{}{}
		v, err := headerVariant(f)
		if err != nil {
			return nil, err
		}
		out = append(out, []any{uint8(f.Code), v})
	}
	return out, nil
}

func headerVariant(f HeaderField) (Variant, error) {
	sig, known := fieldSignatures[f.Code]
	if !known {
		v, ok := f.Value.(Variant)
		if !ok {
			return Variant{}, fmt.Errorf("%w: %s wants Variant, got %T", ErrHeaderFieldMistype, f.Code, f.Value)
		}
		return v, nil
	}
	return Variant{Sig: sig, Value: f.Value}, nil
}

// appendOrder reads fixed slices and appends to growing buffers.
type appendOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func byteOrder(endian byte) (appendOrder, error) {
	switch endian {
	case LittleEndian:
		return binary.LittleEndian, nil
	case BigEndian:
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrBadEndian, endian)
}

// encoder appends aligned values; offsets are positions in buf, which
// always starts at the first byte of the message.
type encoder struct {
	order appendOrder
	buf   []byte
}

func (e *encoder) pad(align int) {
	for len(e.buf)%align != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) u32(v uint32) {
	e.pad(4)
	e.buf = e.order.AppendUint32(e.buf, v)
}

func (e *encoder) str(s string) error {
	if uint64(len(s)) > math.MaxUint32 {
		return ErrBadValue
	}
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	return nil
}

func (e *encoder) sig(s string) error {
	if len(s) > maxSignatureLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrBadSignature, maxSignatureLen)
	}
	e.buf = append(e.buf, byte(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	return nil
}

func mismatch(t Type, v any) error {
	return fmt.Errorf("%w: %s cannot hold %T", ErrValueTypeMismatch, t, v)
}

func (e *encoder) value(t Type, v any, depth int) error {
	if depth > MaxDepth {
		return ErrNestingTooDeep
	}
	switch t.Code {
	case 'y':
		b, ok := v.(uint8)
		if !ok {
			return mismatch(t, v)
		}
		e.buf = append(e.buf, b)
	case 'b':
		b, ok := v.(bool)
		if !ok {
			return mismatch(t, v)
		}
		var n uint32
		if b {
			n = 1
		}
		e.u32(n)
	case 'n':
		n, ok := v.(int16)
		if !ok {
			return mismatch(t, v)
		}
		e.pad(2)
		e.buf = e.order.AppendUint16(e.buf, uint16(n))
	case 'q':
		n, ok := v.(uint16)
		if !ok {
			return mismatch(t, v)
		}
		e.pad(2)
		e.buf = e.order.AppendUint16(e.buf, n)
	case 'i':
		switch n := v.(type) {
		case int32:
			e.u32(uint32(n))
		case int:
			if n < math.MinInt32 || n > math.MaxInt32 {
				return fmt.Errorf("%w: %d overflows int32", ErrBadValue, n)
			}
			e.u32(uint32(int32(n)))
		default:
			return mismatch(t, v)
		}
	case 'u':
		n, ok := v.(uint32)
		if !ok {
			return mismatch(t, v)
		}
		e.u32(n)
	case 'x':
		var n int64
		switch x := v.(type) {
		case int64:
			n = x
		case int:
			n = int64(x)
		default:
			return mismatch(t, v)
		}
		e.pad(8)
		e.buf = e.order.AppendUint64(e.buf, uint64(n))
	case 't':
		n, ok := v.(uint64)
		if !ok {
			return mismatch(t, v)
		}
		e.pad(8)
		e.buf = e.order.AppendUint64(e.buf, n)
	case 'd':
		f, ok := v.(float64)
		if !ok {
			return mismatch(t, v)
		}
		e.pad(8)
		e.buf = e.order.AppendUint64(e.buf, math.Float64bits(f))
	case 's':
		s, ok := v.(string)
		if !ok {
			return mismatch(t, v)
		}
		return e.str(s)
	case 'o':
		switch s := v.(type) {
		case ObjectPath:
			return e.str(string(s))
		case string:
			return e.str(s)
		}
		return mismatch(t, v)
	case 'g':
		switch s := v.(type) {
		case Signature:
			return e.sig(string(s))
		case string:
			return e.sig(s)
		}
		return mismatch(t, v)
	case 'a':
		return e.array(t, v, depth)
	case '(':
		fields, ok := v.([]any)
		if !ok || len(fields) != len(t.Fields) {
			return mismatch(t, v)
		}
		e.pad(8)
		for i, ft := range t.Fields {
			if err := e.value(ft, fields[i], depth+1); err != nil {
				return err
			}
		}
	case '{':
		entry, ok := v.(DictEntry)
		if !ok {
			return mismatch(t, v)
		}
		e.pad(8)
		if err := e.value(t.Fields[0], entry.Key, depth+1); err != nil {
			return err
		}
		return e.value(t.Fields[1], entry.Value, depth+1)
	case 'v':
		variant, ok := v.(Variant)
		if !ok {
			return mismatch(t, v)
		}
		inner, err := ParseSingle(variant.Sig)
		if err != nil {
			return err
		}
		if err := e.sig(string(variant.Sig)); err != nil {
			return err
		}
		return e.value(inner, variant.Value, depth+1)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, t.Code)
	}
	return nil
}

func (e *encoder) array(t Type, v any, depth int) error {
	var items []any
	switch xs := v.(type) {
	case []any:
		items = xs
	case []byte:
		if t.Elem.Code != 'y' {
			return mismatch(t, v)
		}
		e.u32(uint32(len(xs)))
		e.buf = append(e.buf, xs...)
		return nil
	case []string:
		if t.Elem.Code != 's' && t.Elem.Code != 'o' {
			return mismatch(t, v)
		}
		items = make([]any, len(xs))
		for i, s := range xs {
			items[i] = s
		}
	case []DictEntry:
		items = make([]any, len(xs))
		for i, d := range xs {
			items[i] = d
		}
	case nil:
	default:
		return mismatch(t, v)
	}

	e.u32(0)
	lenAt := len(e.buf) - 4
	e.pad(t.Elem.Align())
	start := len(e.buf)
	for _, item := range items {
		if err := e.value(*t.Elem, item, depth+1); err != nil {
			return err
		}
	}
	size := len(e.buf) - start
	if size > MaxArraySize {
		return ErrArrayTooLarge
	}
	e.order.PutUint32(e.buf[lenAt:lenAt+4], uint32(size))
	return nil
}
