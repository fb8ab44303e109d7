package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// FrameLength reports the total length of the message starting at buf, or
// ok=false when fewer than MinFrameLen bytes are available.
func FrameLength(buf []byte) (n int, ok bool, err error) {
	if len(buf) < MinFrameLen {
		return 0, false, nil
	}
	order, err := byteOrder(buf[0])
	if err != nil {
		return 0, false, protocolErr("frame", 0, err)
	}
	if buf[3] != ProtocolVersion {
		return 0, false, protocolErr("frame", 3, fmt.Errorf("%w: %d", ErrBadVersion, buf[3]))
	}
	bodyLen := uint64(order.Uint32(buf[4:8]))
	fieldsLen := uint64(order.Uint32(buf[12:16]))
	headerEnd := alignUp(MinFrameLen+fieldsLen, 8)
	total := headerEnd + bodyLen
	if total > MaxMessageSize {
		return 0, false, protocolErr("frame", 0, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, total))
	}
	return int(total), true, nil
}

func alignUp(n uint64, align uint64) uint64 {
	return (n + align - 1) / align * align
}

// Unmarshal decodes exactly one complete message from frame.
func Unmarshal(frame []byte) (*Message, error) {
	total, ok, err := FrameLength(frame)
	if err != nil {
		return nil, err
	}
	if !ok || total > len(frame) {
		return nil, protocolErr("unmarshal", len(frame), ErrTruncated)
	}
	if total < len(frame) {
		return nil, protocolErr("unmarshal", total, ErrTrailingBytes)
	}

	order, _ := byteOrder(frame[0])
	m := &Message{
		Endian:  frame[0],
		Kind:    Kind(frame[1]),
		Flags:   Flags(frame[2]),
		Version: frame[3],
		Serial:  order.Uint32(frame[8:12]),
	}
	if m.Kind < KindMethodCall || m.Kind > KindSignal {
		return nil, protocolErr("unmarshal", 1, fmt.Errorf("%w: %d", ErrBadKind, frame[1]))
	}
	if m.Serial == 0 {
		return nil, protocolErr("unmarshal", 8, ErrBadSerial)
	}
	bodyLen := int(order.Uint32(frame[4:8]))

	d := &decoder{order: order, data: frame, pos: PrefixLen}
	raw, err := d.value(headerArrayType, 0)
	if err != nil {
		return nil, protocolErr("header", d.pos, err)
	}
	m.Headers, err = decodeHeaderFields(raw.([]any))
	if err != nil {
		return nil, protocolErr("header", d.pos, err)
	}
	if err := m.Validate(); err != nil {
		return nil, protocolErr("header", d.pos, err)
	}
	if err := d.align(8); err != nil {
		return nil, protocolErr("header", d.pos, err)
	}
	bodyStart := d.pos
	if bodyStart+bodyLen != len(frame) {
		return nil, protocolErr("body", bodyStart, ErrTruncated)
	}

	bodyTypes, err := ParseSignature(m.Signature())
	if err != nil {
		return nil, protocolErr("body", bodyStart, err)
	}
	for i, t := range bodyTypes {
		v, err := d.value(t, 0)
		if err != nil {
			return nil, protocolErr(fmt.Sprintf("body[%d]", i), d.pos, err)
		}
		m.Body = append(m.Body, v)
	}
	if d.pos != len(frame) {
		return nil, protocolErr("body", d.pos, ErrTrailingBytes)
	}
	return m, nil
}

func decodeHeaderFields(raw []any) ([]HeaderField, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]HeaderField, 0, len(raw))
	seen := make(map[FieldCode]struct{}, len(raw))
	for _, item := range raw {
		pair := item.([]any)
		code := FieldCode(pair[0].(uint8))
		v := pair[1].(Variant)
		if _, dup := seen[code]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, code)
		}
		seen[code] = struct{}{}
		sig, known := fieldSignatures[code]
		if !known {
			out = append(out, HeaderField{Code: code, Value: v})
			continue
		}
		if v.Sig != sig {
			return nil, fmt.Errorf("%w: %s carries %q", ErrHeaderFieldMistype, code, v.Sig)
		}
		out = append(out, HeaderField{Code: code, Value: v.Value})
	}
	return out, nil
}

// decoder reads aligned values; pos is relative to the message start.
type decoder struct {
	order binary.ByteOrder
	data  []byte
	pos   int
}

func (d *decoder) align(n int) error {
	for d.pos%n != 0 {
		if d.pos >= len(d.data) {
			return ErrTruncated
		}
		if d.data[d.pos] != 0 {
			return ErrBadPadding
		}
		d.pos++
	}
	return nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, ErrTruncated
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.align(4); err != nil {
		return 0, err
	}
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.align(8); err != nil {
		return 0, err
	}
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.align(2); err != nil {
		return 0, err
	}
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(len(d.data)) {
		return "", ErrTruncated
	}
	b, err := d.take(int(n) + 1)
	if err != nil {
		return "", err
	}
	if b[n] != 0 {
		return "", fmt.Errorf("%w: string not nul terminated", ErrBadValue)
	}
	if !utf8.Valid(b[:n]) {
		return "", fmt.Errorf("%w: string is not utf-8", ErrBadValue)
	}
	return string(b[:n]), nil
}

func (d *decoder) sig() (Signature, error) {
	b, err := d.take(1)
	if err != nil {
		return "", err
	}
	n := int(b[0])
	s, err := d.take(n + 1)
	if err != nil {
		return "", err
	}
	if s[n] != 0 {
		return "", fmt.Errorf("%w: signature not nul terminated", ErrBadValue)
	}
	return Signature(s[:n]), nil
}

func (d *decoder) value(t Type, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, ErrNestingTooDeep
	}
	switch t.Code {
	case 'y':
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return b[0], nil
	case 'b':
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		switch n {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, fmt.Errorf("%w: boolean %d", ErrBadValue, n)
	case 'n':
		n, err := d.u16()
		return int16(n), err
	case 'q':
		return d.u16()
	case 'i':
		n, err := d.u32()
		return int32(n), err
	case 'u':
		return d.u32()
	case 'x':
		n, err := d.u64()
		return int64(n), err
	case 't':
		return d.u64()
	case 'd':
		n, err := d.u64()
		return math.Float64frombits(n), err
	case 's':
		return d.str()
	case 'o':
		s, err := d.str()
		return ObjectPath(s), err
	case 'g':
		s, err := d.sig()
		if err != nil {
			return nil, err
		}
		if _, err := ParseSignature(s); err != nil {
			return nil, err
		}
		return s, nil
	case 'a':
		return d.array(t, depth)
	case '(':
		if err := d.align(8); err != nil {
			return nil, err
		}
		fields := make([]any, 0, len(t.Fields))
		for _, ft := range t.Fields {
			v, err := d.value(ft, depth+1)
			if err != nil {
				return nil, err
			}
			fields = append(fields, v)
		}
		return fields, nil
	case '{':
		if err := d.align(8); err != nil {
			return nil, err
		}
		key, err := d.value(t.Fields[0], depth+1)
		if err != nil {
			return nil, err
		}
		val, err := d.value(t.Fields[1], depth+1)
		if err != nil {
			return nil, err
		}
		return DictEntry{Key: key, Value: val}, nil
	case 'v':
		s, err := d.sig()
		if err != nil {
			return nil, err
		}
		inner, err := ParseSingle(s)
		if err != nil {
			return nil, err
		}
		v, err := d.value(inner, depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{Sig: s, Value: v}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t.Code)
}

func (d *decoder) array(t Type, depth int) (any, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > MaxArraySize {
		return nil, ErrArrayTooLarge
	}
	if err := d.align(t.Elem.Align()); err != nil {
		return nil, err
	}
	end := d.pos + int(n)
	if end > len(d.data) {
		return nil, ErrTruncated
	}
	switch t.Elem.Code {
	case 'y':
		b, _ := d.take(int(n))
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case 's':
		out := []string{}
		for d.pos < end {
			s, err := d.str()
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, d.checkEnd(end)
	case '{':
		out := []DictEntry{}
		for d.pos < end {
			v, err := d.value(*t.Elem, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v.(DictEntry))
		}
		return out, d.checkEnd(end)
	}
	out := []any{}
	for d.pos < end {
		v, err := d.value(*t.Elem, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, d.checkEnd(end)
}

func (d *decoder) checkEnd(end int) error {
	if d.pos != end {
		return fmt.Errorf("%w: array elements overran declared length", ErrBadValue)
	}
	return nil
}
