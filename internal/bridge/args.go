package bridge

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/danmuck/sigbus/internal/protocol/wire"
)

var ErrBadArgs = errors.New("bridge: arguments do not match signature")

// DecodeArgs converts JSON call arguments into wire values for sig. Byte
// arrays accept either a JSON array or a base64 string, dicts a JSON object
// and variants an object of the form {"sig": "...", "value": ...}.
func DecodeArgs(sig wire.Signature, raw json.RawMessage) ([]any, error) {
	types, err := wire.ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	var values []any
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&values); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadArgs, err)
		}
	}
	if len(values) != len(types) {
		return nil, fmt.Errorf("%w: signature %q wants %d args, got %d", ErrBadArgs, sig, len(types), len(values))
	}
	out := make([]any, len(types))
	for i, t := range types {
		v, err := coerce(t, values[i])
		if err != nil {
			return nil, fmt.Errorf("%w: arg %d: %w", ErrBadArgs, i, err)
		}
		out[i] = v
	}
	return out, nil
}

func coerce(t wire.Type, v any) (any, error) {
	switch t.Code {
	case 'b':
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch(t, v)
		}
		return b, nil
	case 'y', 'q', 'u', 't':
		n, err := unsigned(t, v)
		if err != nil {
			return nil, err
		}
		switch t.Code {
		case 'y':
			return uint8(n), nil
		case 'q':
			return uint16(n), nil
		case 'u':
			return uint32(n), nil
		}
		return n, nil
	case 'n', 'i', 'x':
		n, err := signed(t, v)
		if err != nil {
			return nil, err
		}
		switch t.Code {
		case 'n':
			return int16(n), nil
		case 'i':
			return int32(n), nil
		}
		return n, nil
	case 'd':
		num, ok := v.(json.Number)
		if !ok {
			return nil, mismatch(t, v)
		}
		return num.Float64()
	case 's':
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(t, v)
		}
		return s, nil
	case 'o':
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(t, v)
		}
		return wire.ObjectPath(s), nil
	case 'g':
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(t, v)
		}
		return wire.Signature(s), nil
	case 'v':
		return variant(v)
	case '(':
		items, ok := v.([]any)
		if !ok || len(items) != len(t.Fields) {
			return nil, mismatch(t, v)
		}
		out := make([]any, len(items))
		for i, ft := range t.Fields {
			val, err := coerce(ft, items[i])
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case 'a':
		return array(t, v)
	}
	return nil, fmt.Errorf("unsupported type %q", t.Code)
}

func array(t wire.Type, v any) (any, error) {
	elem := *t.Elem
	if elem.Code == '{' {
		return dict(t, v)
	}
	if s, ok := v.(string); ok && elem.Code == 'y' {
		return base64.StdEncoding.DecodeString(s)
	}
	items, ok := v.([]any)
	if !ok {
		return nil, mismatch(t, v)
	}
	switch elem.Code {
	case 'y':
		out := make([]byte, len(items))
		for i, item := range items {
			n, err := unsigned(elem, item)
			if err != nil {
				return nil, err
			}
			out[i] = uint8(n)
		}
		return out, nil
	case 's':
		out := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, mismatch(elem, item)
			}
			out[i] = s
		}
		return out, nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		val, err := coerce(elem, item)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

func dict(t wire.Type, v any) (any, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, mismatch(t, v)
	}
	keyType, valType := t.Elem.Fields[0], t.Elem.Fields[1]
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]wire.DictEntry, 0, len(keys))
	for _, k := range keys {
		var rawKey any = k
		if keyType.Code != 's' && keyType.Code != 'o' && keyType.Code != 'g' && keyType.Code != 'b' {
			rawKey = json.Number(k)
		}
		if keyType.Code == 'b' {
			b, err := strconv.ParseBool(k)
			if err != nil {
				return nil, mismatch(keyType, k)
			}
			rawKey = b
		}
		key, err := coerce(keyType, rawKey)
		if err != nil {
			return nil, err
		}
		val, err := coerce(valType, obj[k])
		if err != nil {
			return nil, err
		}
		out = append(out, wire.DictEntry{Key: key, Value: val})
	}
	return out, nil
}

func variant(v any) (any, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("variant must be an object with sig and value, got %T", v)
	}
	sig, _ := obj["sig"].(string)
	inner, err := wire.ParseSingle(wire.Signature(sig))
	if err != nil {
		return nil, err
	}
	val, err := coerce(inner, obj["value"])
	if err != nil {
		return nil, err
	}
	return wire.Variant{Sig: wire.Signature(sig), Value: val}, nil
}

func unsigned(t wire.Type, v any) (uint64, error) {
	num, ok := v.(json.Number)
	if !ok {
		return 0, mismatch(t, v)
	}
	n, err := strconv.ParseUint(num.String(), 10, bits(t.Code))
	if err != nil {
		return 0, fmt.Errorf("%q: %w", t.Code, err)
	}
	return n, nil
}

func signed(t wire.Type, v any) (int64, error) {
	num, ok := v.(json.Number)
	if !ok {
		return 0, mismatch(t, v)
	}
	n, err := strconv.ParseInt(num.String(), 10, bits(t.Code))
	if err != nil {
		return 0, fmt.Errorf("%q: %w", t.Code, err)
	}
	return n, nil
}

func bits(code byte) int {
	switch code {
	case 'y':
		return 8
	case 'n', 'q':
		return 16
	case 'i', 'u':
		return 32
	}
	return 64
}

func mismatch(t wire.Type, v any) error {
	return fmt.Errorf("cannot use %T as %q", v, t.String())
}
