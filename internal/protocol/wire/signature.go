package wire

import (
	"fmt"
	"strings"
)

const maxSignatureLen = 255

// Type is one complete type parsed from a signature.
type Type struct {
	Code   byte
	Elem   *Type  // array element
	Fields []Type // struct members, or key and value of a dict entry
}

// Align returns the alignment boundary for values of t.
func (t Type) Align() int {
	switch t.Code {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 1
}

func (t Type) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t Type) write(b *strings.Builder) {
	switch t.Code {
	case 'a':
		b.WriteByte('a')
		t.Elem.write(b)
	case '(':
		b.WriteByte('(')
		for _, f := range t.Fields {
			f.write(b)
		}
		b.WriteByte(')')
	case '{':
		b.WriteByte('{')
		for _, f := range t.Fields {
			f.write(b)
		}
		b.WriteByte('}')
	default:
		b.WriteByte(t.Code)
	}
}

func isBasic(code byte) bool {
	switch code {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g':
		return true
	}
	return false
}

// ParseSignature splits sig into its complete types.
func ParseSignature(sig Signature) ([]Type, error) {
	if len(sig) > maxSignatureLen {
		return nil, fmt.Errorf("%w: longer than %d bytes", ErrBadSignature, maxSignatureLen)
	}
	p := sigParser{s: string(sig)}
	var out []Type
	for p.pos < len(p.s) {
		t, err := p.next(0, false)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseSingle parses a signature that must hold exactly one complete type.
func ParseSingle(sig Signature) (Type, error) {
	types, err := ParseSignature(sig)
	if err != nil {
		return Type{}, err
	}
	if len(types) != 1 {
		return Type{}, fmt.Errorf("%w: %q is not a single complete type", ErrBadSignature, sig)
	}
	return types[0], nil
}

type sigParser struct {
	s   string
	pos int
}

func (p *sigParser) next(depth int, inArray bool) (Type, error) {
	if depth > MaxDepth {
		return Type{}, ErrNestingTooDeep
	}
	if p.pos >= len(p.s) {
		return Type{}, fmt.Errorf("%w: %q ends early", ErrBadSignature, p.s)
	}
	c := p.s[p.pos]
	p.pos++
	switch {
	case isBasic(c) || c == 'v':
		return Type{Code: c}, nil
	case c == 'a':
		elem, err := p.next(depth+1, true)
		if err != nil {
			return Type{}, err
		}
		return Type{Code: 'a', Elem: &elem}, nil
	case c == '(':
		t := Type{Code: '('}
		for {
			if p.pos >= len(p.s) {
				return Type{}, fmt.Errorf("%w: unterminated struct in %q", ErrBadSignature, p.s)
			}
			if p.s[p.pos] == ')' {
				p.pos++
				break
			}
			f, err := p.next(depth+1, false)
			if err != nil {
				return Type{}, err
			}
			t.Fields = append(t.Fields, f)
		}
		if len(t.Fields) == 0 {
			return Type{}, fmt.Errorf("%w: empty struct in %q", ErrBadSignature, p.s)
		}
		return t, nil
	case c == '{':
		if !inArray {
			return Type{}, fmt.Errorf("%w: dict entry outside array in %q", ErrBadSignature, p.s)
		}
		key, err := p.next(depth+1, false)
		if err != nil {
			return Type{}, err
		}
		if !isBasic(key.Code) {
			return Type{}, fmt.Errorf("%w: dict key must be basic in %q", ErrBadSignature, p.s)
		}
		val, err := p.next(depth+1, false)
		if err != nil {
			return Type{}, err
		}
		if p.pos >= len(p.s) || p.s[p.pos] != '}' {
			return Type{}, fmt.Errorf("%w: dict entry must hold two types in %q", ErrBadSignature, p.s)
		}
		p.pos++
		return Type{Code: '{', Fields: []Type{key, val}}, nil
	default:
		return Type{}, fmt.Errorf("%w: %q in %q", ErrUnknownType, c, p.s)
	}
}
