package wire

import (
	"fmt"
	"strings"
)

// Message is one decoded or to-be-encoded protocol message.
//
// Endian and Version default to little-endian and ProtocolVersion when
// zero. Headers keep wire order; codes are unique.
type Message struct {
	Endian  byte
	Kind    Kind
	Flags   Flags
	Version uint8
	Serial  uint32
	Headers []HeaderField
	Body    []any
}

// Header returns the value for code.
func (m *Message) Header(code FieldCode) (any, bool) {
	for _, f := range m.Headers {
		if f.Code == code {
			return f.Value, true
		}
	}
	return nil, false
}

// SetHeader replaces or appends the value for code.
func (m *Message) SetHeader(code FieldCode, value any) {
	for i := range m.Headers {
		if m.Headers[i].Code == code {
			m.Headers[i].Value = value
			return
		}
	}
	m.Headers = append(m.Headers, HeaderField{Code: code, Value: value})
}

func (m *Message) headerString(code FieldCode) string {
	v, ok := m.Header(code)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case ObjectPath:
		return string(s)
	case Signature:
		return string(s)
	}
	return ""
}

func (m *Message) Path() ObjectPath { return ObjectPath(m.headerString(FieldPath)) }
func (m *Message) Interface() string { return m.headerString(FieldInterface) }
func (m *Message) Member() string { return m.headerString(FieldMember) }
func (m *Message) ErrorName() string { return m.headerString(FieldErrorName) }
func (m *Message) Destination() string { return m.headerString(FieldDestination) }
func (m *Message) Sender() string { return m.headerString(FieldSender) }
func (m *Message) Signature() Signature {
	return Signature(m.headerString(FieldSignature))
}

// ReplySerial returns the serial this message answers, if any.
func (m *Message) ReplySerial() (uint32, bool) {
	v, ok := m.Header(FieldReplySerial)
	if !ok {
		return 0, false
	}
	serial, ok := v.(uint32)
	return serial, ok
}

// Validate checks the header fields each kind requires.
func (m *Message) Validate() error {
	var missing []string
	need := func(code FieldCode) {
		if _, ok := m.Header(code); !ok {
			missing = append(missing, code.String())
		}
	}
	switch m.Kind {
	case KindMethodCall:
		need(FieldPath)
		need(FieldMember)
	case KindMethodReturn:
		need(FieldReplySerial)
	case KindError:
		need(FieldErrorName)
		need(FieldReplySerial)
	case KindSignal:
		need(FieldPath)
		need(FieldInterface)
		need(FieldMember)
	default:
		return fmt.Errorf("%w: %d", ErrBadKind, uint8(m.Kind))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s %s", ErrMissingField, m.Kind, strings.Join(missing, ","))
	}
	if m.Serial == 0 {
		return ErrBadSerial
	}
	return nil
}

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s serial=%d", m.Kind, m.Serial)
	for _, f := range m.Headers {
		fmt.Fprintf(&b, " %s=%v", f.Code, f.Value)
	}
	if len(m.Body) > 0 {
		fmt.Fprintf(&b, " body=%v", m.Body)
	}
	return b.String()
}

// NewMethodCall builds a call message. Serial is assigned by the sender.
func NewMethodCall(destination string, path ObjectPath, iface, member string, sig Signature, body ...any) *Message {
	m := &Message{Kind: KindMethodCall}
	m.SetHeader(FieldPath, path)
	if iface != "" {
		m.SetHeader(FieldInterface, iface)
	}
	m.SetHeader(FieldMember, member)
	if destination != "" {
		m.SetHeader(FieldDestination, destination)
	}
	setBody(m, sig, body)
	return m
}

// NewSignal builds a signal message.
func NewSignal(path ObjectPath, iface, member string, sig Signature, body ...any) *Message {
	m := &Message{Kind: KindSignal}
	m.SetHeader(FieldPath, path)
	m.SetHeader(FieldInterface, iface)
	m.SetHeader(FieldMember, member)
	setBody(m, sig, body)
	return m
}

// NewMethodReturn builds a reply to call.
func NewMethodReturn(call *Message, sig Signature, body ...any) *Message {
	m := &Message{Kind: KindMethodReturn, Flags: FlagNoReplyExpected}
	m.SetHeader(FieldReplySerial, call.Serial)
	if sender := call.Sender(); sender != "" {
		m.SetHeader(FieldDestination, sender)
	}
	setBody(m, sig, body)
	return m
}

// NewError builds an error reply to call.
func NewError(call *Message, name, text string) *Message {
	m := &Message{Kind: KindError, Flags: FlagNoReplyExpected}
	m.SetHeader(FieldErrorName, name)
	m.SetHeader(FieldReplySerial, call.Serial)
	if sender := call.Sender(); sender != "" {
		m.SetHeader(FieldDestination, sender)
	}
	if text != "" {
		setBody(m, "s", []any{text})
	}
	return m
}

// setBody keeps body even without a signature so Marshal reports the
// mismatch instead of sending an empty message.
func setBody(m *Message, sig Signature, body []any) {
	if sig != "" {
		m.SetHeader(FieldSignature, sig)
	}
	m.Body = body
}
