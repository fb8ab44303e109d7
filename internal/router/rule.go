package router

import (
	"strings"

	"github.com/danmuck/sigbus/internal/protocol/wire"
)

// MatchRule selects signals by header fields. Empty fields match anything.
// The same rule is sent to the bus with AddMatch and used for local dispatch.
type MatchRule struct {
	Sender    string
	Interface string
	Member    string
	Path      wire.ObjectPath
}

// Matches reports whether msg is a signal whose headers satisfy the rule.
func (r MatchRule) Matches(msg *wire.Message) bool {
	if msg == nil || msg.Kind != wire.KindSignal {
		return false
	}
	if r.Sender != "" && r.Sender != msg.Sender() {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Interface() {
		return false
	}
	if r.Member != "" && r.Member != msg.Member() {
		return false
	}
	if r.Path != "" && r.Path != msg.Path() {
		return false
	}
	return true
}

// String renders the rule in bus match syntax.
func (r MatchRule) String() string {
	var b strings.Builder
	b.WriteString("type='signal'")
	add := func(key, value string) {
		if value == "" {
			return
		}
		b.WriteString(",")
		b.WriteString(key)
		b.WriteString("='")
		b.WriteString(strings.ReplaceAll(value, "'", `'\''`))
		b.WriteString("'")
	}
	add("sender", r.Sender)
	add("interface", r.Interface)
	add("member", r.Member)
	add("path", string(r.Path))
	return b.String()
}
