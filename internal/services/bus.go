package services

import (
	"errors"
	"fmt"

	"github.com/danmuck/sigbus/internal/protocol/wire"
	"github.com/danmuck/sigbus/internal/router"
)

var ErrBadReply = errors.New("services: unexpected reply body")

// Hello registers the session and returns the unique connection name.
func Hello() *wire.Message {
	return DBus.Call("Hello", "")
}

func AddMatch(rule router.MatchRule) *wire.Message {
	return DBus.Call("AddMatch", "s", rule.String())
}

func RemoveMatch(rule router.MatchRule) *wire.Message {
	return DBus.Call("RemoveMatch", "s", rule.String())
}

func NameHasOwner(name string) *wire.Message {
	return DBus.Call("NameHasOwner", "s", name)
}

func GetNameOwner(name string) *wire.Message {
	return DBus.Call("GetNameOwner", "s", name)
}

func ListNames() *wire.Message {
	return DBus.Call("ListNames", "")
}

func GetAllMatchRules() *wire.Message {
	return Stats.Call("GetAllMatchRules", "")
}

// Introspect asks svc's object for its XML description.
func Introspect(svc Service) *wire.Message {
	return wire.NewMethodCall(svc.BusName, svc.Path, Introspection.Interface, "Introspect", "")
}

// NameOwnerChangedRule selects ownership changes broadcast by the bus.
func NameOwnerChangedRule() router.MatchRule {
	return DBus.Rule("", "NameOwnerChanged")
}

// OwnerChange is the body of a NameOwnerChanged signal.
type OwnerChange struct {
	Name     string
	OldOwner string
	NewOwner string
}

func ParseOwnerChange(msg *wire.Message) (OwnerChange, error) {
	if msg == nil || len(msg.Body) != 3 {
		return OwnerChange{}, fmt.Errorf("%w: NameOwnerChanged", ErrBadReply)
	}
	var oc OwnerChange
	var ok [3]bool
	oc.Name, ok[0] = msg.Body[0].(string)
	oc.OldOwner, ok[1] = msg.Body[1].(string)
	oc.NewOwner, ok[2] = msg.Body[2].(string)
	if !ok[0] || !ok[1] || !ok[2] {
		return OwnerChange{}, fmt.Errorf("%w: NameOwnerChanged %v", ErrBadReply, msg.Body)
	}
	return oc, nil
}

// ReplyString returns the single string of a reply body.
func ReplyString(msg *wire.Message) (string, error) {
	if msg == nil || len(msg.Body) != 1 {
		return "", ErrBadReply
	}
	s, ok := msg.Body[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: want string, got %T", ErrBadReply, msg.Body[0])
	}
	return s, nil
}

// ReplyBool returns the single boolean of a reply body.
func ReplyBool(msg *wire.Message) (bool, error) {
	if msg == nil || len(msg.Body) != 1 {
		return false, ErrBadReply
	}
	b, ok := msg.Body[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: want bool, got %T", ErrBadReply, msg.Body[0])
	}
	return b, nil
}

// ReplyStrings returns the single string array of a reply body.
func ReplyStrings(msg *wire.Message) ([]string, error) {
	if msg == nil || len(msg.Body) != 1 {
		return nil, ErrBadReply
	}
	list, ok := msg.Body[0].([]string)
	if !ok {
		return nil, fmt.Errorf("%w: want []string, got %T", ErrBadReply, msg.Body[0])
	}
	return list, nil
}
