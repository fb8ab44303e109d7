package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/sigbus/internal/protocol/wire"
)

const MemberMessageReceived = "MessageReceived"

var ErrBadIncoming = errors.New("services: malformed MessageReceived body")

// Several Signal methods are overloaded on whether the recipient is a single
// number or a list. Each overload gets its own builder.

func SendMessage(message string, attachments []string, recipient string) *wire.Message {
	return Signal.Call("sendMessage", "sass", message, strs(attachments), recipient)
}

func SendMessageToMany(message string, attachments []string, recipients []string) *wire.Message {
	return Signal.Call("sendMessage", "sasas", message, strs(attachments), strs(recipients))
}

func SendGroupMessage(message string, attachments []string, groupID []byte) *wire.Message {
	if groupID == nil {
		groupID = []byte{}
	}
	return Signal.Call("sendGroupMessage", "sasay", message, strs(attachments), groupID)
}

// IsRegistered checks the daemon's own account when number is empty.
func IsRegistered(number string) *wire.Message {
	if number == "" {
		return Signal.Call("isRegistered", "")
	}
	return Signal.Call("isRegistered", "s", number)
}

func GetContactName(number string) *wire.Message {
	return Signal.Call("getContactName", "s", number)
}

func SendRemoteDeleteMessage(timestamp int64, recipient string) *wire.Message {
	return Signal.Call("sendRemoteDeleteMessage", "xs", timestamp, recipient)
}

func SendRemoteDeleteMessageToMany(timestamp int64, recipients []string) *wire.Message {
	return Signal.Call("sendRemoteDeleteMessage", "xas", timestamp, strs(recipients))
}

func SendMessageReaction(emoji string, remove bool, author string, timestamp int64, recipient string) *wire.Message {
	return Signal.Call("sendMessageReaction", "sbsxs", emoji, remove, author, timestamp, recipient)
}

func SendMessageReactionToMany(emoji string, remove bool, author string, timestamp int64, recipients []string) *wire.Message {
	return Signal.Call("sendMessageReaction", "sbsxas", emoji, remove, author, timestamp, strs(recipients))
}

func strs(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// Incoming is one decoded MessageReceived signal.
type Incoming struct {
	Timestamp   int64
	Source      string
	GroupID     []byte
	Message     string
	Attachments []string
}

// Time converts the millisecond timestamp.
func (in Incoming) Time() time.Time {
	return time.UnixMilli(in.Timestamp)
}

// ParseIncoming maps an xsaysas body to Incoming.
func ParseIncoming(body []any) (Incoming, error) {
	if len(body) != 5 {
		return Incoming{}, fmt.Errorf("%w: %d values", ErrBadIncoming, len(body))
	}
	var in Incoming
	var ok bool
	if in.Timestamp, ok = body[0].(int64); !ok {
		return Incoming{}, fmt.Errorf("%w: timestamp is %T", ErrBadIncoming, body[0])
	}
	if in.Source, ok = body[1].(string); !ok {
		return Incoming{}, fmt.Errorf("%w: source is %T", ErrBadIncoming, body[1])
	}
	if in.GroupID, ok = body[2].([]byte); !ok {
		return Incoming{}, fmt.Errorf("%w: groupID is %T", ErrBadIncoming, body[2])
	}
	if in.Message, ok = body[3].(string); !ok {
		return Incoming{}, fmt.Errorf("%w: message is %T", ErrBadIncoming, body[3])
	}
	if in.Attachments, ok = body[4].([]string); !ok {
		return Incoming{}, fmt.Errorf("%w: attachments is %T", ErrBadIncoming, body[4])
	}
	return in, nil
}
