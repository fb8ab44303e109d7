package router

import (
	"fmt"
	"slices"

	"github.com/danmuck/sigbus/internal/protocol/wire"
)

// Replies maps the serials of outstanding calls to their futures.
type Replies struct {
	pending map[uint32]*Future
	closed  error
}

func NewReplies() *Replies {
	return &Replies{pending: make(map[uint32]*Future)}
}

// Register creates the future for serial.
func (r *Replies) Register(serial uint32) (*Future, error) {
	if r.closed != nil {
		return nil, r.closed
	}
	if _, ok := r.pending[serial]; ok {
		return nil, fmt.Errorf("%w: %d", ErrSerialInUse, serial)
	}
	f := NewFuture()
	r.pending[serial] = f
	return f, nil
}

// Dispatch settles the future named by msg's reply serial. Error replies
// fail it with a *CallError. It returns false for anything else.
func (r *Replies) Dispatch(msg *wire.Message) bool {
	if msg == nil || (msg.Kind != wire.KindMethodReturn && msg.Kind != wire.KindError) {
		return false
	}
	serial, ok := msg.ReplySerial()
	if !ok {
		return false
	}
	f, ok := r.pending[serial]
	if !ok {
		return false
	}
	delete(r.pending, serial)
	if msg.Kind == wire.KindError {
		f.Fail(callError(msg))
		return true
	}
	f.Resolve(msg)
	return true
}

func callError(msg *wire.Message) *CallError {
	ce := &CallError{Name: msg.ErrorName()}
	if len(msg.Body) > 0 {
		if text, ok := msg.Body[0].(string); ok {
			ce.Message = text
		}
	}
	return ce
}

// DropAll fails every pending future with ErrConnectionClosed and refuses
// later registrations. It returns how many futures were failed.
func (r *Replies) DropAll(reason error) int {
	err := ErrConnectionClosed
	if reason != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, reason)
	}
	if r.closed == nil {
		r.closed = err
	}
	serials := r.Pending()
	for _, serial := range serials {
		f := r.pending[serial]
		delete(r.pending, serial)
		f.Fail(err)
	}
	return len(serials)
}

// Len returns the number of pending calls.
func (r *Replies) Len() int { return len(r.pending) }

// Pending returns the pending serials in ascending order.
func (r *Replies) Pending() []uint32 {
	out := make([]uint32, 0, len(r.pending))
	for serial := range r.pending {
		out = append(out, serial)
	}
	slices.Sort(out)
	return out
}
