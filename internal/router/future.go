package router

import "github.com/danmuck/sigbus/internal/protocol/wire"

// Future is a single-assignment result cell for one call.
type Future struct {
	done      bool
	msg       *wire.Message
	err       error
	callbacks []func(*Future)
}

func NewFuture() *Future {
	return &Future{}
}

// Done reports whether the future has been resolved or failed.
func (f *Future) Done() bool { return f.done }

// Result returns the reply message or the failure.
func (f *Future) Result() (*wire.Message, error) {
	if !f.done {
		return nil, ErrNotReady
	}
	return f.msg, f.err
}

// Body returns the reply body, or nil when unresolved or failed.
func (f *Future) Body() []any {
	if !f.done || f.msg == nil {
		return nil
	}
	return f.msg.Body
}

// Err returns the failure, if any.
func (f *Future) Err() error {
	if !f.done {
		return nil
	}
	return f.err
}

// OnDone registers fn to run once the future settles. It runs immediately
// when the future is already settled.
func (f *Future) OnDone(fn func(*Future)) {
	if fn == nil {
		return
	}
	if f.done {
		fn(f)
		return
	}
	f.callbacks = append(f.callbacks, fn)
}

// Resolve settles the future with msg. It returns false if already settled.
func (f *Future) Resolve(msg *wire.Message) bool {
	return f.settle(msg, nil)
}

// Fail settles the future with err. It returns false if already settled.
func (f *Future) Fail(err error) bool {
	return f.settle(nil, err)
}

func (f *Future) settle(msg *wire.Message, err error) bool {
	if f.done {
		return false
	}
	f.done = true
	f.msg = msg
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	for _, fn := range callbacks {
		fn(f)
	}
	return true
}
