package router

import "github.com/danmuck/sigbus/internal/protocol/wire"

const DefaultQueueCapacity = 1

// Listener receives each signal matched by its subscription.
type Listener func(*wire.Message)

// Queue is a bounded buffer of matched signals. On overflow the oldest
// message is dropped and counted.
type Queue struct {
	items    []*wire.Message
	capacity int
	dropped  int
}

func newQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{capacity: capacity}
}

// Done reports whether a message is waiting.
func (q *Queue) Done() bool { return len(q.items) > 0 }
func (q *Queue) Len() int { return len(q.items) }
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns how many messages were discarded on overflow.
func (q *Queue) Dropped() int { return q.dropped }

// Pop removes the oldest waiting message.
func (q *Queue) Pop() (*wire.Message, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return msg, true
}

// push appends msg and reports whether an older message was dropped.
func (q *Queue) push(msg *wire.Message) bool {
	dropped := false
	if len(q.items) >= q.capacity {
		q.items[0] = nil
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, msg)
	return dropped
}

// Handle owns one subscription. Closing it is the only way to remove the
// subscription short of clearing the registry.
type Handle struct {
	id      uint64
	rule    MatchRule
	fn      Listener
	queue   *Queue
	filters *Filters
	closed  bool
}

func (h *Handle) ID() uint64 { return h.id }
func (h *Handle) Rule() MatchRule { return h.rule }
func (h *Handle) Closed() bool { return h.closed }

// Queue returns the handle's buffer, or nil for callback subscriptions.
func (h *Handle) Queue() *Queue { return h.queue }

// Close removes the subscription. It is safe to call more than once.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	if h.filters != nil {
		h.filters.remove(h)
	}
}

func (h *Handle) deliver(msg *wire.Message) {
	if h.queue != nil {
		if h.queue.push(msg) && h.filters.onDrop != nil {
			h.filters.onDrop(h)
		}
		return
	}
	if h.fn != nil {
		h.fn(msg)
	}
}

// Filters is the subscription registry for one connection.
type Filters struct {
	nextID    uint64
	handles   []*Handle
	unhandled func(*wire.Message)
	onDrop    func(*Handle)
}

func NewFilters() *Filters {
	return &Filters{}
}

// OnUnhandled sets the observer for messages no subscription matched.
// A nil fn restores the no-op default.
func (f *Filters) OnUnhandled(fn func(*wire.Message)) {
	f.unhandled = fn
}

// OnDrop sets the observer for queue overflow.
func (f *Filters) OnDrop(fn func(*Handle)) {
	f.onDrop = fn
}

// Subscribe registers fn under rule.
func (f *Filters) Subscribe(rule MatchRule, fn Listener) *Handle {
	return f.add(&Handle{rule: rule, fn: fn})
}

// SubscribeQueue registers a bounded queue under rule. A capacity below one
// uses DefaultQueueCapacity.
func (f *Filters) SubscribeQueue(rule MatchRule, capacity int) *Handle {
	return f.add(&Handle{rule: rule, queue: newQueue(capacity)})
}

func (f *Filters) add(h *Handle) *Handle {
	f.nextID++
	h.id = f.nextID
	h.filters = f
	f.handles = append(f.handles, h)
	return h
}

func (f *Filters) remove(h *Handle) {
	for i, cur := range f.handles {
		if cur == h {
			f.handles = append(f.handles[:i], f.handles[i+1:]...)
			return
		}
	}
}

// Dispatch delivers msg to every matching subscription in registration
// order and returns their handles. Messages nothing matched go to the
// unhandled observer.
func (f *Filters) Dispatch(msg *wire.Message) []*Handle {
	var matched []*Handle
	for _, h := range f.handles {
		if h.rule.Matches(msg) {
			matched = append(matched, h)
		}
	}
	if len(matched) == 0 {
		if f.unhandled != nil {
			f.unhandled(msg)
		}
		return nil
	}
	for _, h := range matched {
		if !h.closed {
			h.deliver(msg)
		}
	}
	return matched
}

// Find returns the open handles with rule's sender, interface and path.
// An empty member in rule matches any member.
func (f *Filters) Find(rule MatchRule) []*Handle {
	var out []*Handle
	for _, h := range f.handles {
		r := h.rule
		if r.Sender != rule.Sender || r.Interface != rule.Interface || r.Path != rule.Path {
			continue
		}
		if rule.Member != "" && r.Member != rule.Member {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Handles returns the open handles in registration order.
func (f *Filters) Handles() []*Handle {
	return append([]*Handle(nil), f.handles...)
}

func (f *Filters) Len() int { return len(f.handles) }

// Clear closes every subscription.
func (f *Filters) Clear() {
	handles := f.handles
	f.handles = nil
	for _, h := range handles {
		h.closed = true
	}
}
