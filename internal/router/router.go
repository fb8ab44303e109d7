package router

import "github.com/danmuck/sigbus/internal/protocol/wire"

// Router offers each incoming message to the reply table first and to the
// subscription registry second.
type Router struct {
	Replies *Replies
	Filters *Filters
}

func New() *Router {
	return &Router{Replies: NewReplies(), Filters: NewFilters()}
}

// Incoming routes msg. It reports whether a pending call or a subscription
// consumed it.
func (r *Router) Incoming(msg *wire.Message) bool {
	if r.Replies.Dispatch(msg) {
		return true
	}
	return len(r.Filters.Dispatch(msg)) > 0
}
