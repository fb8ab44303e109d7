package bus

import "github.com/danmuck/sigbus/internal/protocol/wire"

// Observer receives connection events for metrics. Methods run on the
// driver's goroutine and must not call back into the connection.
type Observer interface {
	StateChanged(State)
	MessageSent(wire.Kind)
	MessageReceived(wire.Kind)
	AuthFinished(mechanism string, ok bool)
	Unhandled(*wire.Message)
	TaskFailed(task string)
	QueueDropped(rule string)
	PendingReplies(n int)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State) {}
func (nopObserver) MessageSent(wire.Kind) {}
func (nopObserver) MessageReceived(wire.Kind) {}
func (nopObserver) AuthFinished(string, bool) {}
func (nopObserver) Unhandled(*wire.Message) {}
func (nopObserver) TaskFailed(string) {}
func (nopObserver) QueueDropped(string) {}
func (nopObserver) PendingReplies(int) {}
