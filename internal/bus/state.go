package bus

import "fmt"

// State is the connection's bootstrap progress. It only moves forward and
// StateClosed is terminal.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateSessionOpen
	StateServiceResolved
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateSessionOpen:
		return "session_open"
	case StateServiceResolved:
		return "service_resolved"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}
