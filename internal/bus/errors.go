package bus

import "errors"

var (
	ErrClosed           = errors.New("bus: connection closed")
	ErrAlreadyOpen      = errors.New("bus: connection already opened")
	ErrNotAuthenticated = errors.New("bus: not authenticated")
	ErrTransport        = errors.New("bus: transport failure")
	ErrProtocol         = errors.New("bus: protocol failure")
	ErrAuth             = errors.New("bus: authentication failure")
	ErrTaskPanic        = errors.New("bus: task panicked")
	ErrNilTransport     = errors.New("bus: transport is nil")
)
