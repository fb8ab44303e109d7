package router

import (
	"errors"
	"fmt"
)

var (
	ErrSerialInUse      = errors.New("router: serial already pending")
	ErrConnectionClosed = errors.New("router: connection closed")
	ErrNotReady         = errors.New("router: future not resolved")
)

// CallError is an error reply to one call. It only fails the waiting future.
type CallError struct {
	Name    string
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("router: call failed: %s", e.Name)
	}
	return fmt.Sprintf("router: call failed: %s: %s", e.Name, e.Message)
}
