// Package router correlates replies with pending calls and routes signals to
// subscribers.
//
// Ownership boundary:
// - Replies owns the serial -> Future table for outstanding calls.
// - Filters owns match rules and their listeners.
// - Router composes both for one connection; it never performs I/O.
package router
