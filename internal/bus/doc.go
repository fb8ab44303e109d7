// Package bus is the cooperative connection engine.
//
// Ownership boundary:
// - Conn owns the authenticator, the frame parser and the router for one
//   connection, plus every task running on it.
// - The host owns the socket. It implements Transport and hands inbound
//   bytes to Conn.DataReceived from a single goroutine.
// - Nothing here blocks: every wait is a task suspension resumed by the
//   driver after inbound data or a send.
package bus
