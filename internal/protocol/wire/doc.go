// Package wire owns the binary message codec for the bus protocol.
//
// Ownership boundary:
// - type signatures and value alignment
// - message prefix, header field array and body encoding
// - incremental frame extraction from a byte stream
//
// Every value is aligned relative to the first byte of its message. The
// codec never recovers from malformed input: any decode failure is a
// *ProtocolError and the caller must drop the connection.
package wire
