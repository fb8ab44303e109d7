// Package sasl owns the line-based authentication handshake that precedes
// binary framing.
//
// Only EXTERNAL and ANONYMOUS are spoken. The fallback from EXTERNAL to
// ANONYMOUS is selected by an explicit Policy and attempted at most once.
package sasl

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNotStarted     = errors.New("sasl: handshake not started")
	ErrAlreadyStarted = errors.New("sasl: handshake already started")
	ErrFinished       = errors.New("sasl: handshake already finished")
	ErrLineTooLong    = errors.New("sasl: line too long")
	ErrUnknownPolicy  = errors.New("sasl: unknown policy")
)

const maxLineLen = 16 * 1024

var (
	// Begin switches the peer to binary framing.
	Begin = []byte("BEGIN\r\n")
	crlf  = []byte("\r\n")
)

// Mechanism is one supported SASL mechanism.
type Mechanism string

const (
	External  Mechanism = "EXTERNAL"
	Anonymous Mechanism = "ANONYMOUS"
)

// Policy selects which mechanisms are tried and in what order.
type Policy int

const (
	ExternalThenAnonymous Policy = iota
	ExternalOnly
	AnonymousOnly
)

func (p Policy) String() string {
	switch p {
	case ExternalThenAnonymous:
		return "external+anonymous"
	case ExternalOnly:
		return "external"
	case AnonymousOnly:
		return "anonymous"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts the config spellings of a Policy.
func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "default", "external+anonymous", "external,anonymous", "fallback":
		return ExternalThenAnonymous, nil
	case "external":
		return ExternalOnly, nil
	case "anonymous":
		return AnonymousOnly, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, raw)
}

// State is the authenticator's position in the handshake.
type State int

const (
	StateConnecting State = iota
	StateSendFirstMechanism
	StateWaitingForOutcome
	StateWaitingForFallbackMechanism
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSendFirstMechanism:
		return "send_first_mechanism"
	case StateWaitingForOutcome:
		return "waiting_for_outcome"
	case StateWaitingForFallbackMechanism:
		return "waiting_for_fallback_mechanism"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AuthError is a terminal authentication failure.
type AuthError struct {
	Mechanism Mechanism
	Line      string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("sasl: %s authentication failed: %q", e.Mechanism, e.Line)
}

// Config carries the identity material for each mechanism.
type Config struct {
	Policy Policy
	// UID is sent, hex encoded, as the EXTERNAL identity.
	UID int
	// Trace is sent, hex encoded, as the ANONYMOUS trace string.
	Trace string
}

// Authenticator is a sans-IO client for the handshake. Start produces the
// first line; Feed consumes server lines and returns bytes to send back.
type Authenticator struct {
	cfg      Config
	state    State
	current  Mechanism
	fallback bool
	buf      []byte
	guid     string
	rejected []Mechanism
	err      error
}

func New(cfg Config) *Authenticator {
	if cfg.Trace == "" {
		cfg.Trace = "sigbus"
	}
	return &Authenticator{cfg: cfg}
}

func (a *Authenticator) State() State { return a.state }
func (a *Authenticator) Mechanism() Mechanism { return a.current }
func (a *Authenticator) GUID() string { return a.guid }
func (a *Authenticator) Err() error { return a.err }

// Authenticated reports whether the server accepted a mechanism.
func (a *Authenticator) Authenticated() bool {
	return a.state == StateAuthenticated
}

// FallbackAttempted reports whether ANONYMOUS was sent after a rejection.
func (a *Authenticator) FallbackAttempted() bool {
	return a.fallback
}

// Start returns the leading nul byte plus the first AUTH line.
func (a *Authenticator) Start() ([]byte, error) {
	if a.state != StateConnecting {
		return nil, ErrAlreadyStarted
	}
	a.state = StateSendFirstMechanism
	first := External
	if a.cfg.Policy == AnonymousOnly {
		first = Anonymous
	}
	line := a.authLine(first)
	a.state = StateWaitingForOutcome
	return append([]byte{0}, line...), nil
}

func (a *Authenticator) authLine(mech Mechanism) []byte {
	a.current = mech
	var initial string
	switch mech {
	case External:
		initial = hex.EncodeToString([]byte(strconv.Itoa(a.cfg.UID)))
	case Anonymous:
		initial = hex.EncodeToString([]byte(a.cfg.Trace))
	}
	return []byte("AUTH " + string(mech) + " " + initial + "\r\n")
}

// HasLine reports whether a complete server line is buffered.
func (a *Authenticator) HasLine() bool {
	return a.state == StateWaitingForOutcome && bytes.Contains(a.buf, crlf)
}

// Feed buffers data and processes exactly one complete line. The returned
// bytes, if any, must be written to the peer. Once authenticated, bytes
// that followed the OK line are available from Remainder.
func (a *Authenticator) Feed(data []byte) ([]byte, error) {
	switch a.state {
	case StateConnecting:
		return nil, ErrNotStarted
	case StateAuthenticated:
		return nil, ErrFinished
	case StateFailed:
		return nil, a.err
	}
	a.buf = append(a.buf, data...)
	idx := bytes.Index(a.buf, crlf)
	if idx < 0 {
		if len(a.buf) > maxLineLen {
			return nil, a.fail(fmt.Errorf("%w: %d bytes without CRLF", ErrLineTooLong, len(a.buf)))
		}
		return nil, nil
	}
	line := string(a.buf[:idx])
	a.buf = a.buf[idx+len(crlf):]
	return a.handle(line)
}

func (a *Authenticator) handle(line string) ([]byte, error) {
	verb, args, _ := strings.Cut(line, " ")
	switch verb {
	case "OK":
		a.guid = strings.TrimSpace(args)
		a.state = StateAuthenticated
		return Begin, nil
	case "REJECTED":
		a.rejected = a.rejected[:0]
		for _, m := range strings.Fields(args) {
			a.rejected = append(a.rejected, Mechanism(m))
		}
		if a.canFallBack() {
			a.state = StateWaitingForFallbackMechanism
			a.fallback = true
			out := a.authLine(Anonymous)
			a.state = StateWaitingForOutcome
			return out, nil
		}
	}
	return nil, a.fail(&AuthError{Mechanism: a.current, Line: line})
}

func (a *Authenticator) canFallBack() bool {
	if a.cfg.Policy != ExternalThenAnonymous || a.fallback || a.current != External {
		return false
	}
	for _, m := range a.rejected {
		if m == Anonymous {
			return true
		}
	}
	return false
}

func (a *Authenticator) fail(err error) error {
	a.state = StateFailed
	a.err = err
	return err
}

// Remainder returns and clears bytes received after the OK line. They
// belong to the binary stream.
func (a *Authenticator) Remainder() []byte {
	if a.state != StateAuthenticated {
		return nil
	}
	rest := a.buf
	a.buf = nil
	return rest
}
