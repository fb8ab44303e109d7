package services

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const DefaultPort = 47000

var (
	ErrBadAddress           = errors.New("services: malformed bus address")
	ErrUnsupportedTransport = errors.New("services: unsupported bus transport")
)

// Address is a TCP bus address.
type Address struct {
	Host string
	Port int
}

func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	return fmt.Sprintf("tcp:host=%s,port=%d", a.Host, a.Port)
}

// ParseAddress reads the first tcp entry of a ';' separated bus address,
// e.g. "tcp:host=signal.service,port=1234". Other transports are rejected.
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrBadAddress)
	}
	var unsupported string
	for _, entry := range strings.Split(raw, ";") {
		if entry == "" {
			continue
		}
		transport, params, ok := strings.Cut(entry, ":")
		if !ok {
			return Address{}, fmt.Errorf("%w: %q", ErrBadAddress, entry)
		}
		if transport != "tcp" {
			unsupported = transport
			continue
		}
		return parseTCP(params)
	}
	if unsupported != "" {
		return Address{}, fmt.Errorf("%w: %s", ErrUnsupportedTransport, unsupported)
	}
	return Address{}, fmt.Errorf("%w: %q", ErrBadAddress, raw)
}

func parseTCP(params string) (Address, error) {
	addr := Address{Port: DefaultPort}
	for _, kv := range strings.Split(params, ",") {
		if kv == "" {
			continue
		}
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return Address{}, fmt.Errorf("%w: %q", ErrBadAddress, kv)
		}
		switch key {
		case "host":
			addr.Host = value
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil || port <= 0 || port > 65535 {
				return Address{}, fmt.Errorf("%w: port %q", ErrBadAddress, value)
			}
			addr.Port = port
		}
	}
	if addr.Host == "" {
		return Address{}, fmt.Errorf("%w: missing host", ErrBadAddress)
	}
	return addr, nil
}
