package bridge

import (
	"context"
	"net"
	"strconv"
	"time"
)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// tcpTransport adapts a TCP socket to bus.Transport. Reads happen on the
// service's reader goroutine, never through the transport.
type tcpTransport struct {
	dial         dialFunc
	dialTimeout  time.Duration
	writeTimeout time.Duration
	conn         net.Conn
}

func (t *tcpTransport) Connect(host string, port int) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()
	conn, err := t.dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *tcpTransport) Write(p []byte) error {
	if t.conn == nil {
		return net.ErrClosed
	}
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := t.conn.Write(p)
	return err
}

func (t *tcpTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
