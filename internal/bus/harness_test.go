package bus

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/sigbus/internal/protocol/sasl"
	"github.com/danmuck/sigbus/internal/protocol/wire"
	"github.com/danmuck/sigbus/internal/services"
)

// fakeBus is a scripted peer. It records what the client writes and feeds
// hand-built replies back through DataReceived.
type fakeBus struct {
	t         *testing.T
	conn      *Conn
	host      string
	port      int
	authLines [][]byte
	begun     bool
	parser    *wire.Parser
	serial    uint32
	closes    int
	writeErr  error
	onClose   func()
}

func (b *fakeBus) Connect(host string, port int) error {
	b.host = host
	b.port = port
	return nil
}

func (b *fakeBus) Write(p []byte) error {
	if b.writeErr != nil {
		return b.writeErr
	}
	if !b.begun {
		if bytes.Equal(p, sasl.Begin) {
			b.begun = true
			return nil
		}
		b.authLines = append(b.authLines, append([]byte(nil), p...))
		return nil
	}
	b.parser.Feed(p)
	return nil
}

func (b *fakeBus) Close() error {
	b.closes++
	if b.onClose != nil {
		b.onClose()
	}
	return nil
}

func newFakeBus(t *testing.T, cfg Config) *fakeBus {
	t.Helper()
	b := &fakeBus{t: t, parser: wire.NewParser()}
	if cfg.Host == "" {
		cfg.Host = "bus.test"
		cfg.Port = 4700
	}
	conn, err := New(b, cfg)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	b.conn = conn
	return b
}

// open runs the handshake up to the point where Hello has been sent.
func (b *fakeBus) open() {
	b.t.Helper()
	if err := b.conn.Open(); err != nil {
		b.t.Fatalf("open: %v", err)
	}
	b.conn.DataReceived([]byte("OK 0123abcd\r\n"))
	if b.conn.State() != StateAuthenticated {
		b.t.Fatalf("state=%s want authenticated", b.conn.State())
	}
}

func (b *fakeBus) sent() []*wire.Message {
	b.t.Helper()
	var out []*wire.Message
	for msg, err := range b.parser.Messages() {
		if err != nil {
			b.t.Fatalf("client wrote a bad frame: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// expect pops the next client message and checks its member.
func (b *fakeBus) expect(member string) *wire.Message {
	b.t.Helper()
	msg, ok, err := b.parser.Next()
	if err != nil {
		b.t.Fatalf("client wrote a bad frame: %v", err)
	}
	if !ok {
		b.t.Fatalf("expected %s, client sent nothing", member)
	}
	if msg.Member() != member {
		b.t.Fatalf("expected %s, got %s", member, msg)
	}
	return msg
}

func (b *fakeBus) deliver(msg *wire.Message) {
	b.t.Helper()
	b.serial++
	msg.Serial = b.serial
	data, err := msg.Marshal()
	if err != nil {
		b.t.Fatalf("marshal server message: %v", err)
	}
	b.conn.DataReceived(data)
}

func (b *fakeBus) reply(call *wire.Message, sig wire.Signature, body ...any) {
	b.t.Helper()
	msg := wire.NewMethodReturn(call, sig, body...)
	msg.SetHeader(wire.FieldSender, services.DBus.BusName)
	b.deliver(msg)
}

func (b *fakeBus) replyError(call *wire.Message, name, text string) {
	b.t.Helper()
	msg := wire.NewError(call, name, text)
	msg.SetHeader(wire.FieldSender, services.DBus.BusName)
	b.deliver(msg)
}

func (b *fakeBus) signal(sender string, svc services.Service, member string, sig wire.Signature, body ...any) {
	b.t.Helper()
	msg := wire.NewSignal(svc.Path, svc.Interface, member, sig, body...)
	msg.SetHeader(wire.FieldSender, sender)
	b.deliver(msg)
}

// recorder is an Observer that counts events.
type recorder struct {
	states    []State
	sent      int
	received  int
	authOK    int
	authFail  int
	unhandled int
	failed    []string
	dropped   int
}

func (r *recorder) StateChanged(s State) { r.states = append(r.states, s) }
func (r *recorder) MessageSent(wire.Kind) { r.sent++ }
func (r *recorder) MessageReceived(wire.Kind) { r.received++ }
func (r *recorder) Unhandled(*wire.Message) { r.unhandled++ }
func (r *recorder) TaskFailed(name string) { r.failed = append(r.failed, name) }
func (r *recorder) QueueDropped(string) { r.dropped++ }
func (r *recorder) PendingReplies(int) {}
func (r *recorder) AuthFinished(_ string, ok bool) {
	if ok {
		r.authOK++
		return
	}
	r.authFail++
}

func isClosedWith(t *testing.T, c *Conn, target error) {
	t.Helper()
	if c.State() != StateClosed {
		t.Fatalf("state=%s want closed", c.State())
	}
	if !errors.Is(c.Err(), target) {
		t.Fatalf("close reason=%v want %v", c.Err(), target)
	}
}
