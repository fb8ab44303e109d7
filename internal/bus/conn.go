package bus

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/sigbus/internal/logging"
	"github.com/danmuck/sigbus/internal/protocol/sasl"
	"github.com/danmuck/sigbus/internal/protocol/wire"
	"github.com/danmuck/sigbus/internal/router"
	"github.com/danmuck/sigbus/internal/services"
	"github.com/rs/zerolog"
)

// Transport is the host's socket. Conn never reads from it; the host
// delivers inbound bytes through DataReceived.
type Transport interface {
	Connect(host string, port int) error
	Write(p []byte) error
	Close() error
}

// Handler receives the body of every signal matched by the target
// subscription.
type Handler func(body []any)

type Config struct {
	Host string
	Port int
	Auth sasl.Config
	// Target is the service whose owner is resolved during bootstrap.
	Target services.Service
	// Member is the target signal delivered to OnSignal when Obey is set.
	Member string
	Obey   bool
	// QueueCapacity bounds queues created by SubscribeQueue.
	QueueCapacity int

	Logger   *zerolog.Logger
	Observer Observer
	OnSignal Handler
	OnClosed func(reason error)
}

func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          services.DefaultPort,
		Auth:          sasl.Config{Policy: sasl.ExternalThenAnonymous, UID: os.Getuid()},
		Target:        services.Signal,
		Member:        services.MemberMessageReceived,
		Obey:          true,
		QueueCapacity: router.DefaultQueueCapacity,
	}
}

// Conn is one client connection. All methods must be called from the
// host's single event goroutine.
type Conn struct {
	cfg       Config
	transport Transport
	log       zerolog.Logger
	observer  Observer

	state    State
	auth     *sasl.Authenticator
	parser   *wire.Parser
	router   *router.Router
	serial   uint32
	lastKind wire.Kind

	tasks   []*Task
	current *Task
	driving bool
	redrive bool

	uniqueName  string
	targetOwner string
	closeErr    error
}

func New(transport Transport, cfg Config) (*Conn, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if cfg.Target.BusName == "" {
		cfg.Target = services.Signal
	}
	if cfg.Member == "" {
		cfg.Member = services.MemberMessageReceived
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = router.DefaultQueueCapacity
	}
	c := &Conn{
		cfg:       cfg,
		transport: transport,
		observer:  cfg.Observer,
		auth:      sasl.New(cfg.Auth),
		parser:    wire.NewParser(),
		router:    router.New(),
	}
	if cfg.Logger != nil {
		c.log = *cfg.Logger
	} else {
		c.log = logging.Component("bus")
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	c.router.Filters.OnUnhandled(c.unhandled)
	c.router.Filters.OnDrop(func(h *router.Handle) {
		c.log.Warn().Str("rule", h.Rule().String()).Int("dropped", h.Queue().Dropped()).Msg("signal_queue_overflow")
		c.observer.QueueDropped(h.Rule().String())
	})
	return c, nil
}

func (c *Conn) State() State { return c.state }
func (c *Conn) UniqueName() string { return c.uniqueName }
func (c *Conn) TargetOwner() string { return c.targetOwner }
func (c *Conn) GUID() string { return c.auth.GUID() }
func (c *Conn) Err() error { return c.closeErr }
func (c *Conn) Router() *router.Router { return c.router }

// Pending returns the number of calls awaiting a reply.
func (c *Conn) Pending() int { return c.router.Replies.Len() }

// Tasks returns the names of the tasks still running.
func (c *Conn) Tasks() []string {
	out := make([]string, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.name)
	}
	return out
}

// Subscriptions returns the rules of the open subscriptions.
func (c *Conn) Subscriptions() []router.MatchRule {
	handles := c.router.Filters.Handles()
	out := make([]router.MatchRule, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Rule())
	}
	return out
}

func (c *Conn) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("bus_state")
	c.state = s
	c.observer.StateChanged(s)
}

// Open connects the transport and sends the first authentication line.
func (c *Conn) Open() error {
	if c.state != StateConnecting {
		return ErrAlreadyOpen
	}
	if err := c.transport.Connect(c.cfg.Host, c.cfg.Port); err != nil {
		return c.fail(fmt.Errorf("%w: connect %s:%d: %w", ErrTransport, c.cfg.Host, c.cfg.Port, err))
	}
	first, err := c.auth.Start()
	if err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrAuth, err))
	}
	c.setState(StateAuthenticating)
	c.log.Debug().Str("mechanism", string(c.auth.Mechanism())).Msg("auth_start")
	if err := c.transport.Write(first); err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrTransport, err))
	}
	return nil
}

// DataReceived consumes one inbound delivery and advances every task.
func (c *Conn) DataReceived(data []byte) {
	switch c.state {
	case StateClosed:
		return
	case StateConnecting:
		c.fail(fmt.Errorf("%w: data before open", ErrProtocol))
		return
	case StateAuthenticating:
		c.feedAuth(data)
	default:
		c.feedWire(data)
	}
	c.drive()
}

// ConnectionLost tears the connection down after a transport failure.
func (c *Conn) ConnectionLost(err error) {
	if err == nil {
		err = errors.New("peer closed")
	}
	c.fail(fmt.Errorf("%w: %w", ErrTransport, err))
}

func (c *Conn) feedAuth(data []byte) {
	for {
		out, err := c.auth.Feed(data)
		data = nil
		if err != nil {
			c.observer.AuthFinished(string(c.auth.Mechanism()), false)
			c.fail(fmt.Errorf("%w: %w", ErrAuth, err))
			return
		}
		if len(out) > 0 {
			if err := c.transport.Write(out); err != nil {
				c.fail(fmt.Errorf("%w: %w", ErrTransport, err))
				return
			}
		}
		if c.auth.Authenticated() {
			c.observer.AuthFinished(string(c.auth.Mechanism()), true)
			c.log.Info().
				Str("mechanism", string(c.auth.Mechanism())).
				Bool("fallback", c.auth.FallbackAttempted()).
				Str("guid", c.auth.GUID()).
				Msg("auth_ok")
			c.setState(StateAuthenticated)
			c.spawn(c.bootstrap())
			c.feedWire(c.auth.Remainder())
			return
		}
		if len(out) > 0 {
			c.log.Debug().Str("mechanism", string(c.auth.Mechanism())).Msg("auth_fallback")
		}
		if !c.auth.HasLine() {
			return
		}
	}
}

func (c *Conn) feedWire(data []byte) {
	c.parser.Feed(data)
	for msg, err := range c.parser.Messages() {
		if err != nil {
			c.fail(fmt.Errorf("%w: %w", ErrProtocol, err))
			return
		}
		c.lastKind = msg.Kind
		c.observer.MessageReceived(msg.Kind)
		c.router.Incoming(msg)
		c.observer.PendingReplies(c.router.Replies.Len())
		if c.state == StateClosed {
			return
		}
	}
}

func (c *Conn) unhandled(msg *wire.Message) {
	c.observer.Unhandled(msg)
	c.log.Debug().Str("msg", msg.String()).Msg("unhandled_message")
}

func (c *Conn) nextSerial() uint32 {
	c.serial++
	if c.serial == 0 {
		c.serial = 1
	}
	return c.serial
}

func (c *Conn) writable() error {
	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateConnecting, StateAuthenticating:
		return ErrNotAuthenticated
	}
	return nil
}

func (c *Conn) encode(msg *wire.Message) ([]byte, error) {
	msg.Serial = c.nextSerial()
	data, err := msg.Marshal()
	if err != nil {
		return nil, c.fail(fmt.Errorf("%w: encode %s: %w", ErrProtocol, msg.Member(), err))
	}
	return data, nil
}

func (c *Conn) write(msg *wire.Message, data []byte) error {
	if err := c.transport.Write(data); err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrTransport, err))
	}
	c.lastKind = msg.Kind
	c.observer.MessageSent(msg.Kind)
	c.drive()
	return nil
}

// Send writes msg without expecting a reply. Encode failures are fatal.
func (c *Conn) Send(msg *wire.Message) error {
	if err := c.writable(); err != nil {
		return err
	}
	msg.Flags |= wire.FlagNoReplyExpected
	data, err := c.encode(msg)
	if err != nil {
		return err
	}
	return c.write(msg, data)
}

// Call writes msg and returns the future for its reply. Encode failures
// are fatal; an error reply only fails the returned future.
func (c *Conn) Call(msg *wire.Message) (*router.Future, error) {
	if err := c.writable(); err != nil {
		return nil, err
	}
	msg.Flags &^= wire.FlagNoReplyExpected
	data, err := c.encode(msg)
	if err != nil {
		return nil, err
	}
	fut, err := c.router.Replies.Register(msg.Serial)
	if err != nil {
		return nil, err
	}
	c.observer.PendingReplies(c.router.Replies.Len())
	if err := c.write(msg, data); err != nil {
		return fut, err
	}
	return fut, nil
}

// CallMethod calls member on the named service from the service table.
func (c *Conn) CallMethod(node, member string, sig wire.Signature, args ...any) (*router.Future, error) {
	svc, err := services.Lookup(node)
	if err != nil {
		return nil, err
	}
	return c.Call(svc.Call(member, sig, args...))
}

// Subscribe registers fn under rule and asks the bus to route matching
// signals here. The returned future settles with the AddMatch reply.
func (c *Conn) Subscribe(rule router.MatchRule, fn router.Listener) (*router.Handle, *router.Future, error) {
	if err := c.writable(); err != nil {
		return nil, nil, err
	}
	h := c.router.Filters.Subscribe(rule, fn)
	fut, err := c.Call(services.AddMatch(rule))
	if err != nil {
		h.Close()
		return nil, nil, err
	}
	return h, fut, nil
}

// SubscribeQueue is Subscribe with a bounded queue. A capacity below one
// uses the configured default.
func (c *Conn) SubscribeQueue(rule router.MatchRule, capacity int) (*router.Handle, *router.Future, error) {
	if err := c.writable(); err != nil {
		return nil, nil, err
	}
	if capacity <= 0 {
		capacity = c.cfg.QueueCapacity
	}
	h := c.router.Filters.SubscribeQueue(rule, capacity)
	fut, err := c.Call(services.AddMatch(rule))
	if err != nil {
		h.Close()
		return nil, nil, err
	}
	return h, fut, nil
}

// Unsubscribe closes h and removes its rule on the bus unless another open
// subscription still uses the same rule.
func (c *Conn) Unsubscribe(h *router.Handle) (*router.Future, error) {
	h.Close()
	for _, other := range c.router.Filters.Find(h.Rule()) {
		if other.Rule() == h.Rule() {
			return nil, nil
		}
	}
	return c.Call(services.RemoveMatch(h.Rule()))
}

// Spawn starts a task and runs it until it first blocks.
func (c *Conn) Spawn(name string, steps ...Step) *Task {
	t := NewTask(name, steps...)
	if c.state == StateClosed {
		t.finish(ErrClosed)
		return t
	}
	c.spawn(t)
	return t
}

func (c *Conn) spawn(t *Task) {
	c.tasks = append(c.tasks, t)
	c.drive()
}

// Disconnect removes every bus-side match rule, then closes.
func (c *Conn) Disconnect() *Task {
	if c.writable() != nil {
		t := NewTask("disconnect")
		t.finish(c.Close(nil))
		return t
	}
	var waits []Awaitable
	return c.Spawn("disconnect",
		func() (Yield, error) {
			seen := make(map[string]bool)
			for _, rule := range c.Subscriptions() {
				key := rule.String()
				if seen[key] {
					continue
				}
				seen[key] = true
				fut, err := c.Call(services.RemoveMatch(rule))
				if err != nil {
					return Next, err
				}
				waits = append(waits, fut)
			}
			return Await(All(waits...)), nil
		},
		func() (Yield, error) {
			for _, w := range waits {
				if err := w.(*router.Future).Err(); err != nil {
					c.log.Warn().Err(err).Msg("remove_match_failed")
				}
			}
			return Next, c.Close(nil)
		},
	)
}

// Close tears the connection down: pending replies fail, tasks are
// discarded, subscriptions are cleared, then the transport is released.
// A nil reason is an orderly close.
func (c *Conn) Close(reason error) error {
	if c.state == StateClosed {
		return nil
	}
	last := c.state
	c.state = StateClosed
	c.closeErr = reason

	dropped := c.router.Replies.DropAll(reason)
	for _, t := range c.tasks {
		if !t.done && t != c.current {
			t.finish(ErrClosed)
		}
	}
	c.tasks = nil
	c.router.Filters.Clear()
	err := c.transport.Close()

	event := c.log.Info()
	if reason != nil {
		event = c.log.Error().Err(reason)
	}
	event.
		Str("last_state", last.String()).
		Str("last_kind", c.lastKind.String()).
		Int("dropped_replies", dropped).
		Msg("bus_closed")
	c.observer.PendingReplies(0)
	c.observer.StateChanged(StateClosed)
	if c.cfg.OnClosed != nil {
		c.cfg.OnClosed(reason)
	}
	return err
}

func (c *Conn) fail(err error) error {
	c.Close(err)
	return err
}

// drive advances every task until none can make progress. Calls made from
// inside a step only mark the loop for another pass.
func (c *Conn) drive() {
	if c.driving {
		c.redrive = true
		return
	}
	c.driving = true
	defer func() { c.driving = false }()
	for {
		c.redrive = false
		for i := 0; i < len(c.tasks); i++ {
			c.advance(c.tasks[i])
			if c.state == StateClosed {
				return
			}
		}
		live := c.tasks[:0]
		for _, t := range c.tasks {
			if !t.done {
				live = append(live, t)
			}
		}
		clear(c.tasks[len(live):])
		c.tasks = live
		if !c.redrive {
			return
		}
	}
}

func (c *Conn) advance(t *Task) {
	for !t.done {
		if t.Blocked() {
			return
		}
		t.wait = nil
		if t.pc >= len(t.steps) {
			t.finish(nil)
			c.log.Debug().Str("task", t.name).Msg("task_done")
			return
		}
		y, err := c.runStep(t)
		if t.done {
			return
		}
		if c.state == StateClosed {
			t.finish(err)
			return
		}
		if err != nil {
			t.finish(err)
			c.observer.TaskFailed(t.name)
			c.log.Error().Err(err).Str("task", t.name).Int("step", t.pc).Msg("task_failed")
			return
		}
		if !y.retry {
			t.pc++
		}
		t.wait = y.wait
	}
}

func (c *Conn) runStep(t *Task) (y Yield, err error) {
	c.current = t
	defer func() {
		c.current = nil
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	return t.steps[t.pc]()
}
