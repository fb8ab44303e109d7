// Package bridge hosts one bus connection: it owns the socket, serializes
// every call into the bus engine through a single event loop and exposes a
// small admin API.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/sigbus/internal/bus"
	"github.com/danmuck/sigbus/internal/logging"
	"github.com/danmuck/sigbus/internal/observability"
	"github.com/danmuck/sigbus/internal/protocol/sasl"
	"github.com/danmuck/sigbus/internal/router"
	"github.com/danmuck/sigbus/internal/services"
	"github.com/rs/zerolog"
)

// Sink receives every decoded MessageReceived payload.
type Sink func(services.Incoming)

// Status is a point-in-time view of the connection.
type Status struct {
	Name          string   `json:"name"`
	Address       string   `json:"address"`
	Connected     bool     `json:"connected"`
	State         string   `json:"state"`
	UniqueName    string   `json:"unique_name,omitempty"`
	TargetOwner   string   `json:"target_owner,omitempty"`
	Pending       int      `json:"pending"`
	Tasks         []string `json:"tasks"`
	Subscriptions []string `json:"subscriptions"`
	Attempts      int      `json:"attempts"`
	LastError     string   `json:"last_error,omitempty"`
}

// Service runs the bus connection and reconnects it when it drops.
type Service struct {
	cfg     Config
	addr    services.Address
	log     zerolog.Logger
	metrics *observability.BusMetrics
	sink    Sink
	dial    dialFunc
	rng     *rand.Rand
	started time.Time

	mu        sync.Mutex
	post      func(func(*bus.Conn)) error
	attempts  int
	lastErr   error
	requested bool
}

func NewService(cfg Config, sink Sink) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr, err := services.ParseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	return &Service{
		cfg:     cfg,
		addr:    addr,
		log:     logging.Component("bridge").With().Str("bus", cfg.Name).Logger(),
		metrics: observability.NewBusMetrics(cfg.Name),
		sink:    sink,
		dial:    dialer.DialContext,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		started: time.Now(),
	}, nil
}

// Run connects and serves until ctx ends, the connection is closed on
// request, or reconnect attempts run out.
func (s *Service) Run(ctx context.Context) error {
	var admin *http.Server
	if s.cfg.AdminAddr != "" {
		admin = &http.Server{Addr: s.cfg.AdminAddr, Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			s.log.Info().Str("addr", s.cfg.AdminAddr).Msg("admin_listen")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error().Err(err).Msg("admin_server_failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
	}

	failures := 0
	for {
		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()

		established, err := s.session(ctx)
		s.setLastErr(err)
		if ctx.Err() != nil {
			return nil
		}
		if s.closeRequested() {
			s.log.Info().Msg("bridge_stopped")
			return nil
		}
		if !s.cfg.Reconnect {
			return err
		}
		if established {
			failures = 0
		}
		failures++
		if s.cfg.MaxAttempts > 0 && failures >= s.cfg.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, failures, err)
		}
		delay := nextDelay(s.cfg.Backoff, failures, s.rng)
		s.log.Warn().Err(err).Int("attempt", failures).Dur("retry_in", delay).Msg("bus_reconnect")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection until it closes. established reports
// whether authentication succeeded.
func (s *Service) session(ctx context.Context) (established bool, err error) {
	events := make(chan func(), 64)
	stop := make(chan struct{})
	defer close(stop)

	closed := make(chan error, 1)
	tr := &tcpTransport{dial: s.dial, dialTimeout: s.cfg.DialTimeout, writeTimeout: s.cfg.WriteTimeout}
	logger := s.log
	conn, err := bus.New(tr, bus.Config{
		Host:          s.addr.Host,
		Port:          s.addr.Port,
		Auth:          sasl.Config{Policy: s.cfg.AuthPolicy, UID: s.cfg.UID, Trace: s.cfg.Trace},
		Target:        services.Signal,
		Member:        s.cfg.Member,
		Obey:          s.cfg.Obey,
		QueueCapacity: s.cfg.QueueCapacity,
		Logger:        &logger,
		Observer:      s.metrics,
		OnSignal:      s.onSignal,
		OnClosed:      func(reason error) { closed <- reason },
	})
	if err != nil {
		return false, err
	}

	s.log.Info().Str("address", s.cfg.Address).Msg("bus_connect")
	if err := conn.Open(); err != nil {
		return false, err
	}

	post := func(fn func(*bus.Conn)) error {
		select {
		case events <- func() { fn(conn) }:
			return nil
		case <-stop:
			return ErrNotConnected
		}
	}
	s.setPost(post)
	defer s.setPost(nil)

	go s.read(tr.conn, events, stop, conn)

	cancelled := ctx.Done()
	for {
		select {
		case <-cancelled:
			cancelled = nil
			conn.Close(nil)
		case fn := <-events:
			fn()
		case reason := <-closed:
			return conn.GUID() != "", reason
		}
	}
}

// read copies socket chunks into the event loop. It exits when the socket
// fails or the session stops.
func (s *Service) read(sock net.Conn, events chan<- func(), stop <-chan struct{}, conn *bus.Conn) {
	buf := make([]byte, s.cfg.ReadBuffer)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case events <- func() { conn.DataReceived(chunk) }:
			case <-stop:
				return
			}
		}
		if err != nil {
			select {
			case events <- func() { conn.ConnectionLost(err) }:
			case <-stop:
			}
			return
		}
	}
}

func (s *Service) onSignal(body []any) {
	in, err := services.ParseIncoming(body)
	observability.RecordIncoming(s.cfg.Name, err == nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("incoming_malformed")
		return
	}
	s.log.Info().
		Str("source", in.Source).
		Bool("group", len(in.GroupID) > 0).
		Int("attachments", len(in.Attachments)).
		Time("sent", in.Time()).
		Msg("incoming_message")
	if s.sink != nil {
		s.sink(in)
	}
}

func (s *Service) setPost(post func(func(*bus.Conn)) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.post = post
}

func (s *Service) setLastErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *Service) closeRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// Do runs fn on the event loop and waits for it to return.
func (s *Service) Do(ctx context.Context, fn func(*bus.Conn) error) error {
	s.mu.Lock()
	post := s.post
	s.mu.Unlock()
	if post == nil {
		return ErrNotConnected
	}
	result := make(chan error, 1)
	if err := post(func(c *bus.Conn) { result <- fn(c) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs build on the event loop and waits for the future it returns.
func (s *Service) Call(ctx context.Context, build func(*bus.Conn) (*router.Future, error)) ([]any, error) {
	done := make(chan struct{})
	var body []any
	var callErr error
	err := s.Do(ctx, func(c *bus.Conn) error {
		reply, err := build(c)
		if err != nil {
			return err
		}
		reply.OnDone(func(r *router.Future) {
			body, callErr = r.Body(), r.Err()
			close(done)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
		return body, callErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect removes the bus-side subscriptions and closes without
// reconnecting.
// Without a live connection it returns ErrNotConnected and the next
// session still reconnects.
func (s *Service) Disconnect(ctx context.Context) error {
	return s.Do(ctx, func(c *bus.Conn) error {
		s.mu.Lock()
		s.requested = true
		s.mu.Unlock()
		c.Disconnect()
		return nil
	})
}

// Status snapshots the connection from the event loop.
func (s *Service) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{Name: s.cfg.Name, Address: s.cfg.Address, Attempts: s.attempts, State: "disconnected"}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	type live struct {
		state, unique, owner string
		open                 bool
		pending              int
		tasks, rules         []string
	}
	snap := make(chan live, 1)
	err := s.Do(ctx, func(c *bus.Conn) error {
		l := live{
			state:   c.State().String(),
			unique:  c.UniqueName(),
			owner:   c.TargetOwner(),
			open:    c.State() != bus.StateClosed,
			pending: c.Pending(),
			tasks:   c.Tasks(),
		}
		for _, rule := range c.Subscriptions() {
			l.rules = append(l.rules, rule.String())
		}
		snap <- l
		return nil
	})
	if err == nil {
		l := <-snap
		st.Connected = l.open
		st.State = l.state
		st.UniqueName = l.unique
		st.TargetOwner = l.owner
		st.Pending = l.pending
		st.Tasks = l.tasks
		st.Subscriptions = l.rules
	}
	if st.Tasks == nil {
		st.Tasks = []string{}
	}
	if st.Subscriptions == nil {
		st.Subscriptions = []string{}
	}
	return st
}
