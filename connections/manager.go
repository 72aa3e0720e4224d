package connections

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"golang.org/x/sync/errgroup"

	"github.com/machinectx/mcp-go/faults"
	"github.com/machinectx/mcp-go/internal/logctx"
	"github.com/machinectx/mcp-go/mcp"
	"github.com/machinectx/mcp-go/messaging"
	"github.com/machinectx/mcp-go/ports"
	"github.com/machinectx/mcp-go/security"
	"github.com/machinectx/mcp-go/state"
)

// Connection lifecycle statuses. Kept as strings so the allowed-edges table
// from the state package governs them directly.
const (
	StatusConnecting     = "connecting"
	StatusAuthenticating = "authenticating"
	StatusActive         = "active"
	StatusIdle           = "idle"
	StatusDraining       = "draining"
	StatusClosed         = "closed"
)

// lifecycle is the allowed-edges table for connections. Every status may
// also jump straight to closed on fatal error or explicit close.
var lifecycle = state.NewMachine(map[string][]string{
	StatusConnecting:     {StatusAuthenticating, StatusClosed},
	StatusAuthenticating: {StatusActive, StatusClosed},
	StatusActive:         {StatusIdle, StatusDraining, StatusClosed},
	StatusIdle:           {StatusActive, StatusDraining, StatusClosed},
	StatusDraining:       {StatusClosed},
})

// Config controls admission and keep-alive behavior. Defaults can be
// loaded via envdecode.
type Config struct {
	// MaxConnections caps simultaneously admitted connections. ENV: MCP_MAX_CONNECTIONS
	MaxConnections uint32 `env:"MCP_MAX_CONNECTIONS,default=100"`
	// ConnectionTimeout bounds the open handshake. ENV: MCP_CONNECTION_TIMEOUT
	ConnectionTimeout time.Duration `env:"MCP_CONNECTION_TIMEOUT,default=30s"`
	// KeepAliveInterval is the expected heartbeat cadence. ENV: MCP_KEEP_ALIVE_INTERVAL
	KeepAliveInterval time.Duration `env:"MCP_KEEP_ALIVE_INTERVAL,default=10s"`
	// KeepAliveGrace multiplies the interval before a silent connection is
	// drained. ENV: MCP_KEEP_ALIVE_GRACE
	KeepAliveGrace uint32 `env:"MCP_KEEP_ALIVE_GRACE,default=3"`
	// MaxMessageQueue bounds the per-connection outbound queue. ENV: MCP_MAX_MESSAGE_QUEUE
	MaxMessageQueue uint32 `env:"MCP_MAX_MESSAGE_QUEUE,default=256"`
}

// ConfigFromEnv populates a Config from the environment; struct tag
// defaults fill anything unset.
func ConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return cfg
}

// Dialer establishes the transport for an admitted connection. Transport
// bindings are external collaborators; the core only needs something that
// can deliver framed messages.
type Dialer interface {
	Dial(ctx context.Context, remoteEndpoint string, port uint16) (messaging.Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, remoteEndpoint string, port uint16) (messaging.Transport, error)

func (f DialerFunc) Dial(ctx context.Context, remoteEndpoint string, port uint16) (messaging.Transport, error) {
	return f(ctx, remoteEndpoint, port)
}

// Info is the public, read-only view of a connection.
type Info struct {
	ID             string
	RemoteEndpoint string
	Subject        string
	Status         string
	Port           uint16
	LastHeartbeat  time.Time
}

type conn struct {
	id       string
	remote   string
	subject  string
	port     uint16
	queue    chan *mcp.ProtocolMessage
	cancel   context.CancelFunc
	lastBeat time.Time
	status   string
	closed   bool
}

// Manager owns the connection table and drives each connection's lifecycle.
// Safe for concurrent use.
type Manager struct {
	cfg      Config
	ports    *ports.Manager
	security *security.Manager
	msgs     *messaging.Handler
	faults   *faults.Handler
	dialer   Dialer
	clock    clock.Clock
	log      *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager wires the connection manager to its collaborators. All
// dependencies are explicit constructor arguments.
func NewManager(cfg Config, pm *ports.Manager, sec *security.Manager, msgs *messaging.Handler, fh *faults.Handler, dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		ports:    pm,
		security: sec,
		msgs:     msgs,
		faults:   fh,
		dialer:   dialer,
		clock:    clock.New(),
		log:      slog.Default(),
		conns:    make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// admitted counts connections that occupy an admission slot. Draining and
// closed connections no longer count against the limit.
func (m *Manager) admitted() int {
	n := 0
	for _, c := range m.conns {
		switch c.status {
		case StatusConnecting, StatusAuthenticating, StatusActive, StatusIdle:
			n++
		}
	}
	return n
}

// Open admits a new connection: it checks the admission limit, reserves a
// port, verifies the credential, binds the port, dials the transport, and
// registers the connection with the message handler. On any failure the
// port is released and nothing is left behind.
func (m *Manager) Open(ctx context.Context, remoteEndpoint, subject, credential string) (string, error) {
	ctx, cancelTimeout := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	defer cancelTimeout()

	m.mu.Lock()
	if m.admitted() >= int(m.cfg.MaxConnections) {
		m.mu.Unlock()
		return "", &Error{Kind: ErrLimitReached}
	}
	c := &conn{
		id:       uuid.NewString(),
		remote:   remoteEndpoint,
		subject:  subject,
		status:   StatusConnecting,
		lastBeat: m.clock.Now(),
	}
	m.conns[c.id] = c
	m.mu.Unlock()

	ctx = logctx.WithConnectionData(ctx, &logctx.ConnectionData{
		ConnectionID:   c.id,
		RemoteEndpoint: remoteEndpoint,
		Subject:        subject,
	})

	port, err := m.ports.Allocate(subject)
	if err != nil {
		m.faults.Record(ctx, faults.KindPort, "connections", "open", err)
		m.abandon(c)
		return "", err
	}

	if err := m.transition(c, StatusAuthenticating); err != nil {
		_ = m.ports.Release(port)
		m.abandon(c)
		return "", err
	}
	if _, err := m.security.Verify(subject, credential); err != nil {
		m.faults.Record(ctx, faults.KindSecurity, "connections", "open", err)
		_ = m.ports.Release(port)
		m.abandon(c)
		return "", err
	}
	if err := m.ports.Bind(port, c.id); err != nil {
		m.faults.Record(ctx, faults.KindPort, "connections", "open", err)
		_ = m.ports.Release(port)
		m.abandon(c)
		return "", err
	}

	transport, err := m.dialer.Dial(ctx, remoteEndpoint, port)
	if err != nil {
		m.faults.Record(ctx, faults.KindConnection, "connections", "dial", err)
		_ = m.ports.Release(port)
		m.abandon(c)
		return "", &Error{Kind: ErrRefused, ConnectionID: c.id, Detail: err.Error()}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	connCtx = logctx.WithConnectionData(connCtx, &logctx.ConnectionData{
		ConnectionID:   c.id,
		RemoteEndpoint: remoteEndpoint,
		Subject:        subject,
	})

	m.mu.Lock()
	c.port = port
	c.queue = make(chan *mcp.ProtocolMessage, m.cfg.MaxMessageQueue)
	c.cancel = cancel
	m.mu.Unlock()

	m.msgs.Register(c.id, transport)
	if err := m.transition(c, StatusActive); err != nil {
		cancel()
		m.msgs.Unregister(c.id)
		_ = m.ports.Release(port)
		m.abandon(c)
		return "", err
	}

	go m.pump(connCtx, c)

	m.log.Info("connection opened",
		slog.String("conn_id", c.id),
		slog.String("remote", remoteEndpoint),
		slog.Int("port", int(port)),
	)
	return c.id, nil
}

// abandon removes a connection that never became active.
func (m *Manager) abandon(c *conn) {
	m.mu.Lock()
	c.status = StatusClosed
	delete(m.conns, c.id)
	m.mu.Unlock()
}

// transition applies one lifecycle edge under the table. The direct edge to
// closed is always permitted.
func (m *Manager) transition(c *conn, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to != StatusClosed {
		if err := lifecycle.Validate(c.id, c.status, to); err != nil {
			return err
		}
	}
	c.status = to
	return nil
}

// pump drains the outbound queue in FIFO order. A permanent send failure
// closes the connection.
func (m *Manager) pump(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.queue:
			if !ok {
				return
			}
			if err := m.msgs.Send(ctx, c.id, msg); err != nil {
				m.faults.Record(ctx, faults.KindMessage, "connections", "pump", err)
				if !retryable(err) {
					m.log.Warn("closing connection after send failure",
						slog.String("conn_id", c.id),
						slog.String("err", err.Error()),
					)
					_ = m.Close(c.id)
					return
				}
			}
		}
	}
}

func retryable(err error) bool {
	return faults.StrategyFor(classify(err)) == faults.StrategyRetry
}

func classify(err error) faults.Kind {
	switch err.(type) {
	case *security.Error:
		return faults.KindSecurity
	case *mcp.ProtocolError:
		return faults.KindProtocol
	case *messaging.Error:
		return faults.KindMessage
	default:
		return faults.KindIO
	}
}

// Send enqueues an outbound message. The queue is bounded; when it is full
// the send fails fast with ErrQueueFull rather than blocking the caller.
func (m *Manager) Send(id string, msg *mcp.ProtocolMessage) error {
	m.mu.RLock()
	c, ok := m.conns[id]
	var closed bool
	var status string
	if ok {
		closed, status = c.closed, c.status
	}
	m.mu.RUnlock()
	if !ok {
		return &Error{Kind: ErrNotFound, ConnectionID: id}
	}
	if closed || status == StatusClosed || status == StatusDraining {
		return &Error{Kind: ErrClosed, ConnectionID: id}
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return &Error{Kind: ErrQueueFull, ConnectionID: id}
	}
}

// Heartbeat records peer liveness and revives an idle connection.
func (m *Manager) Heartbeat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return &Error{Kind: ErrNotFound, ConnectionID: id}
	}
	c.lastBeat = m.clock.Now()
	if c.status == StatusIdle {
		c.status = StatusActive
	}
	return nil
}

// Close tears a connection down: cancels in-flight sends and retries,
// unregisters it from the message handler, and releases its port. Closed
// connections leave the table, so closing one again reports ErrNotFound.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return &Error{Kind: ErrNotFound, ConnectionID: id}
	}
	if c.closed {
		m.mu.Unlock()
		return nil
	}
	c.closed = true
	c.status = StatusClosed
	port := c.port
	cancel := c.cancel
	delete(m.conns, id)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.msgs.Unregister(id)
	if port != 0 {
		_ = m.ports.Release(port)
	}
	m.log.Info("connection closed", slog.String("conn_id", id))
	return nil
}

// Run starts the keep-alive sweeper and blocks until ctx is done. A
// connection that misses heartbeats beyond the grace multiplier is drained
// and then closed, releasing its port.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.sweep(gctx) })
	return g.Wait()
}

func (m *Manager) sweep(ctx context.Context) error {
	ticker := m.clock.Ticker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// sweepOnce drains connections whose heartbeats have lapsed. Exported to
// the test suite via Tick.
func (m *Manager) sweepOnce(ctx context.Context) {
	deadline := m.cfg.KeepAliveInterval * time.Duration(m.cfg.KeepAliveGrace)
	now := m.clock.Now()

	m.mu.Lock()
	var expired []string
	for id, c := range m.conns {
		if c.status != StatusActive && c.status != StatusIdle {
			continue
		}
		silent := now.Sub(c.lastBeat)
		switch {
		case silent > deadline:
			c.status = StatusDraining
			expired = append(expired, id)
		case silent > m.cfg.KeepAliveInterval && c.status == StatusActive:
			c.status = StatusIdle
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.faults.Record(ctx, faults.KindConnection, "connections", "keep_alive",
			&Error{Kind: ErrTimeout, ConnectionID: id, Detail: "missed heartbeats"})
		_ = m.Close(id)
	}
}

// Tick runs a single keep-alive sweep immediately. Intended for tests and
// for callers that schedule sweeps themselves instead of using Run.
func (m *Manager) Tick(ctx context.Context) { m.sweepOnce(ctx) }

// Get returns the public view of a connection.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return Info{}, &Error{Kind: ErrNotFound, ConnectionID: id}
	}
	return Info{
		ID:             c.id,
		RemoteEndpoint: c.remote,
		Subject:        c.subject,
		Status:         c.status,
		Port:           c.port,
		LastHeartbeat:  c.lastBeat,
	}, nil
}

// Counts reports how many connections sit in each status. Read-only;
// consumed by the monitoring surface.
func (m *Manager) Counts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, c := range m.conns {
		out[c.status]++
	}
	return out
}
