package ports

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeshaw/envdecode"

	"github.com/machinectx/mcp-go/security"
)

// State tracks a port slot through its lifecycle.
type State int

const (
	Free State = iota
	Reserved
	Bound
	Closed
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Bound:
		return "bound"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Info is the public view of a port slot. TotalBindings and LastBound carry
// traffic accounting for the monitoring surface.
type Info struct {
	ID            uint16
	State         State
	Owner         string
	TotalBindings uint64
	LastBound     time.Time
}

type entry struct {
	state         State
	owner         string
	totalBindings uint64
	lastBound     time.Time
}

// Config bounds the allocatable range, inclusive on both ends. Defaults
// can be loaded via envdecode.
type Config struct {
	// MinPort is the lowest allocatable id. ENV: MCP_MIN_PORT
	MinPort uint16 `env:"MCP_MIN_PORT,default=49152"`
	// MaxPort is the highest allocatable id. ENV: MCP_MAX_PORT
	MaxPort uint16 `env:"MCP_MAX_PORT,default=49407"`
}

// ConfigFromEnv populates a Config from the environment; struct tag
// defaults fill anything unset.
func ConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return cfg
}

// Manager allocates port slots. Safe for concurrent use; allocation
// contention never blocks unrelated connection or context work because the
// manager owns no lock but its own.
type Manager struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	entries map[uint16]*entry // absent entry means Free
	policy  *Policy
	waiters []chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithPolicy installs the allow/deny policy consulted on every Allocate.
func WithPolicy(p *Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// NewManager validates the range and builds a Manager. All ports start Free.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.MinPort == 0 || cfg.MinPort > cfg.MaxPort {
		return nil, &Error{Kind: ErrInvalidRange}
	}
	m := &Manager{
		cfg:     cfg,
		clock:   clock.New(),
		entries: make(map[uint16]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Allocate reserves the lowest Free port in the range for subject. The port
// stays Reserved until Bind confirms it or Release returns it. A subject the
// policy rejects fails with a security error, not a port error.
func (m *Manager) Allocate(subject string) (uint16, error) {
	if m.policy != nil && !m.policy.Allows(subject) {
		return 0, &security.Error{Kind: security.ErrPermissionDenied, Subject: subject, Detail: "port allocation denied by policy"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := m.cfg.MinPort; ; id++ {
		e, ok := m.entries[id]
		if !ok || e.state == Free {
			if !ok {
				e = &entry{}
				m.entries[id] = e
			}
			e.state = Reserved
			e.owner = subject
			return id, nil
		}
		if id == m.cfg.MaxPort {
			break
		}
	}
	return 0, &Error{Kind: ErrExhausted}
}

// AllocateWait behaves like Allocate but waits for a port to free up when
// the range is exhausted. The wait is bounded by ctx; callers that prefer
// failing fast use Allocate directly.
func (m *Manager) AllocateWait(ctx context.Context, subject string) (uint16, error) {
	for {
		id, err := m.Allocate(subject)
		if err == nil {
			return id, nil
		}
		var pe *Error
		if !errors.As(err, &pe) || pe.Kind != ErrExhausted {
			return 0, err
		}

		m.mu.Lock()
		ch := make(chan struct{})
		m.waiters = append(m.waiters, ch)
		m.mu.Unlock()

		// A Release may have landed between the failed Allocate and the
		// waiter registration; re-check before parking.
		if id, err := m.Allocate(subject); err == nil {
			m.dropWaiter(ch)
			return id, nil
		}

		select {
		case <-ctx.Done():
			m.dropWaiter(ch)
			return 0, ctx.Err()
		case <-ch:
		}
	}
}

func (m *Manager) dropWaiter(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// Bind confirms a reservation, marking the port Bound to owner. At most one
// Bound owner exists per port at any time.
func (m *Manager) Bind(port uint16, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[port]
	if !ok {
		return &Error{Kind: ErrUnknownPort, Port: port}
	}
	switch e.state {
	case Bound:
		return &Error{Kind: ErrAlreadyBound, Port: port}
	case Reserved:
		e.state = Bound
		e.owner = owner
		e.totalBindings++
		e.lastBound = m.clock.Now()
		return nil
	default:
		return &Error{Kind: ErrNotReserved, Port: port}
	}
}

// Release closes the port and returns it to Free with no cooldown,
// waking one AllocateWait waiter if any are parked.
func (m *Manager) Release(port uint16) error {
	m.mu.Lock()
	e, ok := m.entries[port]
	if !ok || e.state == Free {
		m.mu.Unlock()
		if !ok {
			return &Error{Kind: ErrUnknownPort, Port: port}
		}
		return nil
	}
	e.state = Free
	e.owner = ""
	var wake chan struct{}
	if len(m.waiters) > 0 {
		wake = m.waiters[0]
		m.waiters = m.waiters[1:]
	}
	m.mu.Unlock()

	if wake != nil {
		close(wake)
	}
	return nil
}

// Status reports the current view of a port slot.
func (m *Manager) Status(port uint16) (Info, error) {
	if port < m.cfg.MinPort || port > m.cfg.MaxPort {
		return Info{}, &Error{Kind: ErrUnknownPort, Port: port}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[port]
	if !ok {
		return Info{ID: port, State: Free}, nil
	}
	return Info{
		ID:            port,
		State:         e.state,
		Owner:         e.owner,
		TotalBindings: e.totalBindings,
		LastBound:     e.lastBound,
	}, nil
}

// Utilization reports how many ports sit in each live state. Read-only;
// consumed by the monitoring surface.
func (m *Manager) Utilization() (free, reserved, bound int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := int(m.cfg.MaxPort-m.cfg.MinPort) + 1
	for _, e := range m.entries {
		switch e.state {
		case Reserved:
			reserved++
		case Bound:
			bound++
		}
	}
	return total - reserved - bound, reserved, bound
}
