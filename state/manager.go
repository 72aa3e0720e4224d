package state

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/machinectx/mcp-go/faults"
)

// statusKey is the data key a Machine-governed state keeps its lifecycle
// status under.
const statusKey = "status"

type namedState struct {
	mu       sync.Mutex
	data     map[string]any
	version  uint64
	degraded bool
	machine  *Machine
}

// Manager tracks named session states and their recovery-point logs. Safe
// for concurrent use; operations on different names never contend.
type Manager struct {
	store  RecoveryStore
	integ  Integrity
	clock  clock.Clock
	faults *faults.Handler
	log    *slog.Logger

	mu     sync.RWMutex
	states map[string]*namedState
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIntegrity selects the seal implementation. Defaults to the unsigned
// checksum variant.
func WithIntegrity(i Integrity) Option {
	return func(m *Manager) { m.integ = i }
}

// WithFaultHandler wires the fault recorder used for integrity and store
// failures.
func WithFaultHandler(h *faults.Handler) Option {
	return func(m *Manager) { m.faults = h }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager builds a Manager on top of the given store.
func NewManager(store RecoveryStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		integ:  ChecksumIntegrity{},
		clock:  clock.New(),
		log:    slog.Default(),
		states: make(map[string]*namedState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.faults == nil {
		m.faults = faults.NewHandler(faults.WithLogger(m.log))
	}
	return m
}

// RegisterOption configures a single state registration.
type RegisterOption func(*namedState)

// WithMachine validates every transition of this state's status field
// against the given allowed-edges table.
func WithMachine(machine *Machine) RegisterOption {
	return func(ns *namedState) { ns.machine = machine }
}

// RegisterState creates the named state with its initial data and appends
// the first recovery point. Registering an existing name fails.
func (m *Manager) RegisterState(ctx context.Context, name string, initial map[string]any, opts ...RegisterOption) error {
	ns := &namedState{data: cloneData(initial), version: 1}
	for _, opt := range opts {
		opt(ns)
	}

	m.mu.Lock()
	if _, ok := m.states[name]; ok {
		m.mu.Unlock()
		return &Error{Kind: ErrExists, Name: name}
	}
	m.states[name] = ns
	m.mu.Unlock()

	_, err := m.appendPoint(ctx, name, ns, nil)
	return err
}

func (m *Manager) lookup(name string) (*namedState, error) {
	m.mu.RLock()
	ns, ok := m.states[name]
	m.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: ErrNotFound, Name: name}
	}
	return ns, nil
}

// TransitionState replaces the state's data, bumps its version, and appends
// a recovery point, returning the point's id. If the state is governed by a
// Machine, the status edge is validated first; a rejected transition leaves
// the state untouched.
func (m *Manager) TransitionState(ctx context.Context, name string, data map[string]any, metadata map[string]string) (string, error) {
	return m.transition(ctx, name, data, metadata, 0)
}

// TransitionStateFrom is the optimistic variant: it fails with a stale
// version error when the state has moved past expectedVersion, instead of
// silently overwriting a concurrent update.
func (m *Manager) TransitionStateFrom(ctx context.Context, name string, expectedVersion uint64, data map[string]any, metadata map[string]string) (string, error) {
	return m.transition(ctx, name, data, metadata, expectedVersion)
}

func (m *Manager) transition(ctx context.Context, name string, data map[string]any, metadata map[string]string, expectedVersion uint64) (string, error) {
	ns, err := m.lookup(name)
	if err != nil {
		return "", err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.degraded {
		return "", &Error{Kind: ErrDegraded, Name: name}
	}
	if expectedVersion != 0 && ns.version != expectedVersion {
		return "", &Error{Kind: ErrStaleVersion, Name: name}
	}
	if ns.machine != nil {
		from, _ := ns.data[statusKey].(string)
		to, _ := data[statusKey].(string)
		if err := ns.machine.Validate(name, from, to); err != nil {
			return "", err
		}
	}

	prevData, prevVersion := ns.data, ns.version
	ns.data = cloneData(data)
	ns.version++
	id, err := m.appendPoint(ctx, name, ns, metadata)
	if err != nil {
		ns.data, ns.version = prevData, prevVersion
		return "", err
	}
	return id, nil
}

// appendPoint seals and stores a point for the state's current data. Caller
// holds ns.mu.
func (m *Manager) appendPoint(ctx context.Context, name string, ns *namedState, metadata map[string]string) (string, error) {
	seal, err := m.integ.Seal(ns.data)
	if err != nil {
		return "", &Error{Kind: ErrRecovery, Name: name, Detail: err.Error()}
	}
	pt := RecoveryPoint{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   ns.version,
		Timestamp: m.clock.Now(),
		Data:      cloneData(ns.data),
		Metadata:  metadata,
		Seal:      seal,
	}
	if err := m.store.Append(ctx, name, pt); err != nil {
		m.faults.Record(ctx, faults.KindState, "state", "append_point", err)
		return "", &Error{Kind: ErrRecovery, Name: name, Detail: err.Error()}
	}
	return pt.ID, nil
}

// ListRecoveryPoints returns the state's log in chronological order.
func (m *Manager) ListRecoveryPoints(ctx context.Context, name string) ([]RecoveryPoint, error) {
	if _, err := m.lookup(name); err != nil {
		return nil, err
	}
	pts, err := m.store.List(ctx, name)
	if err != nil {
		return nil, &Error{Kind: ErrRecovery, Name: name, Detail: err.Error()}
	}
	return pts, nil
}

// RecoverState restores the state's data from a recorded point and clears
// any degraded marking. An empty pointID selects the most recent point. The
// recovery itself appends a new point, so the log stays aligned with the
// current data.
func (m *Manager) RecoverState(ctx context.Context, name, pointID string) (map[string]any, error) {
	ns, err := m.lookup(name)
	if err != nil {
		return nil, &Error{Kind: ErrRecovery, Name: name, Detail: err.Error()}
	}

	var pt RecoveryPoint
	if pointID == "" {
		pts, err := m.store.List(ctx, name)
		if err != nil || len(pts) == 0 {
			return nil, &Error{Kind: ErrRecovery, Name: name, Detail: "no recovery points"}
		}
		pt = pts[len(pts)-1]
	} else {
		found := false
		pt, found, err = m.store.Get(ctx, name, pointID)
		if err != nil || !found {
			return nil, &Error{Kind: ErrRecovery, Name: name, Detail: "point " + pointID + " not found"}
		}
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.data = cloneData(pt.Data)
	ns.version++
	ns.degraded = false
	if _, err := m.appendPoint(ctx, name, ns, map[string]string{"recovered_from": pt.ID}); err != nil {
		return nil, err
	}
	return cloneData(pt.Data), nil
}

// VerifyStateIntegrity checks every recorded point's seal and confirms the
// latest point matches the current data. A failed check marks the state
// degraded and records a critical fault; further transitions fail until the
// state is explicitly recovered.
func (m *Manager) VerifyStateIntegrity(ctx context.Context, name string) (bool, error) {
	ns, err := m.lookup(name)
	if err != nil {
		return false, err
	}
	pts, err := m.store.List(ctx, name)
	if err != nil {
		return false, &Error{Kind: ErrRecovery, Name: name, Detail: err.Error()}
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ok := true
	for _, pt := range pts {
		if err := m.integ.Check(pt.Data, pt.Seal); err != nil {
			ok = false
			break
		}
	}
	if ok && len(pts) > 0 {
		latest, err := m.integ.Seal(ns.data)
		if err != nil || latest != pts[len(pts)-1].Seal {
			ok = false
		}
	}
	if !ok {
		ns.degraded = true
		m.faults.Record(ctx, faults.KindState, "state", "verify_integrity",
			&Error{Kind: ErrIntegrity, Name: name})
	}
	return ok, nil
}

// CleanupRecoveryPoints removes points older than retention, always keeping
// the most recent point so the current state is never orphaned. The pass
// operates on a snapshot of the log taken at entry; points appended while
// the pass runs are not eligible.
func (m *Manager) CleanupRecoveryPoints(ctx context.Context, name string, retention time.Duration) (int, error) {
	if _, err := m.lookup(name); err != nil {
		return 0, err
	}
	cutoff := m.clock.Now().Add(-retention)
	pts, err := m.store.List(ctx, name)
	if err != nil {
		return 0, &Error{Kind: ErrRecovery, Name: name, Detail: err.Error()}
	}
	if len(pts) <= 1 {
		return 0, nil
	}
	var ids []string
	for _, pt := range pts[:len(pts)-1] {
		if pt.Timestamp.Before(cutoff) {
			ids = append(ids, pt.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := m.store.Remove(ctx, name, ids); err != nil {
		return 0, &Error{Kind: ErrRecovery, Name: name, Detail: err.Error()}
	}
	return len(ids), nil
}

// GetState returns a copy of the current data and the state's version.
func (m *Manager) GetState(ctx context.Context, name string) (map[string]any, uint64, error) {
	ns, err := m.lookup(name)
	if err != nil {
		return nil, 0, err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.degraded {
		return nil, 0, &Error{Kind: ErrDegraded, Name: name}
	}
	return cloneData(ns.data), ns.version, nil
}

// DisposeState removes the state and drops its log.
func (m *Manager) DisposeState(ctx context.Context, name string) error {
	m.mu.Lock()
	_, ok := m.states[name]
	delete(m.states, name)
	m.mu.Unlock()
	if !ok {
		return &Error{Kind: ErrNotFound, Name: name}
	}
	return m.store.Drop(ctx, name)
}

// Versions reports every registered state's version. Read-only; consumed by
// the monitoring surface.
func (m *Manager) Versions() map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.states))
	for name, ns := range m.states {
		ns.mu.Lock()
		out[name] = ns.version
		ns.mu.Unlock()
	}
	return out
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return maps.Clone(data)
}
