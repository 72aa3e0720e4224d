package contexts

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/machinectx/mcp-go/faults"
	"github.com/machinectx/mcp-go/state"
)

// snapshotPrefix namespaces context snapshots inside the shared
// state.RecoveryStore.
const snapshotPrefix = "context/"

// Snapshot is an immutable point-in-time copy of a context's state.
type Snapshot struct {
	ID         string         `json:"id"`
	ContextID  string         `json:"contextId"`
	Originator string         `json:"originator"`
	Timestamp  time.Time      `json:"timestamp"`
	Version    uint64         `json:"version"`
	Data       map[string]any `json:"data"`
}

// Stats counts synchronization outcomes for the monitoring surface.
type Stats struct {
	SyncCount   uint64
	ErrorCount  uint64
	LastSync    time.Time
	LastVersion uint64
}

type entry struct {
	mu          sync.Mutex
	data        map[string]any
	version     uint64
	createdAt   time.Time
	lastUpdated time.Time
	expiresAt   *time.Time
	active      bool
}

// Manager owns the context table. Contexts are stored in an owned table
// keyed by id; everything else holds ids, never pointers into the table.
// Safe for concurrent use.
type Manager struct {
	store  state.RecoveryStore
	clock  clock.Clock
	log    *slog.Logger
	faults *faults.Handler

	mu      sync.RWMutex
	entries map[string]*entry
	current string

	statsMu sync.Mutex
	stats   Stats
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

// WithFaultHandler wires the fault recorder for sync and snapshot failures.
func WithFaultHandler(h *faults.Handler) Option {
	return func(m *Manager) { m.faults = h }
}

// NewManager builds a Manager persisting snapshots through store.
func NewManager(store state.RecoveryStore, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		clock:   clock.New(),
		log:     slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.faults == nil {
		m.faults = faults.NewHandler(faults.WithLogger(m.log))
	}
	return m
}

// CreateOption configures a single context at creation.
type CreateOption func(*entry)

// WithExpiry marks the context unusable after t.
func WithExpiry(t time.Time) CreateOption {
	return func(e *entry) { e.expiresAt = &t }
}

// CreateContext registers a new empty context under id. The first context
// created becomes current.
func (m *Manager) CreateContext(id string, opts ...CreateOption) error {
	now := m.clock.Now()
	e := &entry{
		data:        map[string]any{},
		version:     0,
		createdAt:   now,
		lastUpdated: now,
	}
	for _, opt := range opts {
		opt(e)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return &Error{Kind: ErrExists, ContextID: id}
	}
	m.entries[id] = e
	if m.current == "" {
		m.current = id
	}
	return nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: ErrNotInitialized, ContextID: id}
	}
	return e, nil
}

func (e *entry) expired(now time.Time) bool {
	return e.expiresAt != nil && now.After(*e.expiresAt)
}

// Activate marks the context usable. Expired contexts fail.
func (m *Manager) Activate(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired(m.clock.Now()) {
		return &Error{Kind: ErrExpired, ContextID: id}
	}
	e.active = true
	return nil
}

// Deactivate marks the context inactive. Its data and snapshots survive.
func (m *Manager) Deactivate(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
	return nil
}

// SwitchContext makes id the current context and returns a tracker bound to
// it. The previous current context stays registered.
func (m *Manager) SwitchContext(id string) (*Tracker, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.current = id
	m.mu.Unlock()
	return &Tracker{m: m, id: id}, nil
}

// Current returns the current context id, or an error when none exists.
func (m *Manager) Current() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return "", &Error{Kind: ErrNotInitialized}
	}
	return m.current, nil
}

// GetState reads a key from the current context.
func (m *Manager) GetState(key string) (any, error) {
	id, err := m.Current()
	if err != nil {
		return nil, err
	}
	return m.getState(id, key)
}

func (m *Manager) getState(id, key string) (any, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data[key], nil
}

// UpdateState writes a key in the current context and bumps its version.
func (m *Manager) UpdateState(key string, value any) error {
	id, err := m.Current()
	if err != nil {
		return err
	}
	return m.updateState(id, key, value, 0)
}

// UpdateStateAt is the optimistic variant: the write only lands if the
// context is still at expectedVersion; otherwise it fails with a stale
// version error instead of silently overwriting a concurrent update.
func (m *Manager) UpdateStateAt(key string, value any, expectedVersion uint64) error {
	id, err := m.Current()
	if err != nil {
		return err
	}
	return m.updateState(id, key, value, expectedVersion)
}

func (m *Manager) updateState(id, key string, value any, expectedVersion uint64) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expired(m.clock.Now()) {
		return &Error{Kind: ErrExpired, ContextID: id}
	}
	if expectedVersion != 0 && e.version != expectedVersion {
		return &Error{Kind: ErrStaleVersion, ContextID: id}
	}
	e.data[key] = value
	e.version++
	e.lastUpdated = m.clock.Now()
	return nil
}

// Version reports the context's current version.
func (m *Manager) Version(id string) (uint64, error) {
	e, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version, nil
}

// CreateRecoveryPoint snapshots the current context and persists it.
func (m *Manager) CreateRecoveryPoint(ctx context.Context) (Snapshot, error) {
	id, err := m.Current()
	if err != nil {
		return Snapshot{}, err
	}
	return m.createRecoveryPoint(ctx, id)
}

func (m *Manager) createRecoveryPoint(ctx context.Context, id string) (Snapshot, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	snap := Snapshot{
		ID:         uuid.NewString(),
		ContextID:  id,
		Originator: id,
		Timestamp:  m.clock.Now(),
		Version:    e.version,
		Data:       maps.Clone(e.data),
	}
	e.mu.Unlock()

	if err := m.store.Append(ctx, snapshotPrefix+id, snapshotToPoint(snap)); err != nil {
		m.faults.Record(ctx, faults.KindContext, "contexts", "create_recovery_point", err)
		return Snapshot{}, &Error{Kind: ErrSync, ContextID: id, Detail: err.Error()}
	}
	return snap, nil
}

// RestoreRecoveryPoint replaces the current context's data with a stored
// snapshot. An empty snapshotID selects the most recent snapshot; asking
// for one when none was ever created fails with ErrNoValidSnapshot.
func (m *Manager) RestoreRecoveryPoint(ctx context.Context, snapshotID string) error {
	id, err := m.Current()
	if err != nil {
		return err
	}
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	pts, err := m.store.List(ctx, snapshotPrefix+id)
	if err != nil {
		return &Error{Kind: ErrSync, ContextID: id, Detail: err.Error()}
	}
	if len(pts) == 0 {
		return &Error{Kind: ErrNoValidSnapshot, ContextID: id}
	}
	var pt state.RecoveryPoint
	if snapshotID == "" {
		pt = pts[len(pts)-1]
	} else {
		found := false
		for _, p := range pts {
			if p.ID == snapshotID {
				pt, found = p, true
				break
			}
		}
		if !found {
			return &Error{Kind: ErrSnapshotNotFound, ContextID: id, Detail: snapshotID}
		}
	}

	e.mu.Lock()
	e.data = maps.Clone(pt.Data)
	e.version++
	e.lastUpdated = m.clock.Now()
	e.mu.Unlock()
	return nil
}

// ListContextIDs returns every registered context id, sorted.
func (m *Manager) ListContextIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ListActiveContextIDs returns the ids of active contexts, sorted.
func (m *Manager) ListActiveContextIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		e.mu.Lock()
		if e.active {
			out = append(out, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Dispose removes a context and drops its snapshots. Disposing the current
// context leaves no current selection.
func (m *Manager) Dispose(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.entries[id]
	delete(m.entries, id)
	if m.current == id {
		m.current = ""
	}
	m.mu.Unlock()
	if !ok {
		return &Error{Kind: ErrNotInitialized, ContextID: id}
	}
	return m.store.Drop(ctx, snapshotPrefix+id)
}

// SyncStats returns a copy of the synchronization counters.
func (m *Manager) SyncStats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// Versions reports every context's version. Read-only; consumed by the
// monitoring surface.
func (m *Manager) Versions() map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.entries))
	for id, e := range m.entries {
		e.mu.Lock()
		out[id] = e.version
		e.mu.Unlock()
	}
	return out
}

func newSnapshotID() string { return uuid.NewString() }

func snapshotToPoint(snap Snapshot) state.RecoveryPoint {
	return state.RecoveryPoint{
		ID:        snap.ID,
		Name:      snapshotPrefix + snap.ContextID,
		Version:   snap.Version,
		Timestamp: snap.Timestamp,
		Data:      snap.Data,
		Metadata:  map[string]string{"originator": snap.Originator},
	}
}

// Tracker is a handle bound to one context id, returned by SwitchContext.
// It lets capability code operate on its context without racing a later
// switch by another caller.
type Tracker struct {
	m  *Manager
	id string
}

// ContextID returns the bound context id.
func (t *Tracker) ContextID() string { return t.id }

// GetState reads a key from the bound context.
func (t *Tracker) GetState(key string) (any, error) {
	return t.m.getState(t.id, key)
}

// UpdateState writes a key in the bound context.
func (t *Tracker) UpdateState(key string, value any) error {
	return t.m.updateState(t.id, key, value, 0)
}

// SyncWith merges a remote snapshot into the bound context.
func (t *Tracker) SyncWith(ctx context.Context, remote Snapshot) (map[string]any, error) {
	return t.m.syncWith(ctx, t.id, remote)
}

// CreateRecoveryPoint snapshots the bound context.
func (t *Tracker) CreateRecoveryPoint(ctx context.Context) (Snapshot, error) {
	return t.m.createRecoveryPoint(ctx, t.id)
}
