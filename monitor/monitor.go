// Package monitor exposes read-only snapshots of the core's health for an
// external dashboard or metrics component to poll. The core never pushes
// to a transport itself; this is the whole observability boundary.
package monitor

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/machinectx/mcp-go/connections"
	"github.com/machinectx/mcp-go/contexts"
	"github.com/machinectx/mcp-go/faults"
	"github.com/machinectx/mcp-go/ports"
	"github.com/machinectx/mcp-go/state"
)

// Snapshot is a point-in-time view of the core. All fields are copies;
// holding a Snapshot never pins live state.
type Snapshot struct {
	Taken time.Time

	Connections map[string]int // status -> count

	PortsFree     int
	PortsReserved int
	PortsBound    int

	StateVersions   map[string]uint64
	ContextVersions map[string]uint64
	ActiveContexts  []string
	Sync            contexts.Stats

	Faults []faults.Record
}

// Monitor aggregates the read-only surfaces of the core components.
type Monitor struct {
	clock  clock.Clock
	conns  *connections.Manager
	ports  *ports.Manager
	state  *state.Manager
	ctxs   *contexts.Manager
	faults *faults.Handler
}

// New wires a Monitor. Any collaborator may be nil; its section of the
// snapshot is simply left empty.
func New(conns *connections.Manager, pm *ports.Manager, st *state.Manager, ctxs *contexts.Manager, fh *faults.Handler) *Monitor {
	return &Monitor{
		clock:  clock.New(),
		conns:  conns,
		ports:  pm,
		state:  st,
		ctxs:   ctxs,
		faults: fh,
	}
}

// Take assembles a Snapshot. The fault filter selects which records are
// included; a zero filter includes everything retained.
func (m *Monitor) Take(filter faults.Filter) Snapshot {
	snap := Snapshot{Taken: m.clock.Now()}
	if m.conns != nil {
		snap.Connections = m.conns.Counts()
	}
	if m.ports != nil {
		snap.PortsFree, snap.PortsReserved, snap.PortsBound = m.ports.Utilization()
	}
	if m.state != nil {
		snap.StateVersions = m.state.Versions()
	}
	if m.ctxs != nil {
		snap.ContextVersions = m.ctxs.Versions()
		snap.ActiveContexts = m.ctxs.ListActiveContextIDs()
		snap.Sync = m.ctxs.SyncStats()
	}
	if m.faults != nil {
		snap.Faults = m.faults.History(filter)
	}
	return snap
}
