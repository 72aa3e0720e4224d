package contexts

import (
	"context"
	"log/slog"
	"maps"

	"github.com/machinectx/mcp-go/faults"
)

// SyncWith merges a remote snapshot into the current context under the
// LatestWins policy and returns the resulting state.
//
// Ordering is by version, then timestamp. A strictly newer remote snapshot
// is adopted per key: every key present in the snapshot takes the remote
// value, keys only known locally survive. An older snapshot is ignored. On
// an exact tie the lexicographically larger originator id wins; the rule is
// arbitrary but fixed so merges are reproducible.
//
// Before a winning snapshot is applied, the pre-merge state is persisted as
// a recovery point so the merge can be rolled back; the merged result is
// persisted as well. The post-merge version is the max of both sides plus
// one, which also makes SyncWith idempotent: replaying the same snapshot
// finds the local side strictly newer and changes nothing.
func (m *Manager) SyncWith(ctx context.Context, remote Snapshot) (map[string]any, error) {
	id, err := m.Current()
	if err != nil {
		return nil, err
	}
	return m.syncWith(ctx, id, remote)
}

func (m *Manager) syncWith(ctx context.Context, id string, remote Snapshot) (map[string]any, error) {
	if err := validateSnapshot(remote); err != nil {
		m.recordSyncError(ctx, err)
		return nil, err
	}
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if !remoteWins(remote, e, id) {
		merged := maps.Clone(e.data)
		e.mu.Unlock()
		return merged, nil
	}
	preMerge := Snapshot{
		ContextID:  id,
		Originator: id,
		Timestamp:  m.clock.Now(),
		Version:    e.version,
		Data:       maps.Clone(e.data),
	}
	for k, v := range remote.Data {
		e.data[k] = v
	}
	e.version = max(e.version, remote.Version) + 1
	e.lastUpdated = m.clock.Now()
	merged := maps.Clone(e.data)
	mergedVersion := e.version
	e.mu.Unlock()

	// Persist the pre-merge state first so a recovery can roll the merge
	// back, then the merged result.
	for _, snap := range []Snapshot{preMerge, {
		ContextID:  id,
		Originator: remote.Originator,
		Timestamp:  m.clock.Now(),
		Version:    mergedVersion,
		Data:       merged,
	}} {
		snap.ID = newSnapshotID()
		if err := m.store.Append(ctx, snapshotPrefix+id, snapshotToPoint(snap)); err != nil {
			m.recordSyncError(ctx, err)
			return nil, &Error{Kind: ErrSync, ContextID: id, Detail: err.Error()}
		}
	}

	m.statsMu.Lock()
	m.stats.SyncCount++
	m.stats.LastSync = m.clock.Now()
	m.stats.LastVersion = mergedVersion
	m.statsMu.Unlock()

	m.log.Debug("context synced",
		slog.String("context_id", id),
		slog.String("originator", remote.Originator),
		slog.Uint64("version", mergedVersion),
	)
	return merged, nil
}

// remoteWins decides LatestWins ordering. Caller holds e.mu.
func remoteWins(remote Snapshot, e *entry, localID string) bool {
	switch {
	case remote.Version != e.version:
		return remote.Version > e.version
	case !remote.Timestamp.Equal(e.lastUpdated):
		return remote.Timestamp.After(e.lastUpdated)
	default:
		// Exact tie: larger originator id wins.
		return remote.Originator > localID
	}
}

func validateSnapshot(remote Snapshot) error {
	switch {
	case remote.ContextID == "":
		return &Error{Kind: ErrSync, Detail: "snapshot missing context id"}
	case remote.Originator == "":
		return &Error{Kind: ErrSync, ContextID: remote.ContextID, Detail: "snapshot missing originator"}
	case remote.Timestamp.IsZero():
		return &Error{Kind: ErrSync, ContextID: remote.ContextID, Detail: "snapshot missing timestamp"}
	case remote.Data == nil:
		return &Error{Kind: ErrSync, ContextID: remote.ContextID, Detail: "snapshot missing data"}
	}
	return nil
}

func (m *Manager) recordSyncError(ctx context.Context, err error) {
	m.statsMu.Lock()
	m.stats.ErrorCount++
	m.statsMu.Unlock()
	m.faults.Record(ctx, faults.KindContext, "contexts", "sync_with", err)
}
