package contexts

import (
	"context"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/machinectx/mcp-go/faults"
)

// SyncConfig drives the background maintenance loop: periodic snapshots of
// the current context and retention pruning of old snapshots. Defaults can
// be loaded via envdecode.
type SyncConfig struct {
	// SyncInterval between maintenance passes. ENV: MCP_SYNC_INTERVAL
	SyncInterval time.Duration `env:"MCP_SYNC_INTERVAL,default=60s"`
	// MaxRetries for a failed snapshot within one pass. ENV: MCP_SYNC_MAX_RETRIES
	MaxRetries uint32 `env:"MCP_SYNC_MAX_RETRIES,default=3"`
	// Timeout bounds one maintenance pass. ENV: MCP_SYNC_TIMEOUT
	Timeout time.Duration `env:"MCP_SYNC_TIMEOUT,default=5s"`
	// CleanupOlderThan is the snapshot retention window. ENV: MCP_SYNC_CLEANUP_OLDER_THAN
	CleanupOlderThan time.Duration `env:"MCP_SYNC_CLEANUP_OLDER_THAN,default=168h"`
}

// SyncConfigFromEnv populates a SyncConfig from the environment; struct
// tag defaults fill anything unset.
func SyncConfigFromEnv() SyncConfig {
	var cfg SyncConfig
	_ = envdecode.Decode(&cfg)
	return cfg
}

// RunMaintenance snapshots the current context and prunes stale snapshots
// on every tick until ctx is done.
func (m *Manager) RunMaintenance(ctx context.Context, cfg SyncConfig) error {
	ticker := m.clock.Ticker(cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.maintainOnce(ctx, cfg)
		}
	}
}

func (m *Manager) maintainOnce(ctx context.Context, cfg SyncConfig) {
	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if _, err := m.Current(); err == nil {
		var err error
		for attempt := uint32(0); attempt <= cfg.MaxRetries; attempt++ {
			if _, err = m.CreateRecoveryPoint(pctx); err == nil {
				break
			}
		}
		if err != nil {
			m.faults.Record(pctx, faults.KindContext, "contexts", "maintenance_snapshot", err)
		}
	}

	if removed := m.pruneSnapshots(pctx, cfg.CleanupOlderThan); removed > 0 {
		m.log.Debug("pruned context snapshots", slog.Int("removed", removed))
	}
}

// pruneSnapshots removes snapshots older than retention for every context,
// always keeping each context's most recent snapshot. Snapshots created
// while the pass runs are not eligible because the per-context log is
// listed once at pass start.
func (m *Manager) pruneSnapshots(ctx context.Context, retention time.Duration) int {
	cutoff := m.clock.Now().Add(-retention)
	removed := 0
	for _, id := range m.ListContextIDs() {
		pts, err := m.store.List(ctx, snapshotPrefix+id)
		if err != nil || len(pts) <= 1 {
			continue
		}
		var ids []string
		for _, pt := range pts[:len(pts)-1] {
			if pt.Timestamp.Before(cutoff) {
				ids = append(ids, pt.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		if err := m.store.Remove(ctx, snapshotPrefix+id, ids); err != nil {
			m.faults.Record(ctx, faults.KindContext, "contexts", "prune_snapshots", err)
			continue
		}
		removed += len(ids)
	}
	return removed
}
