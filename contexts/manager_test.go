package contexts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/machinectx/mcp-go/state/memorystore"
)

func kindOf(t *testing.T, err error) ErrorKind {
	t.Helper()
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("not a context error: %v", err)
	}
	return ce.Kind
}

func TestFirstContextBecomesCurrent(t *testing.T) {
	m := NewManager(memorystore.New())
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if err := m.CreateContext("node-b"); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	cur, err := m.Current()
	if err != nil || cur != "node-a" {
		t.Fatalf("current = %q, %v; want node-a", cur, err)
	}
	if err := m.CreateContext("node-a"); kindOf(t, err) != ErrExists {
		t.Fatalf("duplicate create: got %v, want exists", err)
	}
}

func TestUpdateAndGetState(t *testing.T) {
	m := NewManager(memorystore.New())
	if _, err := m.GetState("k"); kindOf(t, err) != ErrNotInitialized {
		t.Fatalf("no context: got %v, want not_initialized", err)
	}
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateState("k", "v1"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	got, err := m.GetState("k")
	if err != nil || got != "v1" {
		t.Fatalf("GetState = %v, %v; want v1", got, err)
	}
	v, _ := m.Version("node-a")
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
}

func TestUpdateStateAtStaleVersion(t *testing.T) {
	m := NewManager(memorystore.New())
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateState("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateStateAt("k", "v2", 1); err != nil {
		t.Fatalf("in-date update: %v", err)
	}
	if err := m.UpdateStateAt("k", "v3", 1); kindOf(t, err) != ErrStaleVersion {
		t.Fatalf("stale update: got %v, want stale_version", err)
	}
}

func TestSyncNewerRemoteWins(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	m := NewManager(memorystore.New(), WithClock(mock))
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateState("k", "v1"); err != nil {
		t.Fatal(err)
	}

	merged, err := m.SyncWith(context.Background(), Snapshot{
		ID:         "snap-1",
		ContextID:  "node-b",
		Originator: "node-b",
		Timestamp:  mock.Now(),
		Version:    2,
		Data:       map[string]any{"k": "v2", "extra": true},
	})
	if err != nil {
		t.Fatalf("SyncWith: %v", err)
	}
	if merged["k"] != "v2" || merged["extra"] != true {
		t.Errorf("merged = %v", merged)
	}
	v, _ := m.Version("node-a")
	if v != 3 {
		t.Errorf("post-merge version = %d, want max(1,2)+1 = 3", v)
	}
	stats := m.SyncStats()
	if stats.SyncCount != 1 || stats.LastVersion != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSyncOlderRemoteIgnored(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	m := NewManager(memorystore.New(), WithClock(mock))
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := m.UpdateState("k", "local"); err != nil {
			t.Fatal(err)
		}
	}

	merged, err := m.SyncWith(context.Background(), Snapshot{
		ContextID:  "node-b",
		Originator: "node-b",
		Timestamp:  mock.Now(),
		Version:    1,
		Data:       map[string]any{"k": "remote"},
	})
	if err != nil {
		t.Fatalf("SyncWith: %v", err)
	}
	if merged["k"] != "local" {
		t.Errorf("older snapshot overwrote local state: %v", merged)
	}
	if v, _ := m.Version("node-a"); v != 3 {
		t.Errorf("version = %d, want unchanged 3", v)
	}
	if stats := m.SyncStats(); stats.SyncCount != 0 {
		t.Errorf("ignored sync counted: %+v", stats)
	}
}

func TestSyncIdempotent(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	m := NewManager(memorystore.New(), WithClock(mock))
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatal(err)
	}

	remote := Snapshot{
		ContextID:  "node-b",
		Originator: "node-b",
		Timestamp:  mock.Now(),
		Version:    5,
		Data:       map[string]any{"k": "v"},
	}
	first, err := m.SyncWith(context.Background(), remote)
	if err != nil {
		t.Fatal(err)
	}
	vAfter, _ := m.Version("node-a")

	second, err := m.SyncWith(context.Background(), remote)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second["k"] != first["k"] {
		t.Errorf("replay changed state: %v vs %v", second, first)
	}
	if v, _ := m.Version("node-a"); v != vAfter {
		t.Errorf("replay bumped version: %d -> %d", vAfter, v)
	}
	if stats := m.SyncStats(); stats.SyncCount != 1 {
		t.Errorf("replay counted as a sync: %+v", stats)
	}
}

func TestSyncTieBreaksOnOriginator(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	m := NewManager(memorystore.New(), WithClock(mock))
	if err := m.CreateContext("node-m"); err != nil {
		t.Fatal(err)
	}

	// Same version and timestamp as the freshly created context.
	tie := Snapshot{
		ContextID: "peer",
		Timestamp: mock.Now(),
		Version:   0,
		Data:      map[string]any{"k": "remote"},
	}

	tie.Originator = "node-a" // smaller than local id: local wins
	merged, err := m.SyncWith(context.Background(), tie)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := merged["k"]; ok {
		t.Errorf("losing originator applied: %v", merged)
	}

	tie.Originator = "node-z" // larger than local id: remote wins
	merged, err = m.SyncWith(context.Background(), tie)
	if err != nil {
		t.Fatal(err)
	}
	if merged["k"] != "remote" {
		t.Errorf("winning originator not applied: %v", merged)
	}
}

func TestSyncRejectsIncompleteSnapshot(t *testing.T) {
	m := NewManager(memorystore.New())
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatal(err)
	}

	bad := []Snapshot{
		{Originator: "x", Timestamp: time.Now(), Data: map[string]any{}},
		{ContextID: "x", Timestamp: time.Now(), Data: map[string]any{}},
		{ContextID: "x", Originator: "x", Data: map[string]any{}},
		{ContextID: "x", Originator: "x", Timestamp: time.Now()},
	}
	for i, snap := range bad {
		if _, err := m.SyncWith(context.Background(), snap); kindOf(t, err) != ErrSync {
			t.Errorf("case %d: got %v, want sync_error", i, err)
		}
	}
	if stats := m.SyncStats(); stats.ErrorCount != uint64(len(bad)) {
		t.Errorf("error count = %d, want %d", stats.ErrorCount, len(bad))
	}
}

func TestSyncPersistsPreMergeAndMergedSnapshots(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	store := memorystore.New()
	m := NewManager(store, WithClock(mock))
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateState("k", "before"); err != nil {
		t.Fatal(err)
	}

	_, err := m.SyncWith(context.Background(), Snapshot{
		ContextID:  "node-b",
		Originator: "node-b",
		Timestamp:  mock.Now(),
		Version:    9,
		Data:       map[string]any{"k": "after"},
	})
	if err != nil {
		t.Fatal(err)
	}

	pts, err := store.List(context.Background(), snapshotPrefix+"node-a")
	if err != nil || len(pts) != 2 {
		t.Fatalf("snapshots = %d, %v; want 2", len(pts), err)
	}
	if pts[0].Data["k"] != "before" {
		t.Errorf("first snapshot = %v, want pre-merge state", pts[0].Data)
	}
	if pts[1].Data["k"] != "after" {
		t.Errorf("second snapshot = %v, want merged state", pts[1].Data)
	}

	// Rolling back to the pre-merge snapshot undoes the merge.
	if err := m.RestoreRecoveryPoint(context.Background(), pts[0].ID); err != nil {
		t.Fatalf("RestoreRecoveryPoint: %v", err)
	}
	got, _ := m.GetState("k")
	if got != "before" {
		t.Errorf("rolled-back state = %v, want before", got)
	}
}

func TestRestoreRecoveryPoint(t *testing.T) {
	m := NewManager(memorystore.New())
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatal(err)
	}

	if err := m.RestoreRecoveryPoint(context.Background(), ""); kindOf(t, err) != ErrNoValidSnapshot {
		t.Fatalf("empty log: got %v, want no_valid_snapshot", err)
	}

	if err := m.UpdateState("k", "v1"); err != nil {
		t.Fatal(err)
	}
	snap, err := m.CreateRecoveryPoint(context.Background())
	if err != nil {
		t.Fatalf("CreateRecoveryPoint: %v", err)
	}
	if err := m.UpdateState("k", "v2"); err != nil {
		t.Fatal(err)
	}

	if err := m.RestoreRecoveryPoint(context.Background(), "no-such-id"); kindOf(t, err) != ErrSnapshotNotFound {
		t.Fatalf("unknown id: got %v, want snapshot_not_found", err)
	}

	if err := m.RestoreRecoveryPoint(context.Background(), snap.ID); err != nil {
		t.Fatalf("RestoreRecoveryPoint: %v", err)
	}
	got, _ := m.GetState("k")
	if got != "v1" {
		t.Errorf("restored state = %v, want v1", got)
	}
}

func TestExpiry(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	m := NewManager(memorystore.New(), WithClock(mock))
	if err := m.CreateContext("short", WithExpiry(mock.Now().Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate("short"); err != nil {
		t.Fatalf("Activate before expiry: %v", err)
	}

	mock.Add(2 * time.Minute)
	if err := m.Activate("short"); kindOf(t, err) != ErrExpired {
		t.Fatalf("Activate after expiry: got %v, want expired", err)
	}
	if err := m.UpdateState("k", "v"); kindOf(t, err) != ErrExpired {
		t.Fatalf("UpdateState after expiry: got %v, want expired", err)
	}
}

func TestActiveListing(t *testing.T) {
	m := NewManager(memorystore.New())
	for _, id := range []string{"b", "a", "c"} {
		if err := m.CreateContext(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Activate("c"); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate("a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Deactivate("c"); err != nil {
		t.Fatal(err)
	}

	all := m.ListContextIDs()
	if len(all) != 3 || all[0] != "a" || all[2] != "c" {
		t.Errorf("ListContextIDs = %v", all)
	}
	active := m.ListActiveContextIDs()
	if len(active) != 1 || active[0] != "a" {
		t.Errorf("ListActiveContextIDs = %v", active)
	}
}

func TestTrackerSurvivesSwitch(t *testing.T) {
	m := NewManager(memorystore.New())
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateContext("node-b"); err != nil {
		t.Fatal(err)
	}

	tr, err := m.SwitchContext("node-a")
	if err != nil {
		t.Fatalf("SwitchContext: %v", err)
	}
	if _, err := m.SwitchContext("node-b"); err != nil {
		t.Fatal(err)
	}

	// The tracker stays bound to node-a even though current moved on.
	if err := tr.UpdateState("k", "v"); err != nil {
		t.Fatalf("tracker update: %v", err)
	}
	got, err := tr.GetState("k")
	if err != nil || got != "v" {
		t.Fatalf("tracker read = %v, %v", got, err)
	}
	if got, _ := m.GetState("k"); got != nil {
		t.Errorf("tracker write leaked into current context: %v", got)
	}
}

func TestDispose(t *testing.T) {
	store := memorystore.New()
	m := NewManager(store)
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateRecoveryPoint(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.Dispose(context.Background(), "node-a"); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, err := m.Current(); kindOf(t, err) != ErrNotInitialized {
		t.Fatalf("current after dispose: got %v, want not_initialized", err)
	}
	pts, _ := store.List(context.Background(), snapshotPrefix+"node-a")
	if len(pts) != 0 {
		t.Errorf("snapshots survived dispose: %d", len(pts))
	}
	if err := m.Dispose(context.Background(), "node-a"); kindOf(t, err) != ErrNotInitialized {
		t.Fatalf("double dispose: got %v, want not_initialized", err)
	}
}

func TestMaintenancePass(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	store := memorystore.New()
	m := NewManager(store, WithClock(mock))
	if err := m.CreateContext("node-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateRecoveryPoint(context.Background()); err != nil {
		t.Fatal(err)
	}

	mock.Add(2 * time.Hour)
	cfg := SyncConfig{SyncInterval: time.Minute, MaxRetries: 3, Timeout: 5 * time.Second, CleanupOlderThan: time.Hour}
	m.maintainOnce(context.Background(), cfg)

	pts, err := store.List(context.Background(), snapshotPrefix+"node-a")
	if err != nil {
		t.Fatal(err)
	}
	// The pass takes a fresh snapshot and prunes the stale one.
	if len(pts) != 1 {
		t.Fatalf("snapshots after pass = %d, want 1", len(pts))
	}
	if !pts[0].Timestamp.Equal(mock.Now()) {
		t.Errorf("surviving snapshot timestamp = %v, want %v", pts[0].Timestamp, mock.Now())
	}
}
