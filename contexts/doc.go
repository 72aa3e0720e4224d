// Package contexts owns the named, versioned key/value contexts that MCP
// peers synchronize. Exactly one context is current per manager at a time;
// SwitchContext selects it and returns a Tracker bound to it.
//
// Snapshots are immutable point-in-time copies used both for recovery and
// for cross-peer synchronization. Persistence reuses the recovery-point
// pattern from the state package: snapshots live in a state.RecoveryStore
// under a "context/" name prefix, so the same memory and Redis backends
// serve both subsystems.
//
// Synchronization follows LatestWins: a strictly newer remote snapshot is
// adopted per key (local-only keys survive), an older one is ignored, and
// an exact tie goes to the lexicographically larger originator id. The
// tie-break is arbitrary but fixed so merges are reproducible.
package contexts
