// Package state tracks named session states as append-only logs of recovery
// points. Every transition bumps a monotonically increasing version and
// appends a sealed point; recovery restores the data of any recorded point.
//
// Layers & Roles
//
//	Manager       -> per-name locking, versioning, degraded gating
//	RecoveryStore -> durability of the point log (memorystore, redisstore)
//	Integrity     -> seals point data so tampering is detectable
//	Machine       -> allowed-edges table reused by connection lifecycle code
//
// Transitions on different state names proceed concurrently; the log for a
// single name is serialized under that name's lock. Cleanup passes snapshot
// the log at pass start, so points appended mid-pass are never eligible for
// deletion in the same pass.
package state
