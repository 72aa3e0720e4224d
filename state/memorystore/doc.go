// Package memorystore is the in-memory state.RecoveryStore used by tests
// and single-process deployments.
package memorystore
