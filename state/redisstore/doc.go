// Package redisstore is a Redis-backed state.RecoveryStore for deployments
// that need recovery-point logs to survive process restarts. Each named log
// is a Redis list of JSON-encoded points, with a companion hash for O(1)
// lookup by point id.
package redisstore
