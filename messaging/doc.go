// Package messaging validates, sizes, times out, and retries message
// delivery, and routes inbound messages to the context and state
// subsystems.
//
// Sends on one connection are serialized, so delivery and retries happen in
// submission order; nothing is guaranteed across connections. Oversized
// messages fail immediately with zero delivery attempts. A delivery that
// never acknowledges within the configured timeout is retried a fixed
// number of times, spaced by a constant configured delay, then fails with a
// retries-exhausted error. Security and protocol violations are never
// retried.
package messaging
