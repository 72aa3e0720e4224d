// Package connections orchestrates connection admission and lifecycle: it
// acquires a port, authenticates the caller, registers the connection's
// transport with the message handler, and drives the per-connection send
// queue and keep-alive sweep.
//
// The lifecycle is an explicit state machine:
//
//	connecting -> authenticating -> active <-> idle -> draining -> closed
//
// with a direct edge to closed from every state for fatal errors and
// explicit closes. Connections live in an owned table keyed by id; all
// other components hold ids, never pointers into the table.
package connections
