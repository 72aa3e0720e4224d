// Package ports allocates logical port slots from a configured range and
// tracks each slot through its Free -> Reserved -> Bound -> Closed
// lifecycle. Allocation is deterministic (lowest free id wins) and guarded
// by an allow/deny policy consulted before any slot is handed out.
//
// A released port returns to Free immediately; there is no cooldown. The
// policy can be static or loaded from a file and hot-reloaded on change.
package ports
