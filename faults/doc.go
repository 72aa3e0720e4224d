// Package faults classifies and records failures raised by the other core
// components. A Handler assigns each error a severity and an advisory
// recovery strategy and appends it to a bounded history that monitoring
// code can read back.
//
// The Handler never acts on a failure itself: callers decide whether to
// honor the advised strategy. Every component depends on faults; faults
// depends on nothing, so there are no import cycles to manage.
package faults
