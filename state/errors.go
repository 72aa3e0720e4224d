package state

import "fmt"

// ErrorKind enumerates state tracking failure classes.
type ErrorKind int

const (
	ErrNotFound ErrorKind = iota + 1
	ErrExists
	ErrInvalidTransition
	ErrRecovery
	ErrIntegrity
	ErrDegraded
	ErrStaleVersion
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNotFound:
		return "not_found"
	case ErrExists:
		return "exists"
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrRecovery:
		return "recovery_failed"
	case ErrIntegrity:
		return "integrity_mismatch"
	case ErrDegraded:
		return "degraded"
	case ErrStaleVersion:
		return "stale_version"
	default:
		return "unknown"
	}
}

// Error is a typed state failure.
type Error struct {
	Kind   ErrorKind
	Name   string
	Detail string
}

func (e *Error) Error() string {
	msg := "state"
	if e.Name != "" {
		msg += " " + e.Name
	}
	msg += ": " + e.Kind.String()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}
