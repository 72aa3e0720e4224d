package contexts

import "fmt"

// ErrorKind enumerates context failure classes.
type ErrorKind int

const (
	ErrNotInitialized ErrorKind = iota + 1
	ErrExists
	ErrExpired
	ErrSync
	ErrSnapshotNotFound
	ErrNoValidSnapshot
	ErrStaleVersion
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNotInitialized:
		return "not_initialized"
	case ErrExists:
		return "exists"
	case ErrExpired:
		return "expired"
	case ErrSync:
		return "sync_error"
	case ErrSnapshotNotFound:
		return "snapshot_not_found"
	case ErrNoValidSnapshot:
		return "no_valid_snapshot"
	case ErrStaleVersion:
		return "stale_version"
	default:
		return "unknown"
	}
}

// Error is a typed context failure.
type Error struct {
	Kind      ErrorKind
	ContextID string
	Detail    string
}

func (e *Error) Error() string {
	msg := "context"
	if e.ContextID != "" {
		msg += " " + e.ContextID
	}
	msg += ": " + e.Kind.String()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}
