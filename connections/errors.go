package connections

import "fmt"

// ErrorKind enumerates connection failure classes.
type ErrorKind int

const (
	ErrLimitReached ErrorKind = iota + 1
	ErrQueueFull
	ErrNotFound
	ErrClosed
	ErrTimeout
	ErrRefused
)

func (k ErrorKind) String() string {
	switch k {
	case ErrLimitReached:
		return "limit_reached"
	case ErrQueueFull:
		return "queue_full"
	case ErrNotFound:
		return "not_found"
	case ErrClosed:
		return "closed"
	case ErrTimeout:
		return "timeout"
	case ErrRefused:
		return "refused"
	default:
		return "unknown"
	}
}

// Error is a typed connection failure.
type Error struct {
	Kind         ErrorKind
	ConnectionID string
	Detail       string
}

func (e *Error) Error() string {
	msg := "connection"
	if e.ConnectionID != "" {
		msg += " " + e.ConnectionID
	}
	msg += ": " + e.Kind.String()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}
