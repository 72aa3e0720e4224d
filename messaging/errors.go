package messaging

import "fmt"

// ErrorKind enumerates message delivery failure classes.
type ErrorKind int

const (
	ErrTooLarge ErrorKind = iota + 1
	ErrTimeout
	ErrRetriesExhausted
	ErrNoRoute
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTooLarge:
		return "too_large"
	case ErrTimeout:
		return "timeout"
	case ErrRetriesExhausted:
		return "retries_exhausted"
	case ErrNoRoute:
		return "no_route"
	default:
		return "unknown"
	}
}

// Error is a typed message delivery failure.
type Error struct {
	Kind         ErrorKind
	ConnectionID string
	Detail       string
}

func (e *Error) Error() string {
	msg := "message"
	if e.ConnectionID != "" {
		msg += " conn=" + e.ConnectionID
	}
	msg += ": " + e.Kind.String()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}
