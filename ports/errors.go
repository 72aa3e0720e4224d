package ports

import "fmt"

// ErrorKind enumerates port allocation failure classes.
type ErrorKind int

const (
	ErrExhausted ErrorKind = iota + 1
	ErrInvalidRange
	ErrAlreadyBound
	ErrNotReserved
	ErrUnknownPort
)

func (k ErrorKind) String() string {
	switch k {
	case ErrExhausted:
		return "exhausted"
	case ErrInvalidRange:
		return "invalid_range"
	case ErrAlreadyBound:
		return "already_bound"
	case ErrNotReserved:
		return "not_reserved"
	case ErrUnknownPort:
		return "unknown_port"
	default:
		return "unknown"
	}
}

// Error is a typed port failure.
type Error struct {
	Kind ErrorKind
	Port uint16
}

func (e *Error) Error() string {
	if e.Port == 0 {
		return "port: " + e.Kind.String()
	}
	return fmt.Sprintf("port %d: %s", e.Port, e.Kind)
}
