package security

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates security failure classes.
type ErrorKind int

const (
	ErrAuthFailed ErrorKind = iota + 1
	ErrPermissionDenied
	ErrRevoked
	ErrUnknownKey
)

func (k ErrorKind) String() string {
	switch k {
	case ErrAuthFailed:
		return "auth_failed"
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrRevoked:
		return "revoked"
	case ErrUnknownKey:
		return "unknown_key"
	default:
		return "unknown"
	}
}

// Error is a typed security failure. Security errors are never retried and
// close the offending connection.
type Error struct {
	Kind    ErrorKind
	Subject string
	Detail  string
}

func (e *Error) Error() string {
	msg := "security: " + e.Kind.String()
	if e.Subject != "" {
		msg += " subject=" + e.Subject
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

// IsKind reports whether err is a security Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
