package mcp

import "fmt"

// ProtocolErrorKind enumerates protocol-level failure classes.
type ProtocolErrorKind int

const (
	ProtocolMalformed ProtocolErrorKind = iota + 1
	ProtocolUnsupportedVersion
	ProtocolUnknownType
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case ProtocolMalformed:
		return "malformed"
	case ProtocolUnsupportedVersion:
		return "unsupported_version"
	case ProtocolUnknownType:
		return "unknown_type"
	default:
		return "unknown"
	}
}

// ProtocolError reports a violation of the message model. Protocol errors
// are never retried; connection code closes the offending connection.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return "protocol error: " + e.Kind.String()
	}
	return fmt.Sprintf("protocol error: %s: %s", e.Kind, e.Detail)
}
