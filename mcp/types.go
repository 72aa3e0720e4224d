package mcp

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the version of the MCP message model spoken by this
// package. It is carried in every message header; peers reject versions they
// do not understand.
const ProtocolVersion uint8 = 1

// MessageType enumerates the four wire-level message classes.
type MessageType uint8

const (
	MessageTypeRequest MessageType = iota + 1
	MessageTypeResponse
	MessageTypeEvent
	MessageTypeHeartbeat
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	case MessageTypeEvent:
		return "event"
	case MessageTypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t MessageType) valid() bool {
	return t >= MessageTypeRequest && t <= MessageTypeHeartbeat
}

// SecurityLevel describes the protection the sender applied to the payload.
// The core treats encryption as a pluggable capability; the level is carried
// in the header so receivers can route the payload to the right handler.
type SecurityLevel uint8

const (
	SecurityLevelNone SecurityLevel = iota
	SecurityLevelSigned
	SecurityLevelEncrypted
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityLevelNone:
		return "none"
	case SecurityLevelSigned:
		return "signed"
	case SecurityLevelEncrypted:
		return "encrypted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(l))
	}
}

// Method identifies the routing target of a message payload. Methods are
// carried inside the payload envelope, not the binary header.
type Method string

const (
	// ContextSyncMethod routes the payload to context synchronization.
	ContextSyncMethod Method = "context/sync"
	// StateTransitionMethod routes the payload to a session state transition.
	StateTransitionMethod Method = "state/transition"
	// PingMethod is a no-op request used to test connectivity.
	PingMethod Method = "ping"
)

// SecurityMetadata accompanies a message and identifies the credential the
// sender used. Verification happens in the security package; this type only
// carries the wire representation.
type SecurityMetadata struct {
	Level   SecurityLevel `json:"level"`
	KeyID   string        `json:"keyId,omitempty"`
	Subject string        `json:"subject,omitempty"`
}

// ProtocolMessage is a single MCP message. Immutable once handed to a send
// path; senders must not mutate Payload after calling messaging.Send.
type ProtocolMessage struct {
	Version  uint8            `json:"version"`
	Type     MessageType      `json:"type"`
	Method   Method           `json:"method,omitempty"`
	Security SecurityMetadata `json:"security"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
}

// Validate checks the structural invariants every message must satisfy
// before it is admitted to a send or dispatch path.
func (m *ProtocolMessage) Validate() error {
	if m.Version != ProtocolVersion {
		return &ProtocolError{Kind: ProtocolUnsupportedVersion, Detail: fmt.Sprintf("version %d", m.Version)}
	}
	if !m.Type.valid() {
		return &ProtocolError{Kind: ProtocolMalformed, Detail: fmt.Sprintf("message type %d", uint8(m.Type))}
	}
	if m.Type == MessageTypeHeartbeat && len(m.Payload) > 0 {
		return &ProtocolError{Kind: ProtocolMalformed, Detail: "heartbeat carries a payload"}
	}
	return nil
}

// Size reports the encoded payload size in bytes. Used by messaging to
// enforce the configured maximum message size.
func (m *ProtocolMessage) Size() int { return len(m.Payload) }

// ContextSyncPayload is the typed payload of a ContextSyncMethod message. It
// carries a remote context snapshot for LatestWins merging.
type ContextSyncPayload struct {
	ContextID  string         `json:"contextId"`
	SnapshotID string         `json:"snapshotId"`
	Originator string         `json:"originator"`
	Timestamp  time.Time      `json:"timestamp"`
	Version    uint64         `json:"version"`
	Data       map[string]any `json:"data"`
}

// StateTransitionPayload is the typed payload of a StateTransitionMethod
// message. It asks the receiver to append a recovery point for the named
// session state.
type StateTransitionPayload struct {
	Name     string            `json:"name"`
	Data     map[string]any    `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewRequest builds a request message with the current protocol version.
func NewRequest(method Method, sec SecurityMetadata, payload any) (*ProtocolMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &ProtocolMessage{
		Version:  ProtocolVersion,
		Type:     MessageTypeRequest,
		Method:   method,
		Security: sec,
		Payload:  raw,
	}, nil
}

// NewHeartbeat builds a heartbeat message. Heartbeats carry no payload.
func NewHeartbeat(sec SecurityMetadata) *ProtocolMessage {
	return &ProtocolMessage{
		Version:  ProtocolVersion,
		Type:     MessageTypeHeartbeat,
		Security: sec,
	}
}
