package mcp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Wire header layout, in order:
//
//	offset 0: protocol_version (u8)
//	offset 1: message_type     (u8)
//	offset 2: security_level   (u8)
//	offset 3: reserved         (u8, must be zero)
//	offset 4: body length      (u32, big endian)
//
// The body is a JSON envelope carrying the routing method, the credential
// reference, and the opaque payload. The header is the interop contract;
// transports must not reorder or widen these fields.
const HeaderSize = 8

// MaxBodySize bounds the body length field so a corrupt header cannot make
// a reader allocate unbounded memory. Individual deployments enforce their
// own (smaller) limit through the messaging configuration.
const MaxBodySize = 1 << 26 // 64 MiB

type wireEnvelope struct {
	Method  Method          `json:"method,omitempty"`
	KeyID   string          `json:"keyId,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeMessage frames a message for the wire: fixed header followed by the
// JSON body. The message must validate first.
func EncodeMessage(m *ProtocolMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(wireEnvelope{
		Method:  m.Method,
		KeyID:   m.Security.KeyID,
		Subject: m.Security.Subject,
		Payload: m.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	buf := make([]byte, HeaderSize+len(body))
	buf[0] = m.Version
	buf[1] = uint8(m.Type)
	buf[2] = uint8(m.Security.Level)
	buf[3] = 0
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// DecodeMessage parses a framed message produced by EncodeMessage.
func DecodeMessage(frame []byte) (*ProtocolMessage, error) {
	if len(frame) < HeaderSize {
		return nil, &ProtocolError{Kind: ProtocolMalformed, Detail: "short header"}
	}
	if frame[0] != ProtocolVersion {
		return nil, &ProtocolError{Kind: ProtocolUnsupportedVersion, Detail: fmt.Sprintf("version %d", frame[0])}
	}
	if frame[3] != 0 {
		return nil, &ProtocolError{Kind: ProtocolMalformed, Detail: "reserved byte set"}
	}
	bodyLen := binary.BigEndian.Uint32(frame[4:8])
	if bodyLen > MaxBodySize {
		return nil, &ProtocolError{Kind: ProtocolMalformed, Detail: "body length exceeds limit"}
	}
	if len(frame) != HeaderSize+int(bodyLen) {
		return nil, &ProtocolError{Kind: ProtocolMalformed, Detail: "body length mismatch"}
	}
	var env wireEnvelope
	if bodyLen > 0 {
		if err := json.Unmarshal(frame[HeaderSize:], &env); err != nil {
			return nil, &ProtocolError{Kind: ProtocolMalformed, Detail: "invalid body json"}
		}
	}
	m := &ProtocolMessage{
		Version: frame[0],
		Type:    MessageType(frame[1]),
		Method:  env.Method,
		Security: SecurityMetadata{
			Level:   SecurityLevel(frame[2]),
			KeyID:   env.KeyID,
			Subject: env.Subject,
		},
		Payload: env.Payload,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadMessage reads one framed message from r. It blocks until a full frame
// arrives or r fails.
func ReadMessage(r io.Reader) (*ProtocolMessage, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	bodyLen := binary.BigEndian.Uint32(hdr[4:8])
	if bodyLen > MaxBodySize {
		return nil, &ProtocolError{Kind: ProtocolMalformed, Detail: "body length exceeds limit"}
	}
	frame := make([]byte, HeaderSize+int(bodyLen))
	copy(frame, hdr[:])
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}
	return DecodeMessage(frame)
}
