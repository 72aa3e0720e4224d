package mcp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg, err := NewRequest(ContextSyncMethod, SecurityMetadata{Level: SecurityLevelSigned, KeyID: "k1", Subject: "peer-a"}, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	frame, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	got, err := DecodeMessage(frame)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if got.Type != MessageTypeRequest || got.Method != ContextSyncMethod {
		t.Errorf("got type=%v method=%q", got.Type, got.Method)
	}
	if got.Security.Level != SecurityLevelSigned || got.Security.KeyID != "k1" || got.Security.Subject != "peer-a" {
		t.Errorf("security metadata mismatch: %+v", got.Security)
	}
	if !bytes.Equal(got.Payload, msg.Payload) {
		t.Errorf("payload mismatch")
	}
}

func TestHeaderLayout(t *testing.T) {
	msg := NewHeartbeat(SecurityMetadata{Level: SecurityLevelNone})
	frame, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if frame[0] != ProtocolVersion {
		t.Errorf("byte 0 = %d, want protocol version %d", frame[0], ProtocolVersion)
	}
	if frame[1] != uint8(MessageTypeHeartbeat) {
		t.Errorf("byte 1 = %d, want message type %d", frame[1], uint8(MessageTypeHeartbeat))
	}
	if frame[2] != uint8(SecurityLevelNone) {
		t.Errorf("byte 2 = %d, want security level %d", frame[2], uint8(SecurityLevelNone))
	}
	if frame[3] != 0 {
		t.Errorf("reserved byte = %d, want 0", frame[3])
	}
	bodyLen := binary.BigEndian.Uint32(frame[4:8])
	if int(bodyLen) != len(frame)-HeaderSize {
		t.Errorf("body length field = %d, want %d", bodyLen, len(frame)-HeaderSize)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	msg := NewHeartbeat(SecurityMetadata{})
	frame, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	frame[0] = ProtocolVersion + 1
	_, err = DecodeMessage(frame)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Kind != ProtocolUnsupportedVersion {
		t.Fatalf("got %v, want unsupported version", err)
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	_, err := DecodeMessage([]byte{ProtocolVersion, 1})
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Kind != ProtocolMalformed {
		t.Fatalf("got %v, want malformed", err)
	}
}

func TestValidateRejectsHeartbeatPayload(t *testing.T) {
	msg := &ProtocolMessage{Version: ProtocolVersion, Type: MessageTypeHeartbeat, Payload: []byte(`{}`)}
	var pe *ProtocolError
	if err := msg.Validate(); !errors.As(err, &pe) || pe.Kind != ProtocolMalformed {
		t.Fatalf("got %v, want malformed", err)
	}
}

func TestReadMessage(t *testing.T) {
	msg, err := NewRequest(PingMethod, SecurityMetadata{}, struct{}{})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	frame, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	got, err := ReadMessage(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Method != PingMethod {
		t.Errorf("method = %q, want %q", got.Method, PingMethod)
	}
}
