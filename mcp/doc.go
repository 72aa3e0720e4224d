// Package mcp defines the message model for the Machine Context Protocol
// (MCP): the protocol version, message types, security metadata, and the
// binary header codec shared by every transport binding.
//
// A ProtocolMessage is immutable once constructed for sending. The core
// never interprets the payload beyond the routing method; transports carry
// it opaquely and higher layers (contexts, state) decode the typed payloads
// defined here.
//
// Layers & Roles
//
//	Transport binding -> carries EncodeMessage/DecodeMessage frames on the wire
//	messaging         -> routes by Method, enforces size/timeout/retry
//	contexts / state  -> decode ContextSyncPayload / StateTransitionPayload
package mcp
