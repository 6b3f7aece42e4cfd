// Package ws speaks the sync wire protocol over a persistent
// websocket per document: handshake, state-vector exchange, operation
// relay, presence and heartbeats. Message ordering per connection is
// preserved by the transport; nothing cross-connection is ordered here.
package ws

import (
	"tome/sync/internal/crdt"
	"tome/sync/internal/presence"
)

// Message types. The handshake is the first frame a client sends; the
// credential travels in it rather than in the URL so it never lands in
// access logs.
const (
	TypeHandshake    = "handshake"
	TypeHandshakeAck = "handshake_ack"
	TypeSyncRequest  = "sync_request"
	TypeSyncResponse = "sync_response"
	TypeOp           = "op"
	TypePresence     = "presence"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeRejected     = "rejected"
)

// Rejection codes surfaced in a TypeRejected message before the server
// closes a refused connection.
const (
	CodeInvalidCredential = "INVALID_CREDENTIAL"
	CodeNotAuthorized     = "NOT_AUTHORIZED"
	CodeProtocolViolation = "PROTOCOL_VIOLATION"
	CodeServerError       = "SERVER_ERROR"
)

// Message is the single frame shape for both directions. Fields are
// populated according to Type; operation payloads ride base64-encoded
// through the []byte JSON marshaling.
type Message struct {
	Type string `json:"type"`

	// handshake
	DocumentID string `json:"documentId,omitempty"`
	Credential string `json:"credential,omitempty"`

	// sync_request / sync_response / handshake_ack
	StateVector crdt.StateVector `json:"stateVector,omitempty"`
	Ops         []crdt.Operation `json:"ops,omitempty"`

	// op
	Op *crdt.Operation `json:"op,omitempty"`

	// presence
	Presence *presence.Update `json:"presence,omitempty"`

	// rejected
	Code string `json:"code,omitempty"`
}

// State is the per-connection protocol phase.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateSyncing
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
