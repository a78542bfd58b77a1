package signaling

import "encoding/json"

// Server-bound message types. Every other non-empty type on an authenticated
// connection is treated as an opaque relay payload and forwarded verbatim.
const (
	messageTypeAuth      = "auth"
	messageTypeHeartbeat = "heartbeat"
)

// Server-pushed message types.
const (
	messageTypeAuthSuccess    = "auth_success"
	messageTypeAuthFailed     = "auth_failed"
	messageTypeHeartbeatAck   = "heartbeat_ack"
	messageTypeSessionClosed  = "session_closed"
	messageTypeGuestLeft      = "guest_left"
	messageTypeHostConnected  = "host_connected"
	messageTypeGuestConnected = "guest_connected"
	messageTypeError          = "error"
)

// Reasons carried by session_closed.
const (
	CloseReasonHostClosed       = "host_closed"
	CloseReasonHostDisconnected = "host_disconnected"
)

type envelope struct {
	Type string `json:"type"`
}

type authMessage struct {
	Type       string `json:"type"`
	ClientID   string `json:"clientId"`
	AssistCode string `json:"assistCode"`
	Role       string `json:"role"`
}

type authSuccessMessage struct {
	Type string `json:"type"`
	Role string `json:"role"`
	// HasGuest is included for hosts so the UI can show whether the guest
	// already claimed the code.
	HasGuest *bool `json:"hasGuest,omitempty"`
}

type heartbeatAckMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type eventMessage struct {
	Type    string `json:"type"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func mustEncode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All wire structs marshal unconditionally.
		panic(err)
	}
	return data
}

// EncodeSessionClosed builds a session_closed frame with the given reason.
func EncodeSessionClosed(reason string) []byte {
	return mustEncode(eventMessage{Type: messageTypeSessionClosed, Reason: reason})
}

// EncodeGuestLeft builds a guest_left frame.
func EncodeGuestLeft() []byte {
	return mustEncode(eventMessage{Type: messageTypeGuestLeft})
}

func encodeHostConnected() []byte {
	return mustEncode(eventMessage{Type: messageTypeHostConnected})
}

func encodeGuestConnected() []byte {
	return mustEncode(eventMessage{Type: messageTypeGuestConnected})
}

func encodeError(message string) []byte {
	return mustEncode(eventMessage{Type: messageTypeError, Message: message})
}

func encodeAuthFailed(message string) []byte {
	return mustEncode(eventMessage{Type: messageTypeAuthFailed, Message: message})
}
