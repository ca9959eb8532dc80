// Package protocol defines the gateway wire protocol described by
// spec.md §6: JSON text frames over a loopback-only WebSocket, a
// req/res/event tagged union, and the explicit method/event/error-code
// sets this runtime exposes.
package protocol

import "encoding/json"

// ProtocolVersion is negotiated during the connect handshake.
const ProtocolVersion = 1

// Frame type tags.
const (
	TypeReq   = "req"
	TypeRes   = "res"
	TypeEvent = "event"
)

// ReqFrame is a client-to-server request.
type ReqFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TraceID string          `json:"traceId,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ErrorPayload describes a failed request.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// ResFrame is a server-to-client response to a ReqFrame with the same ID.
type ResFrame struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	TraceID string        `json:"traceId,omitempty"`
	OK      bool          `json:"ok"`
	Payload any           `json:"payload,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// NewOKResponse builds a successful ResFrame for id.
func NewOKResponse(id string, payload any) ResFrame {
	return ResFrame{Type: TypeRes, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed ResFrame for id.
func NewErrorResponse(id, code, message string) ResFrame {
	return ResFrame{Type: TypeRes, ID: id, OK: false, Error: &ErrorPayload{Code: code, Message: message}}
}

// EventFrame is a server-to-client push, fanned out to subscribers with a
// monotonically increasing seq per subscription.
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
}

// NewEvent builds an EventFrame with no seq assigned yet.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: TypeEvent, Event: name, Payload: payload}
}

// Error codes, per spec.md §6.
const (
	ErrInvalidRequest = "invalid_request"
	ErrUnauthorized   = "unauthorized"
	ErrMethodNotFound = "method_not_found"
	ErrInternal       = "internal_error"
	ErrTimeout        = "timeout"
	ErrBadState       = "bad_state"
)
