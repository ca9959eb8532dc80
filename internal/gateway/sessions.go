package gateway

import "context"

// OpenSessionParams is the payload of "sessions.open".
type OpenSessionParams struct {
	Cwd    string `json:"cwd,omitempty"`
	TaskID string `json:"taskId,omitempty"`
}

// OpenSessionResult is the payload of a successful "sessions.open" response.
type OpenSessionResult struct {
	SessionID string `json:"sessionId"`
}

// SendParams is the payload of "sessions.send".
type SendParams struct {
	SessionID   string   `json:"sessionId"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// SessionBackend is the seam between the wire protocol and the runtime
// façade that actually owns sessions. internal/gateway only depends on
// this narrow interface so it can be built and tested before the session
// runtime exists; the runtime package implements it.
type SessionBackend interface {
	OpenSession(ctx context.Context, params OpenSessionParams) (OpenSessionResult, error)
	SendTurn(ctx context.Context, params SendParams) error
	AbortSession(ctx context.Context, sessionID string) error
	CloseSession(ctx context.Context, sessionID string) error
	StatusDeep(ctx context.Context) (any, error)
	ReloadHeartbeat(ctx context.Context) error
}
