package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ClientInfo identifies the connecting client during the connect handshake.
type ClientInfo struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// AuthInfo carries the bearer token presented by the client.
type AuthInfo struct {
	Token string `json:"token"`
}

// ConnectParams is the payload of a "connect" request, sent in response
// to the connect.challenge event.
type ConnectParams struct {
	Protocol       int        `json:"protocol"`
	Client         ClientInfo `json:"client"`
	Auth           AuthInfo   `json:"auth"`
	ChallengeNonce string     `json:"challengeNonce"`
}

// ServerInfo identifies this runtime to the client.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Features advertises what this server supports.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// Policy advertises server-enforced limits.
type Policy struct {
	MaxPayloadBytes int64 `json:"maxPayloadBytes"`
	TickIntervalMs  int64 `json:"tickIntervalMs"`
}

// HelloOk is the payload of a successful "connect" response.
type HelloOk struct {
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Policy   Policy     `json:"policy"`
}

// challengePayload is the payload of the connect.challenge event.
type challengePayload struct {
	Nonce string `json:"nonce"`
	Ts    int64  `json:"ts"`
}

func newChallengeNonce() string {
	return uuid.NewString()
}

// maxClockSkewMs bounds how stale a challenge response may be.
const maxClockSkewMs int64 = 30_000

// validateConnect checks the client's connect request against the
// challenge this server issued and the server's own token.
func validateConnect(raw json.RawMessage, expectedToken, expectedNonce string, issuedAt, now int64) (ConnectParams, error) {
	var params ConnectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, fmt.Errorf("gateway: invalid connect params: %w", err)
	}
	if !tokensEqual(params.Auth.Token, expectedToken) {
		return params, fmt.Errorf("gateway: token mismatch")
	}
	if params.ChallengeNonce != expectedNonce {
		return params, fmt.Errorf("gateway: challenge nonce mismatch")
	}
	if now-issuedAt > maxClockSkewMs {
		return params, fmt.Errorf("gateway: challenge expired")
	}
	return params, nil
}
