package gateway

// Config configures the loopback gateway server. Mirrors the field set of
// the teacher's GatewayConfig (internal/config/config_channels.go) — host,
// port, token, allowed origins, rate limit. Embedded as the Gateway field
// of the orchestrator's own internal/config.Config.
type Config struct {
	// Host must resolve to loopback; NewServer refuses anything else. An
	// empty Host defaults to 127.0.0.1.
	Host string `json:"host"`
	Port int    `json:"port"`

	// TokenFilePath holds the 0600 bearer token file. If Token is set it
	// is used as-is (useful for tests); otherwise it is loaded from, or
	// generated into, TokenFilePath.
	Token         string `json:"-"`
	TokenFilePath string `json:"tokenFilePath,omitempty"`

	AllowedOrigins []string `json:"allowedOrigins,omitempty"`

	// RateLimitRPM <= 0 disables per-client rate limiting.
	RateLimitRPM int `json:"rateLimitRpm,omitempty"`

	MaxPayloadBytes  int64 `json:"maxPayloadBytes,omitempty"`
	TickIntervalMs   int64 `json:"tickIntervalMs,omitempty"`
	RequestTimeoutMs int64 `json:"requestTimeoutMs,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 1 << 20
	}
	if c.TickIntervalMs <= 0 {
		c.TickIntervalMs = 1000
	}
	if c.RequestTimeoutMs <= 0 {
		c.RequestTimeoutMs = 30_000
	}
	return c
}
