// Package config defines the runtime orchestrator's configuration schema:
// workspace location, gateway bind/auth, context window budgets, tool and
// skill policy, cost ceiling, verification commands, turn WAL TTLs,
// channel scheduler timeouts, database mode, telemetry, and cron
// scheduling. Loaded from a json5 file, defaulted by Default, overlaid by
// BREWVA_-prefixed env vars, and hot-reloadable via Watcher.
package config

import (
	"sync"

	"github.com/brewva/brewva/internal/cost"
	"github.com/brewva/brewva/internal/ctxwin"
	"github.com/brewva/brewva/internal/gateway"
	"github.com/brewva/brewva/internal/toolaccess"
	"github.com/brewva/brewva/internal/tracing"
	"github.com/brewva/brewva/internal/verify"
)

// Config is the root configuration for the runtime orchestrator.
type Config struct {
	Workspace  WorkspaceConfig  `json:"workspace"`
	Gateway    gateway.Config   `json:"gateway"`
	Context    ContextConfig    `json:"context"`
	ToolAccess ToolAccessConfig `json:"toolAccess"`
	Cost       CostConfig       `json:"cost"`
	Verify     VerifyConfig     `json:"verify"`
	TurnWAL    TurnWALConfig    `json:"turnWal"`
	Channels   ChannelsConfig   `json:"channels"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Cron       CronConfig       `json:"cron,omitempty"`

	mu sync.RWMutex
}

// WorkspaceConfig locates the session's working directory and the
// .orchestrator state directory rooted under it.
type WorkspaceConfig struct {
	Path                string `json:"path"`
	RestrictToWorkspace bool   `json:"restrictToWorkspace"`
}

// ContextConfig configures the context window arena, zone allocator, and
// compaction policy (internal/ctxwin).
type ContextConfig struct {
	MaxEntriesPerSession int                      `json:"maxEntriesPerSession"`
	DegradationPolicy    ctxwin.DegradationPolicy `json:"degradationPolicy"`
	Budget               ctxwin.Budget            `json:"budget"`
	Compaction           ctxwin.CompactionPolicy  `json:"compaction"`
}

// ToolAccessConfig configures the tool access gate (internal/toolaccess).
type ToolAccessConfig struct {
	Mode toolaccess.Mode `json:"mode"`
}

// CostConfig configures per-session cost accounting (internal/cost).
type CostConfig struct {
	MaxCostUsdPerSession float64             `json:"maxCostUsdPerSession"`
	ActionOnExceed       cost.ActionOnExceed `json:"actionOnExceed"`
}

// VerifyConfig configures the verification gate (internal/verify): named
// verification levels (ordered check lists) and the shell commands each
// check name runs to produce its evidence.
type VerifyConfig struct {
	Levels   map[string][]string           `json:"levels,omitempty"`
	Commands map[string]verify.CommandSpec `json:"commands,omitempty"`
}

// TurnWALConfig configures per-source turn WAL defaults (internal/turnwal).
// Only the schedule source carries a configurable TTL; channel, gateway,
// and heartbeat turns have no expiry by default.
type TurnWALConfig struct {
	ScheduleTTLMs int64 `json:"scheduleTtlMs,omitempty"`
}

// TurnWALScheduleTTLMs returns the configured TTL for schedule-sourced
// turn WAL entries, for callers (internal/cronsched) that must pass it
// explicitly via turnwal.AppendPendingOpts.
func (c *Config) TurnWALScheduleTTLMs() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TurnWAL.ScheduleTTLMs
}

// ChannelsConfig configures the per-conversation scheduler
// (internal/channelsched).
type ChannelsConfig struct {
	GracefulTimeoutMs int64 `json:"gracefulTimeoutMs"`
}

// DatabaseConfig selects between local file-backed storage and a
// Postgres-mirrored managed mode. The DSN is never persisted to the
// config file; it comes from the BREWVA_POSTGRES_DSN env var only.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	PostgresDSN string `json:"-"`
}

// IsManagedMode reports whether durable Postgres mirroring is active.
func (c *Config) IsManagedMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OTLP trace export (internal/tracing).
type TelemetryConfig struct {
	Enabled     bool                     `json:"enabled,omitempty"`
	ServiceName string                   `json:"serviceName,omitempty"`
	Endpoint    string                   `json:"endpoint,omitempty"`
	Protocol    tracing.ExporterProtocol `json:"protocol,omitempty"`
	Insecure    bool                     `json:"insecure,omitempty"`
	Verbose     bool                     `json:"verbose,omitempty"`
}

func (t TelemetryConfig) providerConfig() tracing.ProviderConfig {
	return tracing.ProviderConfig{
		Enabled:     t.Enabled,
		ServiceName: t.ServiceName,
		Endpoint:    t.Endpoint,
		Protocol:    t.Protocol,
		Insecure:    t.Insecure,
	}
}

// ProviderConfig returns the tracing.ProviderConfig this config describes.
func (c *Config) ProviderConfig() tracing.ProviderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Telemetry.providerConfig()
}

// CronConfig configures heartbeat/schedule-driven turns
// (internal/cronsched).
type CronConfig struct {
	MaxRetries     int              `json:"maxRetries,omitempty"`
	RetryBaseDelay string           `json:"retryBaseDelay,omitempty"` // Go duration string, e.g. "2s"
	RetryMaxDelay  string           `json:"retryMaxDelay,omitempty"`  // Go duration string, e.g. "30s"
	Heartbeat      *HeartbeatConfig `json:"heartbeat,omitempty"`
	Jobs           []CronJobConfig  `json:"jobs,omitempty"`
}

// CronJobConfig names one cron-expression-triggered agent run, distinct
// from the single periodic Heartbeat.
type CronJobConfig struct {
	ID      string `json:"id"`
	Expr    string `json:"expr"` // standard 5-field cron expression
	Session string `json:"session,omitempty"`
	Channel string `json:"channel,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

// CronSnapshot returns a copy of the cron configuration under a read
// lock, safe to use after the call returns even across a hot reload.
func (c *Config) CronSnapshot() CronConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Cron
}

// HeartbeatConfig configures the periodic agent heartbeat.
type HeartbeatConfig struct {
	Every       string             `json:"every,omitempty"`       // duration string, "0m"=disabled
	ActiveHours *ActiveHoursConfig `json:"activeHours,omitempty"`
	Session     string             `json:"session,omitempty"`
	Prompt      string             `json:"prompt,omitempty"`
}

// ActiveHoursConfig restricts heartbeats to a time window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"` // "HH:MM" inclusive
	End      string `json:"end,omitempty"`   // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"`
}
