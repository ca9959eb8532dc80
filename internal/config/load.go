package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/brewva/brewva/internal/cost"
	"github.com/brewva/brewva/internal/ctxwin"
	"github.com/brewva/brewva/internal/gateway"
	"github.com/brewva/brewva/internal/toolaccess"
)

// StateDirName is the dot-directory every workspace-rooted package
// (ledger, eventstore, turnwal) stores its state under.
const StateDirName = ".orchestrator"

// DefaultConfigFileName is where Load/Save read and write the config
// file by default, relative to a workspace's StateDirName.
const DefaultConfigFileName = "config.json5"

// DefaultPath returns the default config file path for a workspace.
func DefaultPath(workspaceDir string) string {
	return filepath.Join(workspaceDir, StateDirName, DefaultConfigFileName)
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Path:                "~/.brewva/workspace",
			RestrictToWorkspace: true,
		},
		Gateway: gateway.Config{
			Host:         "127.0.0.1",
			Port:         18790,
			RateLimitRPM: 20,
		},
		Context: ContextConfig{
			MaxEntriesPerSession: 500,
			DegradationPolicy:    ctxwin.PolicyDropLowPriority,
			Budget: ctxwin.Budget{
				Enabled:            true,
				MaxInjectionTokens: 20000,
				HardLimitPercent:   0.9,
				ZoneBudgets: map[ctxwin.Zone]ctxwin.ZoneBudget{
					ctxwin.ZoneIdentity:      {Min: 200, Max: 1000},
					ctxwin.ZoneTruth:         {Min: 500, Max: 4000},
					ctxwin.ZoneTaskState:     {Min: 200, Max: 3000},
					ctxwin.ZoneToolFailures:  {Min: 0, Max: 2000},
					ctxwin.ZoneMemoryWorking: {Min: 0, Max: 4000},
					ctxwin.ZoneMemoryRecall:  {Min: 0, Max: 4000},
					ctxwin.ZoneRagExternal:   {Min: 0, Max: 2000},
				},
			},
			Compaction: ctxwin.CompactionPolicy{
				ThresholdPercent:      0.8,
				MinTurnsBetween:       3,
				PressureBypassPercent: 0.95,
			},
		},
		ToolAccess: ToolAccessConfig{Mode: toolaccess.ModeStandard},
		Cost: CostConfig{
			MaxCostUsdPerSession: 0,
			ActionOnExceed:       cost.ActionNone,
		},
		TurnWAL: TurnWALConfig{ScheduleTTLMs: 0},
		Channels: ChannelsConfig{
			GracefulTimeoutMs: 30_000,
		},
		Database: DatabaseConfig{Mode: "standalone"},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "brewva-orchestrator",
			Protocol:    "grpc",
		},
		Cron: CronConfig{
			MaxRetries:     3,
			RetryBaseDelay: "2s",
			RetryMaxDelay:  "30s",
		},
	}
}

// Load reads a json5 config file, falling back to Default if the file
// does not exist, then overlays BREWVA_-prefixed env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes cfg to path as indented JSON, creating parent directories
// and using 0600 permissions since the file may carry secrets in the
// future (it currently does not: Token and PostgresDSN are env-only).
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a short SHA-256 digest of cfg, used by hot reload to skip
// no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ReplaceFrom atomically swaps every field of c for src's values, for use
// by a fsnotify-triggered hot reload. Callers must not retain a copy of
// *c across a ReplaceFrom call; they should re-read fields through
// accessor methods instead.
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	workspace, gw, ctxCfg := src.Workspace, src.Gateway, src.Context
	toolAccess, costCfg, verifyCfg := src.ToolAccess, src.Cost, src.Verify
	turnWAL, channels, database := src.TurnWAL, src.Channels, src.Database
	telemetry, cronCfg := src.Telemetry, src.Cron
	src.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Workspace, c.Gateway, c.Context = workspace, gw, ctxCfg
	c.ToolAccess, c.Cost, c.Verify = toolAccess, costCfg, verifyCfg
	c.TurnWAL, c.Channels, c.Database = turnWAL, channels, database
	c.Telemetry, c.Cron = telemetry, cronCfg
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("BREWVA_WORKSPACE", &c.Workspace.Path)
	envStr("BREWVA_GATEWAY_HOST", &c.Gateway.Host)
	envStr("BREWVA_GATEWAY_TOKEN", &c.Gateway.Token)
	if v := os.Getenv("BREWVA_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("BREWVA_GATEWAY_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}

	envStr("BREWVA_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("BREWVA_DATABASE_MODE", &c.Database.Mode)

	envStr("BREWVA_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("BREWVA_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BREWVA_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ExpandHome expands a leading "~" to the current user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Workspace.Path)
}
