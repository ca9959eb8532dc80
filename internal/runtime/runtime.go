// Package runtime is the façade that wires every in-process component
// (config, context arena/pipeline, tool access, cost, verification,
// task ledger, evidence ledger + its sqlite index, event store, turn
// WAL, channel scheduler, cron scheduler, tracing, optional Postgres
// mirror) into the two ports spec.md §1 names as external collaborators'
// seams: gateway.SessionBackend for direct operator sessions, and
// channelsched's AgentRunner/SessionFactory/ChannelPort for channel
// bridges. The agent's own LLM session is never implemented here — it
// is injected as an AgentRunner, consumed purely through that port.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/brewva/brewva/internal/channelsched"
	"github.com/brewva/brewva/internal/config"
	"github.com/brewva/brewva/internal/cost"
	"github.com/brewva/brewva/internal/cronsched"
	"github.com/brewva/brewva/internal/ctxwin"
	"github.com/brewva/brewva/internal/eventstore"
	"github.com/brewva/brewva/internal/ledger"
	"github.com/brewva/brewva/internal/memsqlite"
	"github.com/brewva/brewva/internal/skills"
	"github.com/brewva/brewva/internal/store/pg"
	"github.com/brewva/brewva/internal/task"
	"github.com/brewva/brewva/internal/toolaccess"
	"github.com/brewva/brewva/internal/tracing"
	"github.com/brewva/brewva/internal/turnwal"
	"github.com/brewva/brewva/internal/verify"
	"github.com/brewva/brewva/pkg/protocol"
)

// EventBroadcaster is the narrow seam into the gateway's event fan-out,
// so this package never imports internal/gateway's Server directly
// (internal/gateway already depends on runtime's SessionBackend
// contract the other way around; importing Server back would cycle).
type EventBroadcaster interface {
	BroadcastToSession(sessionID string, ev *protocol.EventFrame)
}

// sessionState is one session's registry entry.
type sessionState struct {
	ID        string
	Cwd       string
	TaskID    string
	Channel   string
	Status    string // "active", "aborting", "closed"
	Turn      int
	CreatedAt time.Time

	cancel context.CancelFunc // non-nil while a turn is in flight
}

const (
	statusActive   = "active"
	statusAborting = "aborting"
	statusClosed   = "closed"
)

// Manager is the runtime façade. It implements gateway.SessionBackend
// and channelsched.SessionFactory.
type Manager struct {
	cfg          *config.Config
	workspaceDir string
	agent        channelsched.AgentRunner
	broadcaster  EventBroadcaster

	Ledger     *ledger.Ledger
	Events     *eventstore.Store
	Arena      *ctxwin.Arena
	ContextWin *ctxwin.Pipeline
	ToolAccess *toolaccess.Gate
	Cost       *cost.Manager
	Verify     *verify.Gate
	Task       *task.Manager
	Skills     *skills.Manager
	Tracer     tracing.Collector

	ChannelWAL   *turnwal.WAL
	ScheduleWAL  *turnwal.WAL
	ChannelSched *channelsched.Scheduler
	CronSched    *cronsched.Scheduler

	ledgerIndex    *memsqlite.Index
	mirror         *pg.Mirror
	tracerProvider *sdktrace.TracerProvider

	mu           sync.RWMutex
	sessions     map[string]*sessionState
	convSessions map[string]string // "channel:conversationId" -> sessionId
}

// New builds a fully-wired Manager. agent is the external Agent Session
// port; port is where channel-bridge turns get sent back out;
// broadcaster may be nil when the gateway server isn't running (e.g. a
// one-shot CLI invocation).
func New(cfg *config.Config, workspaceDir string, agent channelsched.AgentRunner, port channelsched.ChannelPort, broadcaster EventBroadcaster) (*Manager, error) {
	led := ledger.New(workspaceDir)

	idxPath := filepath.Join(workspaceDir, config.StateDirName, "ledger-index.sqlite")
	idx, err := memsqlite.Open(idxPath)
	if err != nil {
		slog.Warn("runtime: ledger index degraded", "error", err)
	}
	led.SetIndex(idx)

	events := eventstore.New(workspaceDir, true)
	arena := ctxwin.NewArena(cfg.Context.MaxEntriesPerSession, cfg.Context.DegradationPolicy)
	pipe := ctxwin.NewPipeline(arena, led, cfg.Context.Budget, cfg.Context.Compaction)
	toolGate := toolaccess.New(cfg.ToolAccess.Mode, events)
	costMgr := cost.New(led, toolGate, cfg.Cost.MaxCostUsdPerSession, cfg.Cost.ActionOnExceed)
	verifyGate := verify.New(workspaceDir, led, cfg.Verify.Levels, cfg.Verify.Commands)
	taskMgr := task.New(events)
	skillMgr := skills.New(events)

	channelWAL := turnwal.New(workspaceDir, "channel")
	scheduleWAL := turnwal.New(workspaceDir, "schedule")

	m := &Manager{
		cfg:          cfg,
		workspaceDir: workspaceDir,
		agent:        agent,
		broadcaster:  broadcaster,

		Ledger:     led,
		Events:     events,
		Arena:      arena,
		ContextWin: pipe,
		ToolAccess: toolGate,
		Cost:       costMgr,
		Verify:     verifyGate,
		Task:       taskMgr,
		Skills:     skillMgr,
		Tracer:     tracing.NewNoopCollector(),

		ChannelWAL:  channelWAL,
		ScheduleWAL: scheduleWAL,

		ledgerIndex: idx,

		sessions:     make(map[string]*sessionState),
		convSessions: make(map[string]string),
	}

	m.ChannelSched = channelsched.New(channelWAL, agent, port, m, cfg.Channels.GracefulTimeoutMs)
	m.CronSched = cronsched.New(scheduleWAL, cfg)

	if cfg.IsManagedMode() {
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("runtime: managed-mode postgres: %w", err)
		}
		if err := pg.MigrateUp(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("runtime: managed-mode migrate: %w", err)
		}
		m.mirror = pg.NewMirror(db)
	}

	provider, err := tracing.BuildTracerProvider(context.Background(), cfg.ProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("runtime: build tracer provider: %w", err)
	}
	m.tracerProvider = provider
	m.WireTracer(provider.Tracer("brewva-orchestrator"), cfg.Telemetry.Verbose)

	return m, nil
}

// WireTracer installs a collector wrapping tracer in place of whatever
// Tracer is currently set. New already calls this with a provider built
// from cfg.ProviderConfig() (a no-op provider when telemetry is
// disabled); exported so callers or tests can swap in a different
// tracer after construction.
func (m *Manager) WireTracer(tracer oteltrace.Tracer, verbose bool) {
	m.Tracer = tracing.NewOTelCollector(tracer, verbose)
}

// Start launches the cron scheduler's ticking loop in the background.
// Callers own ctx's lifetime; canceling it stops the loop.
func (m *Manager) Start(ctx context.Context) {
	go m.CronSched.Run(ctx)
}

// Close releases the ledger index, the tracer provider's exporter (if
// any), and, if wired, the Postgres mirror.
func (m *Manager) Close() error {
	if m.tracerProvider != nil {
		if err := m.tracerProvider.Shutdown(context.Background()); err != nil {
			slog.Warn("runtime: tracer provider shutdown", "error", err)
		}
	}
	if err := m.ledgerIndex.Close(); err != nil {
		return err
	}
	if m.mirror != nil {
		return m.mirror.Close()
	}
	return nil
}

func newSessionID() string {
	return uuid.NewString()
}
