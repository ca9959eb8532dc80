package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/brewva/brewva/internal/channelsched"
	"github.com/brewva/brewva/internal/eventstore"
	"github.com/brewva/brewva/internal/gateway"
	"github.com/brewva/brewva/pkg/protocol"
)

// OpenSession creates a new direct (gateway-originated) session and
// returns its id. Satisfies gateway.SessionBackend.
func (m *Manager) OpenSession(ctx context.Context, params gateway.OpenSessionParams) (gateway.OpenSessionResult, error) {
	id := newSessionID()
	st := &sessionState{
		ID:        id,
		Cwd:       params.Cwd,
		TaskID:    params.TaskID,
		Channel:   "gateway",
		Status:    statusActive,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[id] = st
	m.mu.Unlock()

	if m.mirror != nil {
		_ = m.mirror.UpsertSession(ctx, id, st.Channel, st.Status, st.Turn)
	}
	m.Events.Append(eventstore.AppendInput{
		SessionID: id,
		Type:      "session.open",
		Payload:   params,
		Timestamp: time.Now().UnixMilli(),
	})

	return gateway.OpenSessionResult{SessionID: id}, nil
}

// CreateSession looks up or creates the session backing one channel
// conversation. Satisfies channelsched.SessionFactory.
func (m *Manager) CreateSession(ctx context.Context, channel, conversationID string) (string, error) {
	key := channel + ":" + conversationID

	m.mu.Lock()
	if id, ok := m.convSessions[key]; ok {
		m.mu.Unlock()
		return id, nil
	}
	id := newSessionID()
	st := &sessionState{
		ID:        id,
		Channel:   channel,
		Status:    statusActive,
		CreatedAt: time.Now(),
	}
	m.sessions[id] = st
	m.convSessions[key] = id
	m.mu.Unlock()

	if m.mirror != nil {
		_ = m.mirror.UpsertSession(ctx, id, channel, st.Status, st.Turn)
	}
	m.Events.Append(eventstore.AppendInput{
		SessionID: id,
		Type:      "session.open",
		Payload:   map[string]string{"channel": channel, "conversationId": conversationID},
		Timestamp: time.Now().UnixMilli(),
	})

	return id, nil
}

// SendTurn runs one turn asynchronously and pushes its lifecycle events
// through the broadcaster as it progresses. Returning before the turn
// completes matches the gateway RPC handler's fire-and-forget contract:
// sessions.send's response carries no turn output, only acceptance.
func (m *Manager) SendTurn(ctx context.Context, params gateway.SendParams) error {
	m.mu.Lock()
	st, ok := m.sessions[params.SessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("runtime: unknown session %q", params.SessionID)
	}
	if st.Status != statusActive {
		m.mu.Unlock()
		return fmt.Errorf("runtime: session %q is not active (status=%s)", params.SessionID, st.Status)
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	st.Turn++
	turn := st.Turn
	m.mu.Unlock()

	go m.runTurn(turnCtx, st.ID, turn, params)
	return nil
}

func (m *Manager) runTurn(ctx context.Context, sessionID string, turn int, params gateway.SendParams) {
	defer func() {
		m.mu.Lock()
		if st, ok := m.sessions[sessionID]; ok {
			st.cancel = nil
		}
		m.mu.Unlock()
	}()

	m.broadcast(sessionID, protocol.NewEvent(protocol.EventSessionTurnStart, map[string]any{
		"sessionId": sessionID,
		"turn":      turn,
	}))

	result, err := m.agent.RunTurn(ctx, sessionID, channelsched.InboundTurn{
		Text:        params.Text,
		Attachments: params.Attachments,
	})
	if err != nil {
		m.broadcast(sessionID, protocol.NewEvent(protocol.EventSessionTurnError, map[string]any{
			"sessionId": sessionID,
			"turn":      turn,
			"error":     err.Error(),
		}))
		m.Events.Append(eventstore.AppendInput{
			SessionID: sessionID, Type: "session.turn.error", Turn: &turn,
			Payload: err.Error(), Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	m.broadcast(sessionID, protocol.NewEvent(protocol.EventSessionTurnChunk, map[string]any{
		"sessionId": sessionID,
		"turn":      turn,
		"text":      result.AssistantText,
	}))
	m.broadcast(sessionID, protocol.NewEvent(protocol.EventSessionTurnEnd, map[string]any{
		"sessionId": sessionID,
		"turn":      turn,
	}))
	m.Events.Append(eventstore.AppendInput{
		SessionID: sessionID, Type: "session.turn.end", Turn: &turn,
		Payload: result, Timestamp: time.Now().UnixMilli(),
	})

	if m.mirror != nil {
		m.mu.RLock()
		st := m.sessions[sessionID]
		m.mu.RUnlock()
		if st != nil {
			_ = m.mirror.UpsertSession(context.Background(), sessionID, st.Channel, st.Status, turn)
		}
	}
}

func (m *Manager) broadcast(sessionID string, ev *protocol.EventFrame) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.BroadcastToSession(sessionID, ev)
}

// AbortSession cancels the in-flight turn, if any, and marks the session
// as aborting. The agent's own cleanup (if any) runs via ctx
// cancellation propagated into AgentRunner.RunTurn.
func (m *Manager) AbortSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("runtime: unknown session %q", sessionID)
	}
	if st.cancel != nil {
		st.cancel()
	}
	st.Status = statusAborting
	m.mu.Unlock()

	m.Events.Append(eventstore.AppendInput{
		SessionID: sessionID, Type: "session.abort", Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

// CloseSession tears a session down: cancels any in-flight turn, marks
// it closed, and drops it from the conversation index (if it was a
// channel-bridge session) so a later inbound turn starts a new session.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("runtime: unknown session %q", sessionID)
	}
	if st.cancel != nil {
		st.cancel()
	}
	st.Status = statusClosed
	for key, id := range m.convSessions {
		if id == sessionID {
			delete(m.convSessions, key)
		}
	}
	m.mu.Unlock()

	if m.mirror != nil {
		_ = m.mirror.UpsertSession(ctx, sessionID, st.Channel, statusClosed, st.Turn)
	}
	m.Events.Append(eventstore.AppendInput{
		SessionID: sessionID, Type: "session.close", Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

// sessionSnapshot is one session's status as surfaced by StatusDeep.
type sessionSnapshot struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Status    string `json:"status"`
	Turn      int    `json:"turn"`
	CreatedAt string `json:"createdAt"`
}

// statusDeepResult is StatusDeep's payload shape.
type statusDeepResult struct {
	Sessions       []sessionSnapshot `json:"sessions"`
	PendingTurns   int               `json:"pendingTurns"`
	ToolAccessMode string            `json:"toolAccessMode"`
}

// StatusDeep reports every live session plus backlog depth across both
// turn WALs, for the "status.deep" RPC method.
func (m *Manager) StatusDeep(ctx context.Context) (any, error) {
	m.mu.RLock()
	snaps := make([]sessionSnapshot, 0, len(m.sessions))
	for _, st := range m.sessions {
		snaps = append(snaps, sessionSnapshot{
			ID:        st.ID,
			Channel:   st.Channel,
			Status:    st.Status,
			Turn:      st.Turn,
			CreatedAt: st.CreatedAt.Format(time.RFC3339),
		})
	}
	m.mu.RUnlock()

	channelPending, err := m.ChannelWAL.ListPending()
	if err != nil {
		return nil, fmt.Errorf("runtime: list channel pending: %w", err)
	}
	schedulePending, err := m.ScheduleWAL.ListPending()
	if err != nil {
		return nil, fmt.Errorf("runtime: list schedule pending: %w", err)
	}

	return statusDeepResult{
		Sessions:       snaps,
		PendingTurns:   len(channelPending) + len(schedulePending),
		ToolAccessMode: string(m.cfg.ToolAccess.Mode),
	}, nil
}

// ReloadHeartbeat forces the cron scheduler to re-evaluate the heartbeat
// against freshly hot-reloaded config on its next tick, instead of
// waiting out whatever interval was in effect when it last fired.
func (m *Manager) ReloadHeartbeat(ctx context.Context) error {
	m.CronSched.ResetHeartbeat()
	m.broadcast("", protocol.NewEvent(protocol.EventHeartbeatFired, map[string]any{
		"reloaded": true,
	}))
	return nil
}
