package protocol

// WebSocket event names pushed from server to client, trimmed to the
// explicit set named by spec.md §6.
const (
	EventConnectChallenge = "connect.challenge"
	EventTick             = "tick"

	EventSessionTurnStart = "session.turn.start"
	EventSessionTurnChunk = "session.turn.chunk"
	EventSessionTurnError = "session.turn.error"
	EventSessionTurnEnd   = "session.turn.end"

	EventHeartbeatFired = "heartbeat.fired"
	EventShutdown       = "shutdown"
)
