package protocol

// Event names pushed from the server to SSE and WebSocket subscribers.
const (
	EventSessionUpdated     = "session.updated"
	EventSessionCompleted   = "session.completed"
	EventSessionAborted     = "session.aborted"
	EventSessionAgentSwitch = "session.agent_switch"
	EventSessionError       = "session.error"

	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"

	EventPermissionUpdated = "permission.updated"
	EventPermissionReplied = "permission.replied"

	EventTodoUpdated = "todo.updated"

	EventSessionCompacted   = "session.compacted"
	EventCompactingProgress = "session.compacting.progress"

	EventCommandExecuted = "command.executed"
	EventBashExecuted    = "bash.executed"

	// Internal server events (not forwarded to clients).
	EventShutdown = "shutdown"
)

// Envelope is the wire shape of every event at the HTTP/WS boundary.
type Envelope struct {
	Type       string `json:"type"`
	Properties any    `json:"properties"`
}

// Compacting progress steps carried in EventCompactingProgress payloads.
const (
	CompactStepStarted = "started"
	CompactStepContext = "context"
	CompactStepDone    = "done"
)
