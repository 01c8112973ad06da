// Package message defines the durable units of a conversation: messages and
// the incrementally streamed parts inside them.
package message

// Role discriminates user and assistant messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry in a session's log. User messages carry no token
// accounting; assistant messages accumulate usage and cost as the turn
// progresses and reference the user message that triggered them via ParentID.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`

	// Assistant-only fields.
	ParentID   string     `json:"parentID,omitempty"`
	ProviderID string     `json:"providerID,omitempty"`
	ModelID    string     `json:"modelID,omitempty"`
	Agent      string     `json:"agent,omitempty"`
	Tokens     TokenUsage `json:"tokens"`
	Cost       float64    `json:"cost,omitempty"`
	Summary    bool       `json:"summary,omitempty"`
	Error      *Error     `json:"error,omitempty"`

	Time Time `json:"time"`
}

// Time tracks message lifecycle instants as unix milliseconds.
type Time struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// TokenUsage is the rolling usage counter on an assistant message.
type TokenUsage struct {
	Input     int64      `json:"input"`
	Output    int64      `json:"output"`
	Reasoning int64      `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

// CacheUsage splits prompt-cache reads and writes.
type CacheUsage struct {
	Read  int64 `json:"read"`
	Write int64 `json:"write"`
}

// Total returns the usage the overflow predicate compares against the usable
// context window.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Cache.Read + u.Output
}

// Error kinds embedded into a terminal assistant message.
const (
	ErrorAborted       = "aborted"
	ErrorProviderFatal = "provider"
	ErrorRejected      = "rejected"
)

// Error is a terminal failure recorded on an assistant message.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// WithParts bundles a message with its ordered parts for log reads.
type WithParts struct {
	Info  Message `json:"info"`
	Parts []Part  `json:"parts"`
}
