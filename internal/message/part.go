package message

// Part type discriminators.
const (
	PartText       = "text"
	PartTool       = "tool"
	PartFile       = "file"
	PartStepStart  = "step-start"
	PartStepFinish = "step-finish"
	PartRetry      = "retry"
	PartPatch      = "patch"
)

// Tool part states.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// Part is the unit of streamed content inside a message. Part IDs are
// strictly increasing within a message and preserve arrival order. The Type
// field selects which variant fields are meaningful.
type Part struct {
	ID        string `json:"id"`
	MessageID string `json:"messageID"`
	SessionID string `json:"sessionID"`
	Type      string `json:"type"`

	// Text variant. Text is append-only until Time.End is set. Synthetic
	// parts are injected (compaction resume context) and excluded from some
	// filters.
	Text      string   `json:"text,omitempty"`
	Synthetic bool     `json:"synthetic,omitempty"`
	Time      PartTime `json:"time"`

	// Tool variant.
	Tool   string     `json:"tool,omitempty"`
	CallID string     `json:"callID,omitempty"`
	State  *ToolState `json:"state,omitempty"`

	// File variant.
	Mime string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`

	// Step-start / step-finish variant.
	Snapshot string      `json:"snapshot,omitempty"`
	Tokens   *TokenUsage `json:"tokens,omitempty"`
	Cost     float64     `json:"cost,omitempty"`

	// Retry variant.
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`

	// Patch variant.
	Files []string `json:"files,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// PartTime brackets a streamed part, unix milliseconds.
type PartTime struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// ToolState is the state machine payload of a tool part. A completed state is
// final except for the Compacted timestamp set by pruning.
type ToolState struct {
	Status string         `json:"status"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	Title  string         `json:"title,omitempty"`
	Error  string         `json:"error,omitempty"`
	Time   PartTime       `json:"time"`

	// Compacted is the unix-ms instant pruning excluded this output from
	// provider assemblies. Zero means the output is still live.
	Compacted int64 `json:"compacted,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}
