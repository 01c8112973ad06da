// Package permission gates sensitive tool effects behind explicit user
// approval. Requests suspend until a matching respond arrives; approvals
// answered "always" persist into the config file and auto-resolve later
// requests covered by the same patterns. Child sessions read approvals
// through their parent and forward pending requests upward.
package permission

import (
	"errors"
	"fmt"
)

// Permission types.
const (
	TypeEdit              = "edit"
	TypeWrite             = "write"
	TypeBash              = "bash"
	TypeWebfetch          = "webfetch"
	TypeWebsearch         = "websearch"
	TypeNetwork           = "network"
	TypeExternalDirectory = "external_directory"
	TypeAskUser           = "ask-user"
	TypeExitPlanMode      = "exit-plan-mode"
	TypePin               = "pin"
)

// ErrInvalidPIN reports a failed PIN verification. It surfaces to the caller
// as a rejection with a fixed message.
var ErrInvalidPIN = errors.New("permission: invalid pin")

// Info is one permission request as published to subscribers. Permissions are
// ephemeral: they live in the broker's pending table, never in storage.
type Info struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Pattern   []string       `json:"pattern,omitempty"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID,omitempty"`
	CallID    string         `json:"callID,omitempty"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Time      InfoTime       `json:"time"`
}

type InfoTime struct {
	Created int64 `json:"created"`
}

// Request is the input to Ask.
type Request struct {
	Type      string
	Pattern   []string
	SessionID string
	MessageID string
	CallID    string
	Title     string
	Metadata  map[string]any
}

// RejectedError is the distinguished error a tool receives when its
// permission request is denied. The runner surfaces it as a tool error part
// and continues the turn.
type RejectedError struct {
	SessionID    string
	PermissionID string
	CallID       string
	Metadata     map[string]any
	Message      string
}

func (e *RejectedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "permission denied"
	}
	if e.Metadata != nil {
		if _, ok := e.Metadata["planID"]; ok {
			msg += "\nThe plan was not approved. Revise it and present it again."
		}
	}
	return msg
}

// IsRejected reports whether err is a permission rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// toKeys maps a request onto its approval keys: the type name when no
// pattern is given, otherwise each pattern string verbatim.
func toKeys(permType string, patterns []string) []string {
	if len(patterns) == 0 {
		return []string{permType}
	}
	return patterns
}

func validateType(permType string) error {
	switch permType {
	case TypeEdit, TypeWrite, TypeBash, TypeWebfetch, TypeWebsearch,
		TypeNetwork, TypeExternalDirectory, TypeAskUser, TypeExitPlanMode, TypePin:
		return nil
	}
	return fmt.Errorf("permission: unknown type %q", permType)
}
