package protocol

import (
	"encoding/json"
	"fmt"
)

// Permission response types accepted on the wire. A response is either a bare
// string literal ("once", "always", "reject") or an object carrying extra
// fields ({type:"reject",message}, {type:"once",answers|agent|message},
// {type:"pin",pin}).
const (
	ResponseOnce    = "once"
	ResponseAlways  = "always"
	ResponseReject  = "reject"
	ResponseApprove = "approve" // accepted alias for "once"
	ResponsePin     = "pin"
)

// PermissionResponse is the decoded form of either wire shape.
type PermissionResponse struct {
	Type    string            `json:"type"`
	Message string            `json:"message,omitempty"`
	Answers map[string]string `json:"answers,omitempty"`
	Agent   string            `json:"agent,omitempty"`
	Pin     string            `json:"pin,omitempty"`
}

// UnmarshalJSON accepts both the string literal and the object shape.
func (r *PermissionResponse) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = PermissionResponse{Type: s}
		return r.validate()
	}

	type alias PermissionResponse
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode permission response: %w", err)
	}
	*r = PermissionResponse(obj)
	return r.validate()
}

func (r *PermissionResponse) validate() error {
	switch r.Type {
	case ResponseOnce, ResponseAlways, ResponseReject, ResponsePin:
		return nil
	case ResponseApprove:
		r.Type = ResponseOnce
		return nil
	default:
		return fmt.Errorf("unknown permission response type %q", r.Type)
	}
}
