package event

import (
	"encoding/json"

	"github.com/agentdesk/agentdesk/pkg/types"
)

// MessageData is the data for stream.message events. Message is the
// engine event, passed through unmodified.
type MessageData struct {
	SessionID string          `json:"sessionID"`
	Message   json.RawMessage `json:"message"`
}

func (d MessageData) EventSessionID() string { return d.SessionID }

// PermissionRequestData is the data for permission.request events.
type PermissionRequestData struct {
	SessionID string          `json:"sessionID"`
	RequestID string          `json:"requestID"`
	ToolName  string          `json:"toolName"`
	ToolUseID string          `json:"toolUseID,omitempty"`
	Input     json.RawMessage `json:"input"`
	Title     string          `json:"title,omitempty"`
}

func (d PermissionRequestData) EventSessionID() string { return d.SessionID }

// PermissionResolvedData is the data for permission.resolved events.
type PermissionResolvedData struct {
	SessionID string `json:"sessionID"`
	RequestID string `json:"requestID"`
	Behavior  string `json:"behavior"`
	Message   string `json:"message,omitempty"`
}

func (d PermissionResolvedData) EventSessionID() string { return d.SessionID }

// StatusData is the data for status events.
type StatusData struct {
	SessionID string              `json:"sessionID"`
	Status    types.SessionStatus `json:"status"`
	Error     string              `json:"error,omitempty"`
}

func (d StatusData) EventSessionID() string { return d.SessionID }

// SessionData is the data for session.created and session.deleted events.
type SessionData struct {
	Info *types.Session `json:"info"`
}

func (d SessionData) EventSessionID() string {
	if d.Info == nil {
		return ""
	}
	return d.Info.ID
}
