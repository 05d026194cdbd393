// Package engine defines the contract between a session run and the agent
// engine that produces its event stream.
package engine

import (
	"context"
	"encoding/json"

	"github.com/agentdesk/agentdesk/internal/permission"
)

// Engine starts agent turns.
type Engine interface {
	// Query starts a turn. The stream ends when ctx is cancelled, the engine
	// emits a result, or the engine fails.
	Query(ctx context.Context, req Request) (Stream, error)
}

// Stream yields engine events in order. Recv returns io.EOF once the
// stream is exhausted.
type Stream interface {
	Recv() (Message, error)
	Close() error
}

// ToolCallback is consulted before every tool call and may block until a
// human answers. It must return promptly once ctx is done.
type ToolCallback func(ctx context.Context, call ToolCall) (permission.Decision, error)

// Request describes one turn.
type Request struct {
	Prompt      string
	WorkDir     string
	ResumeToken string
	CanUseTool  ToolCallback
}

// ToolCall is a tool invocation the engine wants to perform.
type ToolCall struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Message is one engine event. Raw is forwarded to observers untouched;
// the typed fields are read from it for routing.
type Message struct {
	Raw json.RawMessage

	Type      string
	Subtype   string
	SessionID string
	IsError   bool
	Result    string
}

type header struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    any    `json:"result"`
}

// ParseMessage decodes the routing fields of a raw engine event.
func ParseMessage(raw []byte) (Message, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Message{}, err
	}
	m := Message{
		Raw:       append(json.RawMessage(nil), raw...),
		Type:      h.Type,
		Subtype:   h.Subtype,
		SessionID: h.SessionID,
		IsError:   h.IsError,
	}
	switch r := h.Result.(type) {
	case string:
		m.Result = r
	case nil:
	default:
		b, _ := json.Marshal(r)
		m.Result = string(b)
	}
	return m, nil
}

// NewMessage builds a message from a value, for engines that synthesize
// events.
func NewMessage(v any) (Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return ParseMessage(raw)
}

// IsInit reports whether m is the engine's init event.
func (m Message) IsInit() bool {
	return m.Type == "system" && m.Subtype == "init"
}

// IsResult reports whether m is a terminal result event.
func (m Message) IsResult() bool {
	return m.Type == "result"
}

// Failed reports whether a result event describes a failed turn.
func (m Message) Failed() bool {
	return m.IsError || (m.Subtype != "" && m.Subtype != "success")
}
