package headless

import (
	"encoding/json"
	"io"
	"time"

	"github.com/agentdesk/agentdesk/pkg/types"
)

// OutputFormat defines the output format for headless mode.
type OutputFormat string

const (
	// OutputText is human-readable streaming text output.
	OutputText OutputFormat = "text"
	// OutputJSON prints a single result summary at the end.
	OutputJSON OutputFormat = "json"
	// OutputJSONL streams one JSON event per line.
	OutputJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat validates a --format value.
func ParseOutputFormat(s string) (OutputFormat, bool) {
	switch f := OutputFormat(s); f {
	case OutputText, OutputJSON, OutputJSONL:
		return f, true
	case "":
		return OutputText, true
	}
	return "", false
}

// ExitCode defines exit codes for headless mode.
type ExitCode int

const (
	// ExitSuccess indicates the turn completed.
	ExitSuccess ExitCode = 0
	// ExitError indicates an engine failure, an abort or any other error.
	ExitError ExitCode = 1
	// ExitTimeout indicates the run exceeded --timeout.
	ExitTimeout ExitCode = 2
	// ExitInvalidInput indicates a bad prompt or flags.
	ExitInvalidInput ExitCode = 5
	// ExitSessionNotFound indicates --session named an unknown session.
	ExitSessionNotFound ExitCode = 6
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusAborted = "aborted"
)

// Config holds configuration for one headless turn.
type Config struct {
	// Prompt is the instruction to execute.
	Prompt string
	// WorkDir is the session directory for new sessions.
	WorkDir string
	// SessionID resumes an existing session instead of creating one.
	SessionID string
	// Title is an optional title for a new session.
	Title string
	// Mode and AllowedTools configure a new session; empty values use the
	// service defaults.
	Mode         types.PermissionMode
	AllowedTools []string
	// AutoApprove answers every approval request with allow.
	AutoApprove bool
	// OutputFormat specifies the output format.
	OutputFormat OutputFormat
	// Timeout bounds the whole turn; zero disables it.
	Timeout time.Duration
	// Input supplies y/n/a answers to approval requests. Nil means
	// requests are left to time out unless AutoApprove is set.
	Input io.Reader
	// Prompts receives the approval questions. Defaults to stderr.
	Prompts io.Writer
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OutputFormat: OutputText,
		Timeout:      30 * time.Minute,
	}
}

// ToolCall is one tool invocation seen during the turn.
type ToolCall struct {
	ID      string          `json:"id"`
	Tool    string          `json:"tool"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Decided string          `json:"decision,omitempty"`
}

// Result holds the final result of a headless turn.
type Result struct {
	SessionID    string     `json:"session_id"`
	Status       string     `json:"status"`
	ResumeToken  string     `json:"resume_token,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Approvals    int        `json:"approvals"`
	FinalMessage string     `json:"final_message,omitempty"`
	Error        string     `json:"error,omitempty"`
	ExitCode     ExitCode   `json:"exit_code"`
}

// Event is one JSONL output line.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType string, data any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
