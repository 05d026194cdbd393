package permission

import (
	"encoding/json"
	"time"
)

// Behavior is the outcome of a permission decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Deny reasons produced by the gate and the broker.
const (
	ReasonRestricted = "not allowed by restriction"
	ReasonTimedOut   = "timed out"
	ReasonAborted    = "session aborted"
	ReasonRejected   = "rejected by user"
)

// Decision is the answer handed back to the engine for one tool call.
//
// A non-nil Result marks the pre-executed variant: the tool already ran
// out-of-band and Result is its output, so the engine must not run it again.
type Decision struct {
	Behavior     Behavior        `json:"behavior"`
	Message      string          `json:"message,omitempty"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Allow permits the tool call with its original input.
func Allow() Decision {
	return Decision{Behavior: BehaviorAllow}
}

// AllowWithInput permits the tool call with a modified input.
func AllowWithInput(input json.RawMessage) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
}

// AllowPreExecuted reports that the tool call was already executed and
// produced result.
func AllowPreExecuted(result json.RawMessage) Decision {
	if result == nil {
		result = json.RawMessage("null")
	}
	return Decision{Behavior: BehaviorAllow, Result: result}
}

// Deny rejects the tool call.
func Deny(reason string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: reason}
}

// Allowed reports whether the decision permits the call.
func (d Decision) Allowed() bool {
	return d.Behavior == BehaviorAllow
}

// PreExecuted reports whether the decision carries an out-of-band result.
func (d Decision) PreExecuted() bool {
	return d.Behavior == BehaviorAllow && d.Result != nil
}

// Request is one outstanding tool-approval request.
type Request struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	ToolName  string          `json:"toolName"`
	ToolUseID string          `json:"toolUseID,omitempty"`
	Input     json.RawMessage `json:"input"`
	Title     string          `json:"title,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Call is a tool invocation as seen by the broker.
type Call struct {
	ToolName  string
	ToolUseID string
	Input     json.RawMessage
}

// DeniedError wraps a deny decision for engines that surface denials as errors.
type DeniedError struct {
	SessionID string
	ToolName  string
	Message   string
}

func (e *DeniedError) Error() string {
	return e.ToolName + ": " + e.Message
}

// IsDeniedError checks if an error is a permission denial.
func IsDeniedError(err error) bool {
	_, ok := err.(*DeniedError)
	return ok
}
