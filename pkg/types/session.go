// Package types provides the core data types shared by the agentdesk packages.
package types

import (
	"fmt"
	"strings"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// Terminal reports whether no run is in flight for the status.
func (s SessionStatus) Terminal() bool {
	return s != StatusRunning
}

// CanTransition reports whether a session may move from s to next.
//
// running is re-entered on every resumed turn. An aborted run goes back to
// idle rather than through completed.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case "", StatusIdle, StatusCompleted, StatusError:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusCompleted || next == StatusError || next == StatusIdle
	}
	return false
}

// PermissionMode governs whether tool calls are auto-approved.
type PermissionMode string

const (
	// ModeFree auto-approves every tool that passes the allow-list.
	ModeFree PermissionMode = "free"
	// ModeSecure asks a human for every tool that passes the allow-list.
	ModeSecure PermissionMode = "secure"
)

// ParsePermissionMode parses a mode name (case-insensitive).
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch PermissionMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFree:
		return ModeFree, nil
	case ModeSecure, "":
		return ModeSecure, nil
	}
	return "", fmt.Errorf("unknown permission mode %q", s)
}

// Session represents one logical, potentially multi-turn agent conversation.
type Session struct {
	ID           string         `json:"id"`
	Directory    string         `json:"directory"`
	Title        string         `json:"title"`
	Mode         PermissionMode `json:"mode"`
	AllowedTools []string       `json:"allowedTools,omitempty"`
	Status       SessionStatus  `json:"status"`
	ResumeToken  string         `json:"resumeToken,omitempty"`
	Error        string         `json:"error,omitempty"`
	Time         SessionTime    `json:"time"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// SessionUpdate is a change to a session produced by a run. Nil fields are
// left untouched by the consumer.
type SessionUpdate struct {
	SessionID   string         `json:"sessionID"`
	Seq         uint64         `json:"seq"`
	Status      *SessionStatus `json:"status,omitempty"`
	ResumeToken *string        `json:"resumeToken,omitempty"`
	Error       *string        `json:"error,omitempty"`
}

// Apply merges the update into the session.
func (u SessionUpdate) Apply(s *Session) {
	if u.Status != nil {
		s.Status = *u.Status
		if *u.Status != StatusError {
			s.Error = ""
		}
	}
	if u.ResumeToken != nil {
		s.ResumeToken = *u.ResumeToken
	}
	if u.Error != nil {
		s.Error = *u.Error
	}
}
