package headless

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/permission"
)

// RespondFunc delivers a decision for a pending request and reports
// whether the request was still pending.
type RespondFunc func(requestID string, d permission.Decision) bool

// Approver answers approval requests from a line-oriented input: "y"
// allows, "n" denies and "a" allows this and every later call of the same
// tool. With auto-approve every request is allowed without asking.
type Approver struct {
	auto     bool
	prompts  io.Writer
	lines    <-chan string
	allowAll map[string]bool
	requests chan event.PermissionRequestData
	log      zerolog.Logger
}

// NewApprover creates an approver. A nil input leaves requests pending
// until they time out unless auto is set.
func NewApprover(auto bool, input io.Reader, prompts io.Writer) *Approver {
	a := &Approver{
		auto:     auto,
		prompts:  prompts,
		allowAll: make(map[string]bool),
		requests: make(chan event.PermissionRequestData, 64),
		log:      logging.For("headless"),
	}
	if input != nil && !auto {
		a.lines = readLines(input)
	}
	return a
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// Watch queues the permission requests of sessionID. The returned
// function stops watching.
func (a *Approver) Watch(bus *event.Bus, sessionID string) func() {
	return bus.Subscribe(event.PermissionRequest, func(e event.Event) {
		data, ok := e.Data.(event.PermissionRequestData)
		if !ok || data.SessionID != sessionID {
			return
		}
		select {
		case a.requests <- data:
		default:
			a.log.Warn().Str("requestID", data.RequestID).Msg("Approval queue full, leaving request to time out")
		}
	})
}

// Serve answers queued requests one at a time until ctx is done.
func (a *Approver) Serve(ctx context.Context, respond RespondFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.requests:
			d, ok := a.answer(ctx, req)
			if !ok {
				continue
			}
			if !respond(req.RequestID, d) {
				a.log.Debug().Str("requestID", req.RequestID).Msg("Request no longer pending")
			}
		}
	}
}

// answer decides one request. It reports false when no decision could be
// obtained.
func (a *Approver) answer(ctx context.Context, req event.PermissionRequestData) (permission.Decision, bool) {
	if a.auto || a.allowAll[req.ToolName] {
		return permission.Allow(), true
	}
	if a.lines == nil {
		return permission.Decision{}, false
	}

	title := req.Title
	if title == "" {
		title = req.ToolName
	}
	for {
		fmt.Fprintf(a.prompts, "[permission] Allow %s? [y/n/a] ", title)
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.prompts)
			return permission.Decision{}, false
		case line, ok := <-a.lines:
			if !ok {
				fmt.Fprintln(a.prompts)
				return permission.Deny(permission.ReasonRejected), true
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return permission.Allow(), true
			case "a", "always":
				a.allowAll[req.ToolName] = true
				return permission.Allow(), true
			case "n", "no", "":
				return permission.Deny(permission.ReasonRejected), true
			}
		}
	}
}
