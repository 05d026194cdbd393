package headless

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/permission"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// Printer renders the events of one session in the configured format and
// collects the turn summary.
type Printer struct {
	mu          sync.Mutex
	writer      io.Writer
	format      OutputFormat
	unsubscribe func()
	sessionID   string
	startTime   time.Time
	result      *Result
	toolCalls   []ToolCall
	byUseID     map[string]int
	byRequest   map[string]string
}

// NewPrinter creates a new event printer.
func NewPrinter(writer io.Writer, format OutputFormat) *Printer {
	return &Printer{
		writer:    writer,
		format:    format,
		startTime: time.Now(),
		result: &Result{
			Status:   "running",
			ExitCode: ExitSuccess,
		},
		byUseID:   make(map[string]int),
		byRequest: make(map[string]string),
	}
}

// Subscribe starts printing bus events that belong to sessionID.
func (p *Printer) Subscribe(bus *event.Bus, sessionID string) {
	p.mu.Lock()
	p.sessionID = sessionID
	p.result.SessionID = sessionID
	p.mu.Unlock()

	p.unsubscribe = bus.SubscribeAll(func(e event.Event) {
		if e.SessionID() != sessionID {
			return
		}
		p.handleEvent(e)
	})

	if p.format == OutputText {
		fmt.Fprintf(p.writer, "[session:%s] Starting...\n", truncateID(sessionID))
	}
}

// Unsubscribe stops listening to events.
func (p *Printer) Unsubscribe() {
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
}

// SetResult records the outcome of the turn.
func (p *Printer) SetResult(status string, exitCode ExitCode, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.Status = status
	p.result.ExitCode = exitCode
	if err != nil {
		p.result.Error = err.Error()
	}
}

// SetResumeToken records the engine's resume token.
func (p *Printer) SetResumeToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.ResumeToken = token
}

// GetResult returns the current result.
func (p *Printer) GetResult() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
	p.result.ToolCalls = append([]ToolCall(nil), p.toolCalls...)
	r := *p.result
	return &r
}

// PrintFinalResult prints the summary (json format) or the closing line
// (text format).
func (p *Printer) PrintFinalResult() {
	result := p.GetResult()

	switch p.format {
	case OutputJSON:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return
		}
		fmt.Fprintln(p.writer, string(data))
	case OutputJSONL:
		p.writeJSONL(NewEvent("result", result))
	case OutputText:
		switch result.Status {
		case StatusSuccess:
			fmt.Fprintf(p.writer, "\n[done] Session completed in %s\n", formatDuration(time.Duration(result.DurationMS)*time.Millisecond))
		case StatusTimeout:
			fmt.Fprintf(p.writer, "\n[timeout] %s\n", result.Error)
		case StatusAborted:
			fmt.Fprintln(p.writer, "\n[aborted]")
		}
	}
}

func (p *Printer) handleEvent(e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.trackEvent(e)

	switch p.format {
	case OutputText:
		p.handleTextEvent(e)
	case OutputJSONL:
		p.writeJSONL(NewEvent(string(e.Type), e.Data))
	}
}

func (p *Printer) writeJSONL(evt *Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

// handleTextEvent outputs events in human-readable text format.
func (p *Printer) handleTextEvent(e event.Event) {
	switch data := e.Data.(type) {
	case event.MessageData:
		msg := parseStreamMessage(data.Message)
		for _, b := range msg.blocks() {
			switch b.Type {
			case "text":
				if strings.TrimSpace(b.Text) != "" {
					fmt.Fprintln(p.writer, b.Text)
				}
			case "tool_use":
				fmt.Fprintf(p.writer, "[tool:%s] %s\n", b.Name, formatToolInfo(b.Name, b.Input))
			case "tool_result":
				if b.IsError {
					fmt.Fprintf(p.writer, "[tool] Error: %s\n", truncateOutput(b.text(), 200))
				}
			}
		}

	case event.PermissionResolvedData:
		if data.Behavior == string(permission.BehaviorDeny) {
			fmt.Fprintf(p.writer, "[permission] denied: %s\n", data.Message)
		}

	case event.StatusData:
		if data.Status == types.StatusError && data.Error != "" {
			fmt.Fprintf(p.writer, "[error] %s\n", data.Error)
		}
	}
}

// trackEvent folds events into the result summary.
func (p *Printer) trackEvent(e event.Event) {
	switch data := e.Data.(type) {
	case event.MessageData:
		msg := parseStreamMessage(data.Message)
		if msg.Type == "result" && msg.Result != "" {
			p.result.FinalMessage = msg.Result
		}
		for _, b := range msg.blocks() {
			switch b.Type {
			case "tool_use":
				p.byUseID[b.ID] = len(p.toolCalls)
				p.toolCalls = append(p.toolCalls, ToolCall{ID: b.ID, Tool: b.Name, Input: b.Input})
			case "tool_result":
				i, ok := p.byUseID[b.ToolUseID]
				if !ok {
					continue
				}
				if b.IsError {
					p.toolCalls[i].Error = truncateOutput(b.text(), 500)
				} else {
					p.toolCalls[i].Output = truncateOutput(b.text(), 500)
				}
			}
		}

	case event.PermissionRequestData:
		p.result.Approvals++
		p.byRequest[data.RequestID] = data.ToolUseID

	case event.PermissionResolvedData:
		if i, ok := p.byUseID[p.byRequest[data.RequestID]]; ok {
			p.toolCalls[i].Decided = data.Behavior
		}
		delete(p.byRequest, data.RequestID)
	}
}

// streamMessage is the subset of an engine event the printer reads.
type streamMessage struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

func parseStreamMessage(raw json.RawMessage) streamMessage {
	var m streamMessage
	_ = json.Unmarshal(raw, &m)
	return m
}

// blocks returns the content blocks of an assistant or user message. A
// plain string content yields nothing.
func (m streamMessage) blocks() []contentBlock {
	if m.Type != "assistant" && m.Type != "user" {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Message.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// text flattens a tool_result content, which is a string or a list of
// text blocks.
func (b contentBlock) text() string {
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var parts []contentBlock
	if err := json.Unmarshal(b.Content, &parts); err == nil {
		var sb strings.Builder
		for _, part := range parts {
			sb.WriteString(part.Text)
		}
		return sb.String()
	}
	return string(b.Content)
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatToolInfo(tool string, raw json.RawMessage) string {
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return ""
	}

	switch tool {
	case "Read":
		if path, ok := input["file_path"].(string); ok {
			return "Reading " + path
		}
	case "Write":
		if path, ok := input["file_path"].(string); ok {
			return "Writing " + path
		}
	case "Edit", "MultiEdit":
		if path, ok := input["file_path"].(string); ok {
			return "Editing " + path
		}
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			cmd = strings.Split(cmd, "\n")[0]
			return "$ " + truncateOutput(cmd, 60)
		}
	case "Glob":
		if pattern, ok := input["pattern"].(string); ok {
			return "Searching: " + pattern
		}
	case "Grep":
		if pattern, ok := input["pattern"].(string); ok {
			return "Grepping: " + pattern
		}
	case "WebFetch":
		if url, ok := input["url"].(string); ok {
			return "Fetching: " + url
		}
	}
	return ""
}
