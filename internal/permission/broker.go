package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
)

// DefaultTimeout is how long a request waits for a human before it is
// denied automatically.
const DefaultTimeout = 5 * time.Minute

// Broker holds the pending approval requests of one run. Every request
// issued by a broker resolves exactly once: by a human response, by its
// timeout, or by abort.
type Broker struct {
	sessionID string
	workDir   string
	emit      event.Emitter
	timeout   time.Duration
	newID     func() string
	log       zerolog.Logger

	mu      sync.Mutex
	pending map[string]*entry
	closed  bool
}

type entry struct {
	req   Request
	ch    chan Decision
	timer *time.Timer
}

// Option configures a Broker.
type Option func(*Broker)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithIDGenerator replaces the ULID request-ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(b *Broker) { b.newID = fn }
}

// WithWorkDir sets the directory used to describe Bash requests.
func WithWorkDir(dir string) Option {
	return func(b *Broker) { b.workDir = dir }
}

// NewBroker creates a broker for sessionID. emit receives permission.request
// and permission.resolved events and may be nil.
func NewBroker(sessionID string, emit event.Emitter, opts ...Option) *Broker {
	if emit == nil {
		emit = func(event.Event) {}
	}
	b := &Broker{
		sessionID: sessionID,
		emit:      emit,
		timeout:   DefaultTimeout,
		newID:     func() string { return ulid.Make().String() },
		log:       logging.For("permission").With().Str("sessionID", sessionID).Logger(),
		pending:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ticket is a handle on one issued request.
type Ticket struct {
	ID string

	b  *Broker
	e  *entry
	ch <-chan Decision
}

// Wait blocks until the request resolves. If ctx is done first the request
// is resolved as aborted, unless a response won the race.
func (t *Ticket) Wait(ctx context.Context) Decision {
	select {
	case d := <-t.ch:
		return d
	case <-ctx.Done():
	}
	if t.e != nil {
		t.b.settle(t.ID, t.e, Deny(ReasonAborted))
	}
	return <-t.ch
}

// Request registers a pending request for call and announces it with a
// permission.request event. A closed broker returns a ticket that is
// already denied.
func (b *Broker) Request(call Call) *Ticket {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan Decision, 1)
		ch <- Deny(ReasonAborted)
		return &Ticket{b: b, ch: ch}
	}

	id := b.newID()
	if _, exists := b.pending[id]; exists {
		b.mu.Unlock()
		panic(fmt.Sprintf("permission: duplicate request id %q", id))
	}
	e := &entry{
		req: Request{
			ID:        id,
			SessionID: b.sessionID,
			ToolName:  call.ToolName,
			ToolUseID: call.ToolUseID,
			Input:     call.Input,
			Title:     Describe(call.ToolName, call.Input, b.workDir),
			CreatedAt: time.Now(),
		},
		ch: make(chan Decision, 1),
	}
	b.pending[id] = e
	b.mu.Unlock()

	b.log.Debug().Str("requestID", id).Str("tool", call.ToolName).Msg("Permission requested")
	b.emit(event.Event{
		Type: event.PermissionRequest,
		Data: event.PermissionRequestData{
			SessionID: b.sessionID,
			RequestID: id,
			ToolName:  call.ToolName,
			ToolUseID: call.ToolUseID,
			Input:     call.Input,
			Title:     e.req.Title,
		},
	})

	// Armed after the request event so a timeout can never be announced
	// before the request it resolves.
	b.mu.Lock()
	if b.pending[id] == e {
		e.timer = time.AfterFunc(b.timeout, func() {
			if b.settle(id, e, Deny(ReasonTimedOut)) {
				b.log.Info().Str("requestID", id).Msg("Permission timed out")
			}
		})
	}
	b.mu.Unlock()

	return &Ticket{ID: id, b: b, e: e, ch: e.ch}
}

// Ask issues a request and waits for it.
func (b *Broker) Ask(ctx context.Context, call Call) Decision {
	return b.Request(call).Wait(ctx)
}

// Resolve settles a pending request with a human decision. It reports
// false when the request is unknown or already resolved.
func (b *Broker) Resolve(requestID string, d Decision) bool {
	return b.settle(requestID, nil, d)
}

// settle removes the entry for id and delivers d. When want is non-nil the
// entry must be that exact one, so a stale timer cannot resolve a newer
// request that reused the id.
func (b *Broker) settle(id string, want *entry, d Decision) bool {
	b.mu.Lock()
	e, ok := b.pending[id]
	if !ok || (want != nil && e != want) {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, id)
	timer := e.timer
	b.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	b.deliver(e, d)
	return true
}

// deliver announces the resolution before handing d to the waiter, so the
// event precedes anything the engine does with the decision.
func (b *Broker) deliver(e *entry, d Decision) {
	b.emit(event.Event{
		Type: event.PermissionResolved,
		Data: event.PermissionResolvedData{
			SessionID: b.sessionID,
			RequestID: e.req.ID,
			Behavior:  string(d.Behavior),
			Message:   d.Message,
		},
	})
	e.ch <- d
}

// AbortAll denies every pending request and closes the broker. Requests
// issued afterwards are denied immediately.
func (b *Broker) AbortAll() int {
	b.mu.Lock()
	b.closed = true
	entries := make([]*entry, 0, len(b.pending))
	for id, e := range b.pending {
		entries = append(entries, e)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].req.CreatedAt.Before(entries[j].req.CreatedAt)
	})
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		b.deliver(e, Deny(ReasonAborted))
	}
	if len(entries) > 0 {
		b.log.Info().Int("count", len(entries)).Msg("Pending permissions aborted")
	}
	return len(entries)
}

// Pending returns a snapshot of outstanding requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	reqs := make([]Request, 0, len(b.pending))
	for _, e := range b.pending {
		reqs = append(reqs, e.req)
	}
	b.mu.Unlock()

	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
	return reqs
}

// Len returns the number of outstanding requests.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Closed reports whether AbortAll has been called.
func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
