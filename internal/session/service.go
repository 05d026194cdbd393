package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agentdesk/agentdesk/internal/engine"
	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/permission"
	"github.com/agentdesk/agentdesk/pkg/types"
)

var (
	// ErrSessionBusy is returned when a session already has a live run.
	ErrSessionBusy = errors.New("session is running")
	// ErrNotRunning is returned when a session has no live run.
	ErrNotRunning = errors.New("session is not running")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)

// Config holds the defaults applied to new sessions.
type Config struct {
	Mode              types.PermissionMode
	AllowedTools      []string
	PermissionTimeout time.Duration
	// SkipRecovery leaves sessions persisted as running untouched. Set it
	// when another process may still own those runs.
	SkipRecovery bool
}

// CreateInput describes a new session.
type CreateInput struct {
	Directory    string               `json:"directory"`
	Title        string               `json:"title,omitempty"`
	Mode         types.PermissionMode `json:"mode,omitempty"`
	AllowedTools []string             `json:"allowedTools,omitempty"`
}

// UpdateInput changes session settings between turns. Nil fields are kept.
type UpdateInput struct {
	Title        *string               `json:"title,omitempty"`
	Mode         *types.PermissionMode `json:"mode,omitempty"`
	AllowedTools *[]string             `json:"allowedTools,omitempty"`
}

// Service manages sessions and their runs.
type Service struct {
	store    *Store
	bus      *event.Bus
	updates  *event.Updates
	runner   *Runner
	registry *Registry
	cfg      Config
	log      zerolog.Logger

	// Runs outlive the request that started them; they hang off this
	// context instead.
	ctx      context.Context
	cancel   context.CancelFunc
	consumer context.CancelFunc
	consumed <-chan struct{}

	// Serializes the live-run check with registration and deletion.
	mu sync.Mutex
}

// NewService wires a service. Session updates produced by runs are
// published on updates and persisted by store.
func NewService(store *Store, bus *event.Bus, updates *event.Updates, eng engine.Engine, cfg Config) (*Service, error) {
	if cfg.Mode == "" {
		cfg.Mode = types.ModeSecure
	}
	s := &Service{
		store:    store,
		bus:      bus,
		updates:  updates,
		registry: NewRegistry(),
		cfg:      cfg,
		log:      logging.For("session"),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if !cfg.SkipRecovery {
		if _, err := store.RecoverStale(s.ctx); err != nil {
			s.cancel()
			return nil, err
		}
	}

	consumeCtx, stop := context.WithCancel(context.Background())
	consumed, err := store.Consume(consumeCtx, updates)
	if err != nil {
		stop()
		s.cancel()
		return nil, err
	}
	s.consumer, s.consumed = stop, consumed

	s.runner = NewRunner(eng, bus.PublishSync, s.publishUpdate, WithPermissionTimeout(cfg.PermissionTimeout))
	return s, nil
}

func (s *Service) publishUpdate(u types.SessionUpdate) {
	if err := s.updates.Publish(u); err != nil {
		s.log.Error().Err(err).Str("sessionID", u.SessionID).Msg("Failed to publish session update")
	}
}

// Registry returns the live-run registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Create creates a new idle session.
func (s *Service) Create(ctx context.Context, in CreateInput) (*types.Session, error) {
	if strings.TrimSpace(in.Directory) == "" {
		return nil, fmt.Errorf("%w: directory is required", ErrInvalidInput)
	}

	mode := s.cfg.Mode
	if in.Mode != "" {
		m, err := types.ParsePermissionMode(string(in.Mode))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		mode = m
	}

	allowed := in.AllowedTools
	if allowed == nil {
		allowed = s.cfg.AllowedTools
	}

	title := in.Title
	if title == "" {
		title = "New Session"
	}

	now := time.Now().UnixMilli()
	sess := &types.Session{
		ID:           generateID(),
		Directory:    in.Directory,
		Title:        title,
		Mode:         mode,
		AllowedTools: allowed,
		Status:       types.StatusIdle,
		Time:         types.SessionTime{Created: now, Updated: now},
	}
	if err := s.store.Put(ctx, sess); err != nil {
		return nil, err
	}

	s.log.Info().Str("sessionID", sess.ID).Str("mode", string(mode)).Msg("Session created")
	s.bus.PublishSync(event.Event{Type: event.SessionCreated, Data: event.SessionData{Info: sess}})
	return sess, nil
}

// Get returns a session.
func (s *Service) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	return s.store.Get(ctx, sessionID)
}

// List lists sessions. An empty directory lists all of them.
func (s *Service) List(ctx context.Context, directory string) ([]*types.Session, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if directory == "" {
		return sessions, nil
	}

	filtered := sessions[:0]
	for _, sess := range sessions {
		if sess.Directory == directory {
			filtered = append(filtered, sess)
		}
	}
	return filtered, nil
}

// Update changes the settings of a session that is not running.
func (s *Service) Update(ctx context.Context, sessionID string, in UpdateInput) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registry.Get(sessionID); ok {
		return nil, ErrSessionBusy
	}

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if in.Title != nil && *in.Title != "" {
		sess.Title = *in.Title
	}
	if in.Mode != nil {
		m, err := types.ParsePermissionMode(string(*in.Mode))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		sess.Mode = m
	}
	if in.AllowedTools != nil {
		sess.AllowedTools = *in.AllowedTools
	}
	sess.Time.Updated = time.Now().UnixMilli()

	if err := s.store.Put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes a session. Running sessions must be aborted first.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registry.Get(sessionID); ok {
		return ErrSessionBusy
	}

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return err
	}

	s.log.Info().Str("sessionID", sessionID).Msg("Session deleted")
	s.bus.PublishSync(event.Event{Type: event.SessionDeleted, Data: event.SessionData{Info: sess}})
	return nil
}

// Prompt starts a turn on a session, resuming the engine conversation when
// the session carries a resume token.
func (s *Service) Prompt(ctx context.Context, sessionID, prompt string) (*Run, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registry.Get(sessionID); ok {
		return nil, ErrSessionBusy
	}

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	run, err := s.runner.Start(s.ctx, *sess, prompt)
	if err != nil {
		return nil, err
	}
	s.registry.Register(sessionID, run)

	go func() {
		<-run.Done()
		s.registry.Remove(sessionID, run)
	}()
	return run, nil
}

// Respond delivers a human decision to a pending approval request. It
// reports false when the request is not pending.
func (s *Service) Respond(sessionID, requestID string, d permission.Decision) (bool, error) {
	run, ok := s.registry.Get(sessionID)
	if !ok {
		return false, ErrNotRunning
	}
	return run.Respond(requestID, d), nil
}

// Abort aborts the live run of a session. Unknown sessions are ignored.
func (s *Service) Abort(sessionID string) {
	s.registry.Abort(sessionID)
}

// Pending returns the outstanding approval requests of a session.
func (s *Service) Pending(sessionID string) []permission.Request {
	run, ok := s.registry.Get(sessionID)
	if !ok {
		return []permission.Request{}
	}
	return run.Pending()
}

// Run returns the live run of a session.
func (s *Service) Run(sessionID string) (*Run, bool) {
	return s.registry.Get(sessionID)
}

// Shutdown aborts every run, waits for them to settle and stops the
// update consumer.
func (s *Service) Shutdown(ctx context.Context) error {
	if n := s.registry.AbortAll(); n > 0 {
		s.log.Info().Int("runs", n).Msg("Aborted runs on shutdown")
	}
	err := s.registry.Wait(ctx)
	s.cancel()

	s.consumer()
	select {
	case <-s.consumed:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func generateID() string {
	return ulid.Make().String()
}
