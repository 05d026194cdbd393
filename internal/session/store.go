package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = storage.ErrNotFound

// Store persists session records under "session/<id>".
type Store struct {
	storage *storage.Storage
	log     zerolog.Logger
}

// NewStore creates a store on top of s.
func NewStore(s *storage.Storage) *Store {
	return &Store{storage: s, log: logging.For("store")}
}

func sessionKey(id string) []string {
	return []string{"session", id}
}

// Put writes sess.
func (s *Store) Put(ctx context.Context, sess *types.Session) error {
	if err := s.storage.Put(ctx, sessionKey(sess.ID), sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get reads a session.
func (s *Store) Get(ctx context.Context, id string) (*types.Session, error) {
	var sess types.Session
	if err := s.storage.Get(ctx, sessionKey(id), &sess); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return &sess, nil
}

// List returns all sessions, most recently updated first. Unreadable
// records are skipped.
func (s *Store) List(ctx context.Context) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.storage.Scan(ctx, []string{"session"}, func(key string, data json.RawMessage) error {
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.log.Warn().Err(err).Str("sessionID", key).Msg("Skipping unreadable session")
			return nil
		}
		sessions = append(sessions, &sess)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Time.Updated != sessions[j].Time.Updated {
			return sessions[i].Time.Updated > sessions[j].Time.Updated
		}
		return sessions[i].ID > sessions[j].ID
	})
	return sessions, nil
}

// Delete removes a session record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.storage.Delete(ctx, sessionKey(id)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Apply merges u into the stored session.
func (s *Store) Apply(ctx context.Context, u types.SessionUpdate) error {
	var sess types.Session
	err := s.storage.Update(ctx, sessionKey(u.SessionID), &sess, func() error {
		u.Apply(&sess)
		sess.Time.Updated = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted while the update was in flight.
			s.log.Debug().Str("sessionID", u.SessionID).Uint64("seq", u.Seq).Msg("Dropping update for missing session")
			return nil
		}
		return fmt.Errorf("failed to apply session update: %w", err)
	}
	return nil
}

// Consume applies every update published on updates until ctx ends.
func (s *Store) Consume(ctx context.Context, updates *event.Updates) (<-chan struct{}, error) {
	return updates.Consume(ctx, func(u types.SessionUpdate) error {
		return s.Apply(context.WithoutCancel(ctx), u)
	})
}

// RecoverStale moves sessions left running by a previous process to idle.
func (s *Store) RecoverStale(ctx context.Context) (int, error) {
	sessions, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	idle := types.StatusIdle
	for _, sess := range sessions {
		if sess.Status != types.StatusRunning {
			continue
		}
		if err := s.Apply(ctx, types.SessionUpdate{SessionID: sess.ID, Status: &idle}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.log.Info().Int("count", n).Msg("Recovered sessions left running")
	}
	return n, nil
}
