package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry tracks the live run of every session. At most one live run
// exists per session.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

// Register records run as the live run of sessionID. A finished run is
// replaced; registering over a live run panics.
func (r *Registry) Register(sessionID string, run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.runs[sessionID]; ok && !cur.finished() {
		panic(fmt.Sprintf("session: run already registered for %s", sessionID))
	}
	r.runs[sessionID] = run
}

// Get returns the live run of sessionID.
func (r *Registry) Get(sessionID string) (*Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[sessionID]
	if !ok || run.finished() {
		return nil, false
	}
	return run, true
}

// Abort aborts the live run of sessionID, if any.
func (r *Registry) Abort(sessionID string) bool {
	run, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	run.Abort()
	return true
}

// Remove deletes the entry for sessionID if it still points at run.
func (r *Registry) Remove(sessionID string, run *Run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runs[sessionID] != run {
		return false
	}
	delete(r.runs, sessionID)
	return true
}

// List returns the ids of sessions with a live run, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.runs))
	for id, run := range r.runs {
		if !run.finished() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) snapshot() []*Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	return runs
}

// AbortAll aborts every live run and returns how many were aborted.
func (r *Registry) AbortAll() int {
	n := 0
	for _, run := range r.snapshot() {
		if !run.finished() {
			run.Abort()
			n++
		}
	}
	return n
}

// Wait blocks until every registered run is done or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	for _, run := range r.snapshot() {
		if err := run.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
