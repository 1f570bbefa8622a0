// Package registry provides the concurrency-safe session registry
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meshforge/meshforge/pkg/cancellation"
	"github.com/meshforge/meshforge/pkg/logger"
	"github.com/meshforge/meshforge/pkg/types"
)

var (
	// ErrAlreadyRunning is returned when a session id already has a live worker
	ErrAlreadyRunning = errors.New("session already running")
	// ErrSessionNotFound is returned for ids that were never registered
	ErrSessionNotFound = errors.New("session not found")
)

type entry struct {
	state *types.SessionState
	token *cancellation.Token
	live  bool
}

// Registry is a mutex-guarded store of per-session state. Readers
// always receive deep snapshots so they never observe a state
// mid-mutation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	logger   logger.Logger
}

// New creates an empty registry
func New(log logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		logger:   log,
	}
}

// Register creates state for a new session. It fails with
// ErrAlreadyRunning if the id still has a live worker. A terminal
// entry under the same id is replaced, matching resubmission after
// failure or cancellation.
func (r *Registry) Register(sessionID, workspaceDir string) (*cancellation.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[sessionID]; ok && e.live {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}

	token := cancellation.NewToken()
	r.sessions[sessionID] = &entry{
		state: &types.SessionState{
			SessionID:       sessionID,
			Stage:           types.StageInitialization,
			Status:          types.StatusPending,
			ProgressPercent: 0,
			Message:         "Initializing reconstruction session",
			StartTime:       time.Now(),
			WorkspaceDir:    workspaceDir,
			StageHistory:    []types.Stage{types.StageInitialization},
		},
		token: token,
		live:  true,
	}

	return token, nil
}

// Get returns a snapshot of the session state
func (r *Registry) Get(sessionID string) (*types.SessionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return e.state.Snapshot(), nil
}

// List returns snapshots of all registered sessions
func (r *Registry) List() []*types.SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.SessionState, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.state.Snapshot())
	}
	return out
}

// Update applies a mutation atomically. Only the session's worker
// should call this while the session is Running.
func (r *Registry) Update(sessionID string, mutate func(*types.SessionState)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	mutate(e.state)

	// Terminal transitions release the worker and stamp the end time
	// exactly once.
	if e.state.Status.IsTerminal() {
		if e.state.EndTime == nil {
			now := time.Now()
			e.state.EndTime = &now
		}
		e.live = false
	}
	return nil
}

// SetProgress records a stage transition with its checkpoint percent
// and message. Stage history records each newly entered stage.
func (r *Registry) SetProgress(sessionID string, stage types.Stage, status types.Status, percent float64, message string) error {
	return r.Update(sessionID, func(s *types.SessionState) {
		if s.Stage != stage {
			s.StageHistory = append(s.StageHistory, stage)
		}
		s.Stage = stage
		s.Status = status
		s.ProgressPercent = percent
		s.Message = message
	})
}

// Token returns the session's cancellation token
func (r *Registry) Token(sessionID string) (*cancellation.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return e.token, nil
}

// Cancel signals the session's cancellation token. Returns false for
// unknown sessions.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	e.token.Cancel()
	if r.logger != nil {
		r.logger.Info("Cancellation requested", logger.WithField("session", sessionID))
	}
	return true
}

// IsLive reports whether the session has a live worker
func (r *Registry) IsLive(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionID]
	return ok && e.live
}

// Remove deletes the session entry. It returns false if a worker is
// still live and force is not set. With force, cancellation is
// requested first.
func (r *Registry) Remove(sessionID string, force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if e.live {
		if !force {
			return false
		}
		e.token.Cancel()
	}
	delete(r.sessions, sessionID)
	return true
}
