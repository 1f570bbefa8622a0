// Package pipeline drives reconstruction sessions through their stages
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/meshforge/meshforge/pkg/engine"
	"github.com/meshforge/meshforge/pkg/interfaces"
	"github.com/meshforge/meshforge/pkg/logger"
	"github.com/meshforge/meshforge/pkg/registry"
	"github.com/meshforge/meshforge/pkg/types"
	"github.com/meshforge/meshforge/pkg/utils"
	"github.com/meshforge/meshforge/pkg/validation"
)

// Request submits one reconstruction session
type Request struct {
	// SessionID is the caller-supplied id; one is generated when empty
	SessionID  string
	ImagePaths []string
	Options    types.PipelineOptions
}

// Manager owns the session registry and runs one worker per session.
// Workers share no mutable state except the registry and the
// per-session cancellation tokens.
type Manager struct {
	registry  *registry.Registry
	runner    engine.Runner
	commands  *engine.CommandSet
	converter interfaces.GeometryConverter
	archiver  interfaces.ArchiveBuilder
	notifier  interfaces.SessionNotifier
	logger    logger.Logger

	outputRoot string
	timeouts   types.StageTimeouts
	group      *SafeGroup
}

// Options configures a pipeline manager
type Options struct {
	OutputRoot string
	Timeouts   types.StageTimeouts
	Runner     engine.Runner
	Commands   *engine.CommandSet
	Converter  interfaces.GeometryConverter
	Archiver   interfaces.ArchiveBuilder
	Notifier   interfaces.SessionNotifier
	Logger     logger.Logger
}

// NewManager creates a pipeline manager
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("pipeline manager requires a runner")
	}
	if opts.Commands == nil {
		return nil, fmt.Errorf("pipeline manager requires a command set")
	}
	if err := utils.EnsureDirectory(opts.OutputRoot); err != nil {
		return nil, fmt.Errorf("failed to create output root: %w", err)
	}

	if opts.Timeouts == (types.StageTimeouts{}) {
		opts.Timeouts = types.DefaultStageTimeouts()
	}

	group, _ := NewSafeGroup(ctx, opts.Logger)

	return &Manager{
		registry:   registry.New(opts.Logger),
		runner:     opts.Runner,
		commands:   opts.Commands,
		converter:  opts.Converter,
		archiver:   opts.Archiver,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
		outputRoot: opts.OutputRoot,
		timeouts:   opts.Timeouts,
		group:      group,
	}, nil
}

// Registry exposes the session registry for status readers
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Submit validates and registers a session, then starts its worker in
// the background. It returns the session id immediately.
func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	sessionID, err := m.register(req)
	if err != nil {
		return "", err
	}

	m.group.Go(func() error {
		m.runSession(ctx, sessionID, req.ImagePaths, req.Options)
		return nil
	})

	return sessionID, nil
}

// SubmitAndWait runs a session synchronously and returns its terminal
// state.
func (m *Manager) SubmitAndWait(ctx context.Context, req Request) (*types.SessionState, error) {
	sessionID, err := m.register(req)
	if err != nil {
		return nil, err
	}

	m.runSession(ctx, sessionID, req.ImagePaths, req.Options)
	return m.registry.Get(sessionID)
}

func (m *Manager) register(req Request) (string, error) {
	if err := validation.ValidateImageSet(req.ImagePaths); err != nil {
		return "", err
	}
	if err := req.Options.Validate(); err != nil {
		return "", err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	workspaceDir := filepath.Join(m.outputRoot, "session_"+sessionID)
	if err := utils.EnsureDirectory(workspaceDir); err != nil {
		return "", fmt.Errorf("failed to create session workspace: %w", err)
	}
	if _, err := m.registry.Register(sessionID, workspaceDir); err != nil {
		return "", err
	}

	if m.logger != nil {
		m.logger.Info("Session registered",
			logger.WithField("session", sessionID),
			logger.WithField("images", len(req.ImagePaths)))
	}
	return sessionID, nil
}

// Status returns a snapshot of the session state
func (m *Manager) Status(sessionID string) (*types.SessionState, error) {
	return m.registry.Get(sessionID)
}

// List returns snapshots of all sessions
func (m *Manager) List() []*types.SessionState {
	return m.registry.List()
}

// Cancel requests cooperative cancellation of a session. The current
// external process is terminated and no further stage starts.
func (m *Manager) Cancel(sessionID string) bool {
	return m.registry.Cancel(sessionID)
}

// CancelAll requests cancellation of every live session
func (m *Manager) CancelAll() {
	for _, s := range m.registry.List() {
		if !s.Status.IsTerminal() {
			m.registry.Cancel(s.SessionID)
		}
	}
}

// Cleanup removes the session's registry entry and working directory.
// It returns false while a worker is live unless forced, in which case
// cancellation is requested first.
func (m *Manager) Cleanup(sessionID string, force bool) bool {
	state, err := m.registry.Get(sessionID)
	if err != nil {
		return false
	}

	if !m.registry.Remove(sessionID, force) {
		return false
	}

	if state.WorkspaceDir != "" {
		if err := utils.RemoveDirectory(state.WorkspaceDir); err != nil && m.logger != nil {
			m.logger.Warn("Failed to remove session workspace",
				logger.WithField("session", sessionID),
				logger.WithField("error", err))
		}
	}
	return true
}

// Wait blocks until all session workers have finished
func (m *Manager) Wait() error {
	return m.group.Wait()
}
