// Package mocks provides mock implementations of interfaces for testing.
// These follow Go best practices for test doubles.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/meshforge/meshforge/pkg/cancellation"
	"github.com/meshforge/meshforge/pkg/engine"
	"github.com/meshforge/meshforge/pkg/types"
)

// MockRunner is a scripted engine.Runner for testing. Results are
// consumed per command name; unscripted commands succeed.
type MockRunner struct {
	mu      sync.Mutex
	results map[string][]engine.Result
	// Invocations records every command run, in order
	Invocations []engine.Command
	// Timeouts records the budget passed for each invocation
	Timeouts []time.Duration
	// OnRun, when set, is called before classifying each invocation
	OnRun func(cmd engine.Command, token *cancellation.Token)
}

// NewMockRunner creates a mock runner
func NewMockRunner() *MockRunner {
	return &MockRunner{results: make(map[string][]engine.Result)}
}

// Script queues a result for invocations of the named command
func (m *MockRunner) Script(commandName string, result engine.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[commandName] = append(m.results[commandName], result)
}

// Run implements engine.Runner
func (m *MockRunner) Run(_ context.Context, cmd engine.Command, token *cancellation.Token, timeout time.Duration) engine.Result {
	m.mu.Lock()
	m.Invocations = append(m.Invocations, cmd)
	m.Timeouts = append(m.Timeouts, timeout)
	onRun := m.OnRun
	queue := m.results[cmd.Name]
	var result engine.Result
	if len(queue) > 0 {
		result = queue[0]
		m.results[cmd.Name] = queue[1:]
	} else {
		result = engine.Result{Outcome: engine.OutcomeSuccess}
	}
	m.mu.Unlock()

	if onRun != nil {
		onRun(cmd, token)
	}
	if token != nil && token.Cancelled() {
		return engine.Result{Outcome: engine.OutcomeCancelled}
	}
	return result
}

// CommandNames returns the names of all invoked commands in order
func (m *MockRunner) CommandNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.Invocations))
	for i, cmd := range m.Invocations {
		names[i] = cmd.Name
	}
	return names
}

// MockConverter is a canned geometry converter
type MockConverter struct {
	mu         sync.Mutex
	ConvertErr error
	Converted  []string
}

// Convert records the input and returns canned metadata
func (m *MockConverter) Convert(rawGeometryPath, outputDir string) (string, *types.ModelMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ConvertErr != nil {
		return "", nil, m.ConvertErr
	}
	m.Converted = append(m.Converted, rawGeometryPath)
	return rawGeometryPath + ".obj", &types.ModelMetadata{Format: "obj"}, nil
}

// Clean returns the path unchanged
func (m *MockConverter) Clean(meshPath string) string {
	return meshPath
}

// MockArchiver is a canned archive builder
type MockArchiver struct {
	mu       sync.Mutex
	BuildErr error
	Built    []string
}

// Build records the session and returns a fake archive path
func (m *MockArchiver) Build(outputDir, sessionID string, files []types.OutputFile, params types.PipelineOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BuildErr != nil {
		return "", m.BuildErr
	}
	m.Built = append(m.Built, sessionID)
	return outputDir + "/model_" + sessionID + ".zip", nil
}

// MockNotifier records notifications
type MockNotifier struct {
	mu        sync.Mutex
	Completed []string
	Failed    []string
	Cancelled []string
}

// NotifySessionComplete records a completion
func (m *MockNotifier) NotifySessionComplete(sessionID string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Completed = append(m.Completed, sessionID)
}

// NotifySessionFailed records a failure
func (m *MockNotifier) NotifySessionFailed(sessionID string, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed = append(m.Failed, sessionID)
}

// NotifySessionCancelled records a cancellation
func (m *MockNotifier) NotifySessionCancelled(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled = append(m.Cancelled, sessionID)
}
