package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meshforge/meshforge/pkg/types"
)

// StatusDocument is the persisted per-session status mirror polled by
// external callers, with the last-invoked-stage detail nested.
type StatusDocument struct {
	types.SessionState
	LastStage StageDetail `json:"lastStage"`
}

// StageDetail captures the most recent stage transition
type StageDetail struct {
	Stage   types.Stage `json:"stage"`
	Percent float64     `json:"progressPercent"`
	Message string      `json:"message"`
}

const statusFileName = "status.json"

// WriteStatusDocument persists a session snapshot into its workspace
// directory. The write is atomic (temp file plus rename) so pollers
// never read a half-written document.
func WriteStatusDocument(state *types.SessionState) error {
	if state.WorkspaceDir == "" {
		return nil
	}

	doc := StatusDocument{
		SessionState: *state,
		LastStage: StageDetail{
			Stage:   state.Stage,
			Percent: state.ProgressPercent,
			Message: state.Message,
		},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status document: %w", err)
	}

	statusFile := filepath.Join(state.WorkspaceDir, statusFileName)
	tempFile := statusFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write status document: %w", err)
	}
	if err := os.Rename(tempFile, statusFile); err != nil {
		os.Remove(tempFile) // Clean up
		return fmt.Errorf("failed to rename status document: %w", err)
	}
	return nil
}

// ReadStatusDocument loads a persisted status document
func ReadStatusDocument(workspaceDir string) (*StatusDocument, error) {
	data, err := os.ReadFile(filepath.Join(workspaceDir, statusFileName))
	if err != nil {
		return nil, err
	}

	var doc StatusDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse status document: %w", err)
	}
	return &doc, nil
}
