package registry_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshforge/meshforge/pkg/registry"
	"github.com/meshforge/meshforge/pkg/types"
)

func TestStatusDocumentRoundTrip(t *testing.T) {
	dir := t.TempDir()

	end := time.Now().Round(time.Second)
	state := &types.SessionState{
		SessionID:       "s1",
		Stage:           types.StageCompleted,
		Status:          types.StatusCompleted,
		ProgressPercent: 100,
		Message:         "Reconstruction completed successfully",
		StartTime:       end.Add(-time.Minute),
		EndTime:         &end,
		WorkspaceDir:    dir,
		OutputFiles: []types.OutputFile{
			{Type: "sparse_model", Format: "ply", Path: "/tmp/sparse_model.ply", SizeBytes: 42},
		},
		StageHistory: []types.Stage{types.StageInitialization, types.StageCompleted},
	}

	if err := registry.WriteStatusDocument(state); err != nil {
		t.Fatalf("WriteStatusDocument failed: %v", err)
	}

	doc, err := registry.ReadStatusDocument(dir)
	if err != nil {
		t.Fatalf("ReadStatusDocument failed: %v", err)
	}
	if doc.SessionID != "s1" {
		t.Errorf("unexpected session id: %s", doc.SessionID)
	}
	if doc.Status != types.StatusCompleted {
		t.Errorf("unexpected status: %s", doc.Status)
	}
	if doc.LastStage.Stage != types.StageCompleted || doc.LastStage.Percent != 100 {
		t.Errorf("unexpected last stage detail: %+v", doc.LastStage)
	}
	if len(doc.OutputFiles) != 1 || doc.OutputFiles[0].Type != "sparse_model" {
		t.Errorf("unexpected output files: %+v", doc.OutputFiles)
	}

	// No leftover temp file from the atomic write
	if _, err := os.Stat(filepath.Join(dir, "status.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind after write")
	}
}

func TestWriteStatusDocumentNoWorkspace(t *testing.T) {
	// Sessions without a workspace directory are simply not persisted
	state := &types.SessionState{SessionID: "s1"}
	if err := registry.WriteStatusDocument(state); err != nil {
		t.Errorf("expected no-op for empty workspace, got %v", err)
	}
}

func TestReadStatusDocumentMissing(t *testing.T) {
	if _, err := registry.ReadStatusDocument(t.TempDir()); err == nil {
		t.Error("expected error for missing status document")
	}
}

func TestReadStatusDocumentCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "status.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.ReadStatusDocument(dir); err == nil {
		t.Error("expected error for corrupt status document")
	}
}
