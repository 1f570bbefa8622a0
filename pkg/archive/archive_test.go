package archive_test

import (
	"archive/zip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/meshforge/meshforge/pkg/archive"
	"github.com/meshforge/meshforge/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer zr.Close()

	entries := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		entries[f.Name] = string(data)
	}
	return entries
}

func TestBuildArchive(t *testing.T) {
	dir := t.TempDir()
	sparse := writeFile(t, dir, "sparse_model.ply", "ply data")
	mesh := writeFile(t, dir, "mesh_cleaned.obj", "obj data")

	files := []types.OutputFile{
		{Type: "sparse_model", Format: "ply", Path: sparse},
		{Type: "mesh", Format: "obj", Path: mesh},
	}
	opts := types.DefaultPipelineOptions()

	b := archive.NewBuilder(nil)
	archivePath, err := b.Build(dir, "abc123", files, opts)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if filepath.Base(archivePath) != "model_abc123.zip" {
		t.Errorf("unexpected archive name: %s", archivePath)
	}

	entries := readArchive(t, archivePath)

	// Entries are grouped under their output type
	if entries["sparse_model/sparse_model.ply"] != "ply data" {
		t.Errorf("missing or wrong sparse entry, got keys %v", keys(entries))
	}
	if entries["mesh/mesh_cleaned.obj"] != "obj data" {
		t.Errorf("missing or wrong mesh entry, got keys %v", keys(entries))
	}

	metaRaw, ok := entries["metadata.json"]
	if !ok {
		t.Fatal("expected metadata.json entry")
	}
	var meta archive.Metadata
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		t.Fatalf("metadata is not valid JSON: %v", err)
	}
	if meta.SessionID != "abc123" {
		t.Errorf("unexpected metadata session id: %s", meta.SessionID)
	}
	if len(meta.OutputFiles) != 2 {
		t.Errorf("expected 2 output files in metadata, got %d", len(meta.OutputFiles))
	}
	if meta.ProcessingParameters.MaxImageSize != opts.MaxImageSize {
		t.Error("expected processing parameters in metadata")
	}
}

func TestBuildSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	present := writeFile(t, dir, "present.ply", "data")

	files := []types.OutputFile{
		{Type: "sparse_model", Path: present},
		{Type: "mesh", Path: filepath.Join(dir, "missing.obj")},
	}

	b := archive.NewBuilder(nil)
	archivePath, err := b.Build(dir, "s1", files, types.DefaultPipelineOptions())
	if err != nil {
		t.Fatalf("Build should tolerate missing files: %v", err)
	}

	entries := readArchive(t, archivePath)
	if _, ok := entries["sparse_model/present.ply"]; !ok {
		t.Error("expected present file in archive")
	}
	if _, ok := entries["mesh/missing.obj"]; ok {
		t.Error("missing file should have been skipped")
	}
	if _, ok := entries["metadata.json"]; !ok {
		t.Error("metadata must be written even when entries are skipped")
	}
}

func TestBuildEmptyFileList(t *testing.T) {
	dir := t.TempDir()

	b := archive.NewBuilder(nil)
	archivePath, err := b.Build(dir, "s1", nil, types.DefaultPipelineOptions())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	entries := readArchive(t, archivePath)
	if len(entries) != 1 {
		t.Errorf("expected only metadata, got %v", keys(entries))
	}
}

func TestBuildUntypedFile(t *testing.T) {
	dir := t.TempDir()
	plain := writeFile(t, dir, "report.txt", "text")

	b := archive.NewBuilder(nil)
	archivePath, err := b.Build(dir, "s1", []types.OutputFile{{Path: plain}}, types.DefaultPipelineOptions())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	entries := readArchive(t, archivePath)
	if _, ok := entries["report.txt"]; !ok {
		t.Errorf("untyped files belong at the archive root, got %v", keys(entries))
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
