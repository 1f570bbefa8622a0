// Package archive bundles session outputs into a downloadable artifact
package archive

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/meshforge/meshforge/pkg/logger"
	"github.com/meshforge/meshforge/pkg/types"
)

// Metadata is the document appended to every archive
type Metadata struct {
	SessionID            string                `json:"sessionId"`
	CreatedAt            time.Time             `json:"createdAt"`
	OutputFiles          []types.OutputFile    `json:"outputFiles"`
	ProcessingParameters types.PipelineOptions `json:"processingParameters"`
}

// Builder creates compressed output bundles. It is best-effort: a
// missing or unreadable candidate file is skipped with a warning and
// never aborts the whole archive.
type Builder struct {
	logger logger.Logger
}

// NewBuilder creates an archive builder
func NewBuilder(log logger.Logger) *Builder {
	return &Builder{logger: log}
}

// Build writes `model_<sessionID>.zip` into outputDir with one entry
// per retained output file (named `<type>/<filename>`) plus a
// metadata.json document.
func (b *Builder) Build(outputDir, sessionID string, files []types.OutputFile, params types.PipelineOptions) (string, error) {
	archivePath := filepath.Join(outputDir, fmt.Sprintf("model_%s.zip", sessionID))

	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	added := 0
	for _, of := range files {
		if err := b.addFile(zw, of); err != nil {
			if b.logger != nil {
				b.logger.Warn("Skipping archive entry",
					logger.WithField("path", of.Path),
					logger.WithField("error", err))
			}
			continue
		}
		added++
	}

	meta := Metadata{
		SessionID:            sessionID,
		CreatedAt:            time.Now(),
		OutputFiles:          files,
		ProcessingParameters: params,
	}
	if err := b.addMetadata(zw, meta); err != nil {
		return "", fmt.Errorf("failed to write archive metadata: %w", err)
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}

	if b.logger != nil {
		b.logger.Info("Archive created",
			logger.WithField("archive", archivePath),
			logger.WithField("entries", added))
	}
	return archivePath, nil
}

func (b *Builder) addFile(zw *zip.Writer, of types.OutputFile) error {
	src, err := os.Open(of.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	name := filepath.Base(of.Path)
	if of.Type != "" {
		name = of.Type + "/" + name
	}

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func (b *Builder) addMetadata(zw *zip.Writer, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	w, err := zw.Create("metadata.json")
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
