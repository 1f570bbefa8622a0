// Package interfaces provides abstractions for dependency injection and testability
package interfaces

import (
	"time"

	"github.com/meshforge/meshforge/pkg/types"
)

// GeometryConverter turns raw geometry files into portable meshes
type GeometryConverter interface {
	Convert(rawGeometryPath, outputDir string) (string, *types.ModelMetadata, error)
	Clean(meshPath string) string
}

// ArchiveBuilder bundles output files into a downloadable artifact
type ArchiveBuilder interface {
	Build(outputDir, sessionID string, files []types.OutputFile, params types.PipelineOptions) (string, error)
}

// SessionNotifier reports session outcomes to the user
type SessionNotifier interface {
	NotifySessionComplete(sessionID string, duration time.Duration)
	NotifySessionFailed(sessionID string, err error)
	NotifySessionCancelled(sessionID string)
}
