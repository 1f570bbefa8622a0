package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/meshforge/meshforge/pkg/cancellation"
	"github.com/meshforge/meshforge/pkg/engine"
	"github.com/meshforge/meshforge/pkg/logger"
	"github.com/meshforge/meshforge/pkg/registry"
	"github.com/meshforge/meshforge/pkg/types"
	"github.com/meshforge/meshforge/pkg/utils"
)

// errCancelled marks cooperative cancellation; it is a terminal state,
// not a failure.
var errCancelled = errors.New("session cancelled")

// runSession drives one session through the stage sequence. It is the
// only writer of the session's state while the session is Running.
func (m *Manager) runSession(ctx context.Context, sessionID string, imagePaths []string, opts types.PipelineOptions) {
	log := m.logger
	if log != nil {
		log = log.WithSession(sessionID)
	}

	token, err := m.registry.Token(sessionID)
	if err != nil {
		return
	}

	state, err := m.registry.Get(sessionID)
	if err != nil {
		return
	}
	workspace := state.WorkspaceDir
	startTime := state.StartTime

	stopWatch := m.watchCancelMarker(workspace, token, log)
	defer stopWatch()

	outputFiles, err := m.runStages(ctx, sessionID, workspace, imagePaths, opts, token, log)
	switch {
	case errors.Is(err, errCancelled):
		m.setProgress(sessionID, types.StageCancelled, types.StatusCancelled, 0, "Processing cancelled by user")
		if m.notifier != nil {
			m.notifier.NotifySessionCancelled(sessionID)
		}
		if log != nil {
			log.Info("Session cancelled")
		}
		return

	case err != nil:
		m.registry.Update(sessionID, func(s *types.SessionState) {
			if s.Stage != types.StageError {
				s.StageHistory = append(s.StageHistory, types.StageError)
			}
			s.Stage = types.StageError
			s.Status = types.StatusError
			s.ProgressPercent = 0
			s.Message = fmt.Sprintf("Processing failed: %v", err)
			s.ErrorMessage = err.Error()
		})
		m.persist(sessionID)
		if m.notifier != nil {
			m.notifier.NotifySessionFailed(sessionID, err)
		}
		if log != nil {
			log.Error("Session failed", logger.WithField("error", err))
		}
		return
	}

	// Post-processing and archiving are isolated: their failures never
	// downgrade a session whose geometric stages already succeeded.
	outputFiles = append(outputFiles, m.processModels(workspace, log)...)
	archivePath := m.buildArchive(workspace, sessionID, outputFiles, opts, log)

	m.registry.Update(sessionID, func(s *types.SessionState) {
		if s.Stage != types.StageCompleted {
			s.StageHistory = append(s.StageHistory, types.StageCompleted)
		}
		s.Stage = types.StageCompleted
		s.Status = types.StatusCompleted
		s.ProgressPercent = types.ProgressCompleted
		s.Message = "Reconstruction completed successfully"
		s.OutputFiles = outputFiles
		s.ArchivePath = archivePath
	})
	m.persist(sessionID)

	if m.notifier != nil {
		m.notifier.NotifySessionComplete(sessionID, time.Since(startTime))
	}
	if log != nil {
		log.Success(fmt.Sprintf("Session completed with %d output files", len(outputFiles)))
	}
}

// runStages executes the geometric stage sequence and returns the raw
// output files it produced.
func (m *Manager) runStages(
	ctx context.Context,
	sessionID, workspace string,
	imagePaths []string,
	opts types.PipelineOptions,
	token *cancellation.Token,
	log logger.Logger,
) ([]types.OutputFile, error) {
	imagesDir := filepath.Join(workspace, "images")
	databaseDir := filepath.Join(workspace, "database")
	sparseDir := filepath.Join(workspace, "sparse")
	databasePath := filepath.Join(databaseDir, "database.db")

	for _, dir := range []string{imagesDir, databaseDir, sparseDir} {
		if err := utils.EnsureDirectory(dir); err != nil {
			return nil, fmt.Errorf("failed to prepare workspace: %w", err)
		}
	}

	// Initialization: copy images into the workspace with sequential
	// names, observing the cancellation token per file.
	m.setProgress(sessionID, types.StageInitialization, types.StatusRunning,
		types.ProgressInitStart, "Setting up workspace and copying images")

	for i, src := range imagePaths {
		if token.Cancelled() {
			return nil, errCancelled
		}

		name := fmt.Sprintf("image_%04d%s", i+1, filepath.Ext(src))
		if err := utils.CopyFile(src, filepath.Join(imagesDir, name)); err != nil {
			return nil, fmt.Errorf("failed to copy input image %s: %w", src, err)
		}

		percent := types.ProgressInitStart +
			float64(i)/float64(len(imagePaths))*(types.ProgressInitDone-types.ProgressInitStart)
		m.setProgress(sessionID, types.StageInitialization, types.StatusRunning, percent,
			fmt.Sprintf("Copied %d/%d images", i+1, len(imagePaths)))
	}

	// Feature extraction
	m.setProgress(sessionID, types.StageFeatureExtraction, types.StatusRunning,
		types.ProgressExtraction, "Extracting features from images")
	if err := m.runStage(ctx, token, m.commands.FeatureExtractor(databasePath, imagesDir, opts), m.timeouts.FeatureExtraction); err != nil {
		return nil, err
	}

	// Feature matching
	m.setProgress(sessionID, types.StageFeatureMatching, types.StatusRunning,
		types.ProgressMatching, "Matching features between images")
	if err := m.runStage(ctx, token, m.commands.Matcher(databasePath, opts), m.timeouts.FeatureMatching); err != nil {
		return nil, err
	}

	// Sparse reconstruction
	m.setProgress(sessionID, types.StageSparseReconstruction, types.StatusRunning,
		types.ProgressSparse, "Performing sparse 3D reconstruction")
	if err := m.runStage(ctx, token, m.commands.Mapper(databasePath, imagesDir, sparseDir), m.timeouts.Mapping); err != nil {
		return nil, err
	}

	var outputFiles []types.OutputFile

	// Export the sparse model to the raw geometry format when the
	// mapper produced one.
	modelDir := filepath.Join(sparseDir, "0")
	sparsePLY := filepath.Join(workspace, "sparse_model.ply")
	if utils.DirectoryExists(modelDir) {
		if err := m.runStage(ctx, token, m.commands.ModelConverter(modelDir, sparsePLY), m.timeouts.ModelConversion); err != nil {
			return nil, err
		}
		outputFiles = append(outputFiles, types.OutputFile{
			Type:      "sparse_model",
			Format:    "ply",
			Path:      sparsePLY,
			SizeBytes: utils.FileSize(sparsePLY),
		})
	}
	m.setProgress(sessionID, types.StageSparseReconstruction, types.StatusRunning,
		types.ProgressSparseConverted, "Sparse model exported")

	// Dense reconstruction (optional)
	denseDir := filepath.Join(workspace, "dense")
	fusedPLY := filepath.Join(denseDir, "fused.ply")
	if opts.EnableDense {
		if token.Cancelled() {
			return nil, errCancelled
		}
		if err := utils.EnsureDirectory(denseDir); err != nil {
			return nil, fmt.Errorf("failed to prepare dense workspace: %w", err)
		}

		m.setProgress(sessionID, types.StageDenseReconstruction, types.StatusRunning,
			types.ProgressDenseStart, "Performing dense reconstruction")

		if err := m.runStage(ctx, token, m.commands.ImageUndistorter(imagesDir, modelDir, denseDir), m.timeouts.Undistortion); err != nil {
			return nil, err
		}
		if err := m.runStage(ctx, token, m.commands.PatchMatchStereo(denseDir, opts), m.timeouts.StereoMatching); err != nil {
			return nil, err
		}
		if err := m.runStage(ctx, token, m.commands.StereoFusion(denseDir, fusedPLY), m.timeouts.StereoFusion); err != nil {
			return nil, err
		}

		if utils.FileExists(fusedPLY) {
			outputFiles = append(outputFiles, types.OutputFile{
				Type:      "dense_pointcloud",
				Format:    "ply",
				Path:      fusedPLY,
				SizeBytes: utils.FileSize(fusedPLY),
			})
		}
		m.setProgress(sessionID, types.StageDenseReconstruction, types.StatusRunning,
			types.ProgressDenseDone, "Dense reconstruction completed")
	}

	// Mesh generation requires the dense point cloud; requesting
	// meshing without dense reconstruction silently skips it.
	if opts.EnableMeshing && opts.EnableDense {
		if token.Cancelled() {
			return nil, errCancelled
		}

		meshDir := filepath.Join(workspace, "mesh")
		if err := utils.EnsureDirectory(meshDir); err != nil {
			return nil, fmt.Errorf("failed to prepare mesh workspace: %w", err)
		}

		m.setProgress(sessionID, types.StageMeshGeneration, types.StatusRunning,
			types.ProgressMeshStart, "Generating mesh from dense point cloud")

		meshPLY := filepath.Join(meshDir, "mesh.ply")
		if err := m.runStage(ctx, token, m.commands.PoissonMesher(fusedPLY, meshPLY), m.timeouts.Meshing); err != nil {
			return nil, err
		}

		if utils.FileExists(meshPLY) {
			outputFiles = append(outputFiles, types.OutputFile{
				Type:      "mesh",
				Format:    "ply",
				Path:      meshPLY,
				SizeBytes: utils.FileSize(meshPLY),
			})
		}
		m.setProgress(sessionID, types.StageMeshGeneration, types.StatusRunning,
			types.ProgressMeshDone, "Mesh generation completed")
	} else if opts.EnableMeshing && log != nil {
		log.Warn("Meshing requested without dense reconstruction, skipping")
	}

	return outputFiles, nil
}

// runStage checks the cancellation token, then delegates one external
// command to the invoker. No retries: a failed stage fails the session.
func (m *Manager) runStage(ctx context.Context, token *cancellation.Token, cmd engine.Command, timeout time.Duration) error {
	if token.Cancelled() {
		return errCancelled
	}

	result := m.runner.Run(ctx, cmd, token, timeout)
	if result.Outcome == engine.OutcomeCancelled {
		return errCancelled
	}
	return result.Err(cmd.Name, timeout)
}

// processModels converts whatever raw geometry the session produced
// into cleaned portable meshes. Conversion failures are logged and the
// affected model is skipped; the session outcome is unaffected.
func (m *Manager) processModels(workspace string, log logger.Logger) []types.OutputFile {
	if m.converter == nil {
		return nil
	}

	processedDir := filepath.Join(workspace, "processed_models")
	candidates := []struct {
		fileType string
		rawPath  string
		subDir   string
	}{
		{"dense_pointcloud", filepath.Join(workspace, "dense", "fused.ply"), "dense"},
		{"mesh", filepath.Join(workspace, "mesh", "mesh.ply"), "mesh"},
	}

	var processed []types.OutputFile
	for _, cand := range candidates {
		if !utils.FileExists(cand.rawPath) {
			continue
		}

		objPath, meta, err := m.converter.Convert(cand.rawPath, filepath.Join(processedDir, cand.subDir))
		if err != nil {
			if log != nil {
				log.Error("Failed to convert raw geometry",
					logger.WithField("input", cand.rawPath),
					logger.WithField("error", err))
			}
			continue
		}

		cleaned := m.converter.Clean(objPath)
		processed = append(processed, types.OutputFile{
			Type:      cand.fileType,
			Format:    "obj",
			Path:      cleaned,
			SizeBytes: utils.FileSize(cleaned),
			Metadata:  meta,
		})

		// Keep a copy of the raw file next to the converted assets so
		// both remain individually downloadable.
		rawCopy := filepath.Join(processedDir, filepath.Base(cand.rawPath))
		if err := utils.CopyFile(cand.rawPath, rawCopy); err == nil {
			processed = append(processed, types.OutputFile{
				Type:      cand.fileType + "_raw",
				Format:    "ply",
				Path:      rawCopy,
				SizeBytes: utils.FileSize(rawCopy),
			})
		}
	}
	return processed
}

// buildArchive packages the output files. Archive failure is logged
// and leaves the archive absent; it never flips the session to Error.
func (m *Manager) buildArchive(workspace, sessionID string, files []types.OutputFile, opts types.PipelineOptions, log logger.Logger) string {
	if m.archiver == nil || len(files) == 0 {
		return ""
	}

	archivePath, err := m.archiver.Build(workspace, sessionID, files, opts)
	if err != nil {
		if log != nil {
			log.Error("Failed to build output archive", logger.WithField("error", err))
		}
		return ""
	}
	return archivePath
}

func (m *Manager) setProgress(sessionID string, stage types.Stage, status types.Status, percent float64, message string) {
	if err := m.registry.SetProgress(sessionID, stage, status, percent, message); err != nil {
		return
	}
	m.persist(sessionID)
}

// persist mirrors the current state into the workspace status document
func (m *Manager) persist(sessionID string) {
	state, err := m.registry.Get(sessionID)
	if err != nil {
		return
	}
	if err := registry.WriteStatusDocument(state); err != nil && m.logger != nil {
		m.logger.Debug("Failed to persist status document",
			logger.WithField("session", sessionID),
			logger.WithField("error", err))
	}
}
