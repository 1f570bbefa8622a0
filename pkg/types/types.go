// Package types provides core types and configuration for meshforge
package types

import (
	"fmt"
	"time"
)

// Stage represents one step of the reconstruction pipeline
type Stage string

const (
	StageInitialization       Stage = "initialization"
	StageFeatureExtraction    Stage = "feature_extraction"
	StageFeatureMatching      Stage = "feature_matching"
	StageSparseReconstruction Stage = "sparse_reconstruction"
	StageDenseReconstruction  Stage = "dense_reconstruction"
	StageMeshGeneration       Stage = "mesh_generation"
	StageCompleted            Stage = "completed"
	StageError                Stage = "error"
	StageCancelled            Stage = "cancelled"
)

// Status represents the coarse processing status of a session
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// stageOrder defines the forward progression of working stages.
// Error and Cancelled are absorbing and reachable from any of these.
var stageOrder = []Stage{
	StageInitialization,
	StageFeatureExtraction,
	StageFeatureMatching,
	StageSparseReconstruction,
	StageDenseReconstruction,
	StageMeshGeneration,
	StageCompleted,
}

// Index returns the position of a stage in the forward stage order,
// or -1 for Error/Cancelled and unknown stages.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether a stage ends the session
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageError || s == StageCancelled
}

// TerminalStatus maps a terminal stage to its equivalent status.
// Non-terminal stages map to Running.
func (s Stage) TerminalStatus() Status {
	switch s {
	case StageCompleted:
		return StatusCompleted
	case StageError:
		return StatusError
	case StageCancelled:
		return StatusCancelled
	default:
		return StatusRunning
	}
}

// IsTerminal reports whether a status is final
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Progress checkpoints per stage. These are coarse user-facing design
// constants, not derived from real work estimates.
const (
	ProgressInitStart       = 5.0
	ProgressInitDone        = 10.0
	ProgressExtraction      = 15.0
	ProgressMatching        = 35.0
	ProgressSparse          = 55.0
	ProgressSparseConverted = 70.0
	ProgressDenseStart      = 75.0
	ProgressDenseDone       = 88.0
	ProgressMeshStart       = 90.0
	ProgressMeshDone        = 99.0
	ProgressCompleted       = 100.0
)

// MatcherType selects the feature matching strategy
type MatcherType string

const (
	MatcherExhaustive MatcherType = "exhaustive"
	MatcherSequential MatcherType = "sequential"
)

// OutputFile describes one artifact produced by a session
type OutputFile struct {
	Type      string         `json:"type"`
	Format    string         `json:"format,omitempty"`
	Path      string         `json:"path"`
	SizeBytes int64          `json:"sizeBytes,omitempty"`
	Metadata  *ModelMetadata `json:"metadata,omitempty"`
}

// SessionState tracks one reconstruction session. It is mutated only by
// the session's own worker; readers receive snapshots.
type SessionState struct {
	SessionID       string       `json:"sessionId"`
	Stage           Stage        `json:"stage"`
	Status          Status       `json:"status"`
	ProgressPercent float64      `json:"progressPercent"`
	Message         string       `json:"message"`
	StartTime       time.Time    `json:"startTime"`
	EndTime         *time.Time   `json:"endTime,omitempty"`
	ErrorMessage    string       `json:"errorMessage,omitempty"`
	OutputFiles     []OutputFile `json:"outputFiles,omitempty"`
	ArchivePath     string       `json:"archivePath,omitempty"`
	WorkspaceDir    string       `json:"workspaceDir,omitempty"`
	StageHistory    []Stage      `json:"stageHistory,omitempty"`
}

// Snapshot returns a deep copy safe to hand to concurrent readers
func (s *SessionState) Snapshot() *SessionState {
	cp := *s
	if s.EndTime != nil {
		t := *s.EndTime
		cp.EndTime = &t
	}
	if s.OutputFiles != nil {
		cp.OutputFiles = make([]OutputFile, len(s.OutputFiles))
		copy(cp.OutputFiles, s.OutputFiles)
		for i, of := range s.OutputFiles {
			if of.Metadata != nil {
				m := *of.Metadata
				cp.OutputFiles[i].Metadata = &m
			}
		}
	}
	if s.StageHistory != nil {
		cp.StageHistory = make([]Stage, len(s.StageHistory))
		copy(cp.StageHistory, s.StageHistory)
	}
	return &cp
}

// Vector3 is a 3-component float vector
type Vector3 [3]float64

// BoundingBox is the axis-aligned minimum enclosing box of a mesh
type BoundingBox struct {
	Min    Vector3 `json:"min"`
	Max    Vector3 `json:"max"`
	Center Vector3 `json:"center"`
}

// Validate checks the bounding box invariants
func (b BoundingBox) Validate() error {
	for i := 0; i < 3; i++ {
		if b.Min[i] > b.Max[i] {
			return fmt.Errorf("bounding box min exceeds max on axis %d: %f > %f", i, b.Min[i], b.Max[i])
		}
		want := (b.Min[i] + b.Max[i]) / 2
		if diff := b.Center[i] - want; diff > 1e-9 || diff < -1e-9 {
			return fmt.Errorf("bounding box center off on axis %d: got %f, want %f", i, b.Center[i], want)
		}
	}
	return nil
}

// ModelMetadata describes one converted asset
type ModelMetadata struct {
	VertexCount   int         `json:"vertexCount"`
	FaceCount     int         `json:"faceCount"`
	FileSizeBytes int64       `json:"fileSizeBytes"`
	Format        string      `json:"format"`
	HasColors     bool        `json:"hasColors"`
	HasNormals    bool        `json:"hasNormals"`
	HasTextures   bool        `json:"hasTextures"`
	BoundingBox   BoundingBox `json:"boundingBox"`
	CreationTime  time.Time   `json:"creationTime"`
}

// PipelineOptions configures one reconstruction session
type PipelineOptions struct {
	EnableDense    bool        `json:"enableDenseReconstruction" yaml:"enableDenseReconstruction"`
	EnableMeshing  bool        `json:"enableMeshing" yaml:"enableMeshing"`
	MaxImageSize   int         `json:"maxImageSize" yaml:"maxImageSize"`
	MatcherType    MatcherType `json:"matcherType" yaml:"matcherType"`
	UseGPU         bool        `json:"useGpu" yaml:"useGpu"`
	GPUIndices     string      `json:"gpuIndices,omitempty" yaml:"gpuIndices"`
	GuidedMatching bool        `json:"enableGuidedMatching" yaml:"enableGuidedMatching"`
	GeomConsistent bool        `json:"enableGeometricConsistency" yaml:"enableGeometricConsistency"`
}

// DefaultPipelineOptions returns the default session configuration
func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{
		MaxImageSize: 1920,
		MatcherType:  MatcherExhaustive,
		GPUIndices:   "0",
	}
}

// Validate checks option constraints
func (o PipelineOptions) Validate() error {
	switch o.MatcherType {
	case MatcherExhaustive, MatcherSequential:
	default:
		return fmt.Errorf("invalid matcher type: %s", o.MatcherType)
	}
	if o.MaxImageSize <= 0 {
		return fmt.Errorf("max image size must be positive, got %d", o.MaxImageSize)
	}
	return nil
}

// StageTimeouts holds per-stage timeout budgets. Engine runtime on
// realistic image sets varies by stage, so the defaults differ.
type StageTimeouts struct {
	FeatureExtraction time.Duration `json:"featureExtraction" yaml:"featureExtraction"`
	FeatureMatching   time.Duration `json:"featureMatching" yaml:"featureMatching"`
	Mapping           time.Duration `json:"mapping" yaml:"mapping"`
	ModelConversion   time.Duration `json:"modelConversion" yaml:"modelConversion"`
	Undistortion      time.Duration `json:"undistortion" yaml:"undistortion"`
	StereoMatching    time.Duration `json:"stereoMatching" yaml:"stereoMatching"`
	StereoFusion      time.Duration `json:"stereoFusion" yaml:"stereoFusion"`
	Meshing           time.Duration `json:"meshing" yaml:"meshing"`
}

// DefaultStageTimeouts returns timeout budgets tuned for small image
// sets (around 20 images). Treat these as configuration defaults.
func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		FeatureExtraction: 10 * time.Minute,
		FeatureMatching:   20 * time.Minute,
		Mapping:           30 * time.Minute,
		ModelConversion:   5 * time.Minute,
		Undistortion:      10 * time.Minute,
		StereoMatching:    45 * time.Minute,
		StereoFusion:      15 * time.Minute,
		Meshing:           20 * time.Minute,
	}
}
