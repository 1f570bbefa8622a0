package engine

import (
	"strconv"

	"github.com/meshforge/meshforge/pkg/types"
)

// DefaultBinary is the reconstruction engine executable name
const DefaultBinary = "colmap"

// Command is one engine stage invocation
type Command struct {
	// Name labels the stage for logs and error messages
	Name   string
	Binary string
	Args   []string
}

// CommandSet builds stage commands for one session's workspace layout.
// Optional quality/performance flags are emitted only when the probed
// capabilities advertise support for them.
type CommandSet struct {
	Binary       string
	Capabilities Capabilities
}

// NewCommandSet creates a command set for the given engine binary
func NewCommandSet(binary string, caps Capabilities) *CommandSet {
	if binary == "" {
		binary = DefaultBinary
	}
	return &CommandSet{Binary: binary, Capabilities: caps}
}

func (c *CommandSet) command(name string, args ...string) Command {
	return Command{Name: name, Binary: c.Binary, Args: args}
}

// FeatureExtractor consumes an image directory and produces a database
func (c *CommandSet) FeatureExtractor(databasePath, imageDir string, opts types.PipelineOptions) Command {
	args := []string{
		"feature_extractor",
		"--database_path", databasePath,
		"--image_path", imageDir,
		"--ImageReader.single_camera", "1",
		"--SiftExtraction.max_image_size", strconv.Itoa(opts.MaxImageSize),
	}
	if opts.UseGPU && c.Capabilities.ExtractorGPU {
		args = append(args, "--SiftExtraction.use_gpu", "1")
		if opts.GPUIndices != "" {
			args = append(args, "--SiftExtraction.gpu_index", opts.GPUIndices)
		}
	}
	if c.Capabilities.ExtendedFeatures {
		args = append(args,
			"--SiftExtraction.estimate_affine_shape", "1",
			"--SiftExtraction.domain_size_pooling", "1")
	}
	return c.command("feature_extractor", args...)
}

// Matcher updates the database in place using the selected matching
// strategy.
func (c *CommandSet) Matcher(databasePath string, opts types.PipelineOptions) Command {
	name := "exhaustive_matcher"
	if opts.MatcherType == types.MatcherSequential {
		name = "sequential_matcher"
	}

	args := []string{name, "--database_path", databasePath}
	if opts.UseGPU && c.Capabilities.MatcherGPU {
		args = append(args, "--SiftMatching.use_gpu", "1")
		if opts.GPUIndices != "" {
			args = append(args, "--SiftMatching.gpu_index", opts.GPUIndices)
		}
	}
	if opts.GuidedMatching && c.Capabilities.GuidedMatching {
		args = append(args, "--SiftMatching.guided_matching", "1")
	}
	return c.command(name, args...)
}

// Mapper performs sparse reconstruction into the given model directory
func (c *CommandSet) Mapper(databasePath, imageDir, sparseDir string) Command {
	return c.command("mapper",
		"mapper",
		"--database_path", databasePath,
		"--image_path", imageDir,
		"--output_path", sparseDir,
	)
}

// ModelConverter exports a sparse model to the raw geometry format
func (c *CommandSet) ModelConverter(modelDir, outputPath string) Command {
	return c.command("model_converter",
		"model_converter",
		"--input_path", modelDir,
		"--output_path", outputPath,
		"--output_type", "PLY",
	)
}

// ImageUndistorter prepares images for dense stereo matching
func (c *CommandSet) ImageUndistorter(imageDir, modelDir, denseDir string) Command {
	return c.command("image_undistorter",
		"image_undistorter",
		"--image_path", imageDir,
		"--input_path", modelDir,
		"--output_path", denseDir,
		"--output_type", "COLMAP",
	)
}

// PatchMatchStereo runs per-pixel dense stereo matching
func (c *CommandSet) PatchMatchStereo(denseDir string, opts types.PipelineOptions) Command {
	args := []string{"patch_match_stereo", "--workspace_path", denseDir}
	if opts.GeomConsistent && c.Capabilities.GeomConsistency {
		args = append(args, "--PatchMatchStereo.geom_consistency", "true")
	}
	return c.command("patch_match_stereo", args...)
}

// StereoFusion fuses depth maps into one dense point cloud
func (c *CommandSet) StereoFusion(denseDir, outputPath string) Command {
	return c.command("stereo_fusion",
		"stereo_fusion",
		"--workspace_path", denseDir,
		"--output_path", outputPath,
	)
}

// PoissonMesher generates a mesh from the fused dense point cloud
func (c *CommandSet) PoissonMesher(inputPath, outputPath string) Command {
	return c.command("poisson_mesher",
		"poisson_mesher",
		"--input_path", inputPath,
		"--output_path", outputPath,
	)
}
