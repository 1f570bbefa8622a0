package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/meshforge/meshforge/pkg/logger"
)

// Capabilities records which optional engine flags the installed
// version advertises. Flags the engine does not know are silently
// omitted from stage commands rather than causing failures.
type Capabilities struct {
	ExtractorGPU     bool
	MatcherGPU       bool
	GuidedMatching   bool
	ExtendedFeatures bool
	GeomConsistency  bool
}

// HelpFunc returns the help text of one engine subcommand. Injectable
// for tests.
type HelpFunc func(ctx context.Context, binary, subcommand string) (string, error)

const probeTimeout = 10 * time.Second

// commandHelp invokes `<binary> <subcommand> -h` and returns the
// combined output. Engines print help to either stream depending on
// version.
func commandHelp(ctx context.Context, binary, subcommand string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, subcommand, "-h").CombinedOutput()
	if err != nil && len(out) == 0 {
		return "", err
	}
	return string(out), nil
}

// Verify checks that the engine binary is installed and responding
func Verify(ctx context.Context, binary string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := exec.CommandContext(ctx, binary, "-h").Run(); err != nil {
		return fmt.Errorf("reconstruction engine not found or not working: %w", err)
	}
	return nil
}

// ProbeCapabilities inspects each stage command's help text once at
// startup to discover which optional flags this engine version
// supports.
func ProbeCapabilities(ctx context.Context, binary string, help HelpFunc, log logger.Logger) Capabilities {
	if help == nil {
		help = commandHelp
	}

	var caps Capabilities

	if text, err := help(ctx, binary, "feature_extractor"); err == nil {
		caps.ExtractorGPU = strings.Contains(text, "SiftExtraction.use_gpu")
		caps.ExtendedFeatures = strings.Contains(text, "SiftExtraction.estimate_affine_shape") &&
			strings.Contains(text, "SiftExtraction.domain_size_pooling")
	} else if log != nil {
		log.Warn("Failed to probe feature_extractor capabilities", logger.WithField("error", err))
	}

	if text, err := help(ctx, binary, "exhaustive_matcher"); err == nil {
		caps.MatcherGPU = strings.Contains(text, "SiftMatching.use_gpu")
		caps.GuidedMatching = strings.Contains(text, "SiftMatching.guided_matching")
	} else if log != nil {
		log.Warn("Failed to probe matcher capabilities", logger.WithField("error", err))
	}

	if text, err := help(ctx, binary, "patch_match_stereo"); err == nil {
		caps.GeomConsistency = strings.Contains(text, "PatchMatchStereo.geom_consistency")
	} else if log != nil {
		log.Warn("Failed to probe patch_match_stereo capabilities", logger.WithField("error", err))
	}

	if log != nil {
		log.Debug("Engine capabilities probed",
			logger.WithField("extractor_gpu", caps.ExtractorGPU),
			logger.WithField("matcher_gpu", caps.MatcherGPU),
			logger.WithField("guided_matching", caps.GuidedMatching),
			logger.WithField("extended_features", caps.ExtendedFeatures),
			logger.WithField("geom_consistency", caps.GeomConsistency))
	}

	return caps
}
