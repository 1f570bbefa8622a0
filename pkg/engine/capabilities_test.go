package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/meshforge/meshforge/pkg/engine"
)

func TestProbeCapabilities(t *testing.T) {
	helpText := map[string]string{
		"feature_extractor": `Options:
  --SiftExtraction.use_gpu arg (=1)
  --SiftExtraction.estimate_affine_shape arg (=0)
  --SiftExtraction.domain_size_pooling arg (=0)`,
		"exhaustive_matcher": `Options:
  --SiftMatching.use_gpu arg (=1)
  --SiftMatching.guided_matching arg (=0)`,
		"patch_match_stereo": `Options:
  --PatchMatchStereo.geom_consistency arg (=1)`,
	}

	help := func(_ context.Context, _, subcommand string) (string, error) {
		return helpText[subcommand], nil
	}

	caps := engine.ProbeCapabilities(context.Background(), "colmap", help, nil)

	if !caps.ExtractorGPU || !caps.MatcherGPU || !caps.GuidedMatching || !caps.ExtendedFeatures || !caps.GeomConsistency {
		t.Errorf("expected all capabilities detected, got %+v", caps)
	}
}

func TestProbeCapabilitiesOldEngine(t *testing.T) {
	// An engine without the optional flags yields an empty capability set
	help := func(_ context.Context, _, _ string) (string, error) {
		return "Options:\n  --database_path arg", nil
	}

	caps := engine.ProbeCapabilities(context.Background(), "colmap", help, nil)
	if caps != (engine.Capabilities{}) {
		t.Errorf("expected no capabilities, got %+v", caps)
	}
}

func TestProbeCapabilitiesPartialSupport(t *testing.T) {
	help := func(_ context.Context, _, subcommand string) (string, error) {
		if subcommand == "feature_extractor" {
			// Affine shape without size pooling is not enough for the
			// extended feature set.
			return "--SiftExtraction.use_gpu\n--SiftExtraction.estimate_affine_shape", nil
		}
		return "", errors.New("unknown command")
	}

	caps := engine.ProbeCapabilities(context.Background(), "colmap", help, nil)
	if !caps.ExtractorGPU {
		t.Error("expected extractor gpu support")
	}
	if caps.ExtendedFeatures {
		t.Error("extended features require both flags")
	}
	if caps.MatcherGPU || caps.GeomConsistency {
		t.Errorf("failed probes must leave capabilities off, got %+v", caps)
	}
}

func TestVerifyMissingBinary(t *testing.T) {
	if err := engine.Verify(context.Background(), "/nonexistent/engine"); err == nil {
		t.Error("expected error for missing engine binary")
	}
}
