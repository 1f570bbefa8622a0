// Package config handles configuration loading and management
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshforge/meshforge/pkg/types"
)

// Config is the top-level meshforge configuration
type Config struct {
	Version       string                `json:"version" yaml:"version"`
	OutputDir     string                `json:"outputDir" yaml:"outputDir"`
	EngineBinary  string                `json:"engineBinary" yaml:"engineBinary"`
	LogLevel      string                `json:"logLevel" yaml:"logLevel"`
	LogFile       string                `json:"logFile,omitempty" yaml:"logFile"`
	Notifications bool                  `json:"notifications" yaml:"notifications"`
	Defaults      types.PipelineOptions `json:"defaults" yaml:"defaults"`
	StageTimeouts TimeoutsConfig        `json:"stageTimeouts" yaml:"stageTimeouts"`
}

// TimeoutsConfig holds per-stage timeout budgets as duration strings
// (for example "10m" or "45m"). Empty fields fall back to defaults.
type TimeoutsConfig struct {
	FeatureExtraction string `json:"featureExtraction,omitempty" yaml:"featureExtraction"`
	FeatureMatching   string `json:"featureMatching,omitempty" yaml:"featureMatching"`
	Mapping           string `json:"mapping,omitempty" yaml:"mapping"`
	ModelConversion   string `json:"modelConversion,omitempty" yaml:"modelConversion"`
	Undistortion      string `json:"undistortion,omitempty" yaml:"undistortion"`
	StereoMatching    string `json:"stereoMatching,omitempty" yaml:"stereoMatching"`
	StereoFusion      string `json:"stereoFusion,omitempty" yaml:"stereoFusion"`
	Meshing           string `json:"meshing,omitempty" yaml:"meshing"`
}

// DefaultConfig returns a usable baseline configuration
func DefaultConfig() *Config {
	return &Config{
		Version:      "1.0",
		OutputDir:    "output",
		EngineBinary: "colmap",
		LogLevel:     "info",
		Defaults:     types.DefaultPipelineOptions(),
	}
}

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// LoadConfig loads configuration from a file, trying JSON first and
// then YAML.
func (m *Manager) LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	if err := json.Unmarshal(data, cfg); err == nil {
		return cfg, m.ValidateConfig(cfg)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config as JSON or YAML: %w", err)
	}
	return cfg, m.ValidateConfig(cfg)
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(cfg *Config) error {
	if cfg.Version != "1.0" {
		return fmt.Errorf("unsupported config version: %s", cfg.Version)
	}
	if cfg.OutputDir == "" {
		return fmt.Errorf("output directory must be set")
	}
	if cfg.EngineBinary == "" {
		return fmt.Errorf("engine binary must be set")
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return fmt.Errorf("invalid default options: %w", err)
	}
	if _, err := cfg.StageTimeouts.Resolve(); err != nil {
		return err
	}
	return nil
}

// Resolve converts duration strings into stage timeout budgets,
// falling back to the defaults for empty fields.
func (tc TimeoutsConfig) Resolve() (types.StageTimeouts, error) {
	out := types.DefaultStageTimeouts()

	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"featureExtraction", tc.FeatureExtraction, &out.FeatureExtraction},
		{"featureMatching", tc.FeatureMatching, &out.FeatureMatching},
		{"mapping", tc.Mapping, &out.Mapping},
		{"modelConversion", tc.ModelConversion, &out.ModelConversion},
		{"undistortion", tc.Undistortion, &out.Undistortion},
		{"stereoMatching", tc.StereoMatching, &out.StereoMatching},
		{"stereoFusion", tc.StereoFusion, &out.StereoFusion},
		{"meshing", tc.Meshing, &out.Meshing},
	}

	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return out, fmt.Errorf("invalid %s timeout %q: %w", f.name, f.value, err)
		}
		if d <= 0 {
			return out, fmt.Errorf("%s timeout must be positive, got %s", f.name, f.value)
		}
		*f.dst = d
	}

	return out, nil
}
