// Package config provides configuration loading and management for the
// connectivity pipeline. It handles loading configuration from YAML
// files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

// Config represents the pipeline configuration loaded from YAML.
type Config struct {
	// Reference describes the common voxel grid that all session images
	// must share.
	Reference struct {
		// Dims is the grid size as [nx, ny, nz].
		Dims [3]int `yaml:"dims"`

		// SpacingMM is the voxel spacing in mm along each axis.
		SpacingMM [3]float64 `yaml:"spacingMM"`

		// OriginMM is the world position of voxel (0,0,0).
		OriginMM [3]float64 `yaml:"originMM"`

		// HeaderTemplate is a NIFTI image whose header is copied onto
		// every volume the pipeline writes.
		HeaderTemplate string `yaml:"headerTemplate"`
	} `yaml:"reference"`

	// Masks holds the white-matter and cortical mask parameters.
	Masks struct {
		// FAThreshold marks voxels as white matter candidates at or
		// above this fractional anisotropy.
		FAThreshold float64 `yaml:"faThreshold"`

		// DilationRadius is the structuring-element radius (voxels) for
		// the FA-based mask additions.
		DilationRadius int `yaml:"dilationRadius"`

		// MinClusterVoxelsFA removes connected FA components smaller
		// than this before mask editing.
		MinClusterVoxelsFA int `yaml:"minClusterVoxelsFA"`

		// MinClusterVoxelsFinal removes connected components smaller
		// than this from the final white-matter mask.
		MinClusterVoxelsFinal int `yaml:"minClusterVoxelsFinal"`
	} `yaml:"masks"`

	// Tracking holds the tractography and streamline filter parameters.
	Tracking struct {
		// SeedFAThreshold is the minimum FA for seeding and continuing
		// streamlines.
		SeedFAThreshold float64 `yaml:"seedFAThreshold"`

		// SeedSpacingMM is the seed grid spacing in mm.
		SeedSpacingMM float64 `yaml:"seedSpacingMM"`

		// CurvatureThresholdDeg terminates streamlines turning more
		// than this per step.
		CurvatureThresholdDeg float64 `yaml:"curvatureThresholdDeg"`

		// MinLengthMM discards streamlines shorter than this after
		// truncation at the exclusion region.
		MinLengthMM float64 `yaml:"minLengthMM"`
	} `yaml:"tracking"`

	// Connectivity holds the matrix aggregation parameters.
	Connectivity struct {
		// CountLongestPath selects the longest-intervening-path
		// endpoint policy for streamlines touching more than two nodes.
		CountLongestPath bool `yaml:"countLongestPath"`

		// IncludeSelfLoops counts same-node streamlines on the matrix
		// diagonal.
		IncludeSelfLoops bool `yaml:"includeSelfLoops"`

		// Scalars names the scalar volumes (fa, md, ad, rd) to
		// aggregate as per-edge medians.
		Scalars []string `yaml:"scalars"`
	} `yaml:"connectivity"`

	// Output parameters.
	Output struct {
		// NumCores specifies how many CPU cores to use when processing
		// sessions in parallel.
		NumCores int `yaml:"numCores"`

		// SaveIntermediates writes intermediate masks and node images
		// alongside the final outputs.
		SaveIntermediates bool `yaml:"saveIntermediates"`

		// ResultsDB is the path of the sqlite run database. Empty
		// disables run recording.
		ResultsDB string `yaml:"resultsDB"`

		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// MNI-style 1mm grid unless the study overrides it.
	cfg.Reference.Dims = [3]int{182, 218, 182}
	cfg.Reference.SpacingMM = [3]float64{1, 1, 1}

	cfg.Masks.FAThreshold = 0.25
	cfg.Masks.DilationRadius = 2
	cfg.Masks.MinClusterVoxelsFA = 10000
	cfg.Masks.MinClusterVoxelsFinal = 20000

	cfg.Tracking.SeedFAThreshold = 0.2
	cfg.Tracking.SeedSpacingMM = 1.0
	cfg.Tracking.CurvatureThresholdDeg = 90
	cfg.Tracking.MinLengthMM = 10

	cfg.Connectivity.Scalars = []string{"fa"}

	cfg.Output.NumCores = runtime.NumCPU()
	cfg.Output.Verbose = true

	return cfg
}

// Geometry returns the reference grid as a volume geometry.
func (c *Config) Geometry() volume.Geometry {
	g := volume.NewGeometry(c.Reference.Dims[0], c.Reference.Dims[1], c.Reference.Dims[2], c.Reference.SpacingMM)
	g.Origin = c.Reference.OriginMM
	return g
}

// Validate rejects configurations no pipeline stage could run with.
func (c *Config) Validate() error {
	for i, d := range c.Reference.Dims {
		if d <= 0 {
			return fmt.Errorf("%w: reference dim %d is %d", volume.ErrConfiguration, i, d)
		}
	}
	for i, s := range c.Reference.SpacingMM {
		if s <= 0 {
			return fmt.Errorf("%w: reference spacing %d is %f", volume.ErrConfiguration, i, s)
		}
	}
	if c.Masks.FAThreshold <= 0 || c.Masks.FAThreshold >= 1 {
		return fmt.Errorf("%w: FA threshold %f outside (0,1)", volume.ErrConfiguration, c.Masks.FAThreshold)
	}
	if c.Masks.DilationRadius < 1 {
		return fmt.Errorf("%w: dilation radius %d", volume.ErrConfiguration, c.Masks.DilationRadius)
	}
	if c.Tracking.SeedFAThreshold <= 0 || c.Tracking.SeedFAThreshold >= 1 {
		return fmt.Errorf("%w: seed FA threshold %f outside (0,1)", volume.ErrConfiguration, c.Tracking.SeedFAThreshold)
	}
	if c.Tracking.SeedSpacingMM <= 0 {
		return fmt.Errorf("%w: seed spacing %f", volume.ErrConfiguration, c.Tracking.SeedSpacingMM)
	}
	if c.Tracking.CurvatureThresholdDeg <= 0 || c.Tracking.CurvatureThresholdDeg > 180 {
		return fmt.Errorf("%w: curvature threshold %f outside (0,180]", volume.ErrConfiguration, c.Tracking.CurvatureThresholdDeg)
	}
	if c.Tracking.MinLengthMM <= 0 {
		return fmt.Errorf("%w: minimum streamline length %f", volume.ErrConfiguration, c.Tracking.MinLengthMM)
	}
	if c.Output.NumCores < 1 {
		return fmt.Errorf("%w: numCores %d", volume.ErrConfiguration, c.Output.NumCores)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
