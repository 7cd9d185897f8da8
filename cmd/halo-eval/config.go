package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/gnn-halo/pkg/artifact"
	"github.com/dd0wney/gnn-halo/pkg/cluster"
	"github.com/dd0wney/gnn-halo/pkg/validation"
)

// RunConfig is the halo-eval configuration file.
type RunConfig struct {
	// exactly one model source: a directory, explicit files, or S3.
	ModelDir      string           `yaml:"model_dir"`
	ModelMetadata string           `yaml:"model_metadata"`
	ModelFiles    []string         `yaml:"model_files"`
	S3            *artifact.Source `yaml:"s3"`

	// Species names the host species, by host species index.
	Species []string `yaml:"species" validate:"required,min=1,dive,required"`

	// Segments defaults to the model's layer count when unset.
	Segments        int                 `yaml:"segments" validate:"omitempty,min=1"`
	ForceHostStaged bool                `yaml:"force_host_staged"`
	World           cluster.WorldConfig `yaml:"world"`

	// LogLevel overrides GNNHALO_LOG_LEVEL; info when neither is set.
	LogLevel    string       `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	MetricsAddr string       `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	System      SystemConfig `yaml:"system"`
}

// SystemConfig describes the demo system the reference host simulates.
type SystemConfig struct {
	BoxLength   float64 `yaml:"box_length" validate:"gt=0"`
	Atoms       int     `yaml:"atoms" validate:"min=1"`
	Seed        int64   `yaml:"seed"`
	MinDistance float64 `yaml:"min_distance" validate:"gt=0"`
	Steps       int     `yaml:"steps" validate:"min=1"`
	// Jitter is the largest per-step random displacement per coordinate.
	Jitter float64 `yaml:"jitter" validate:"gte=0"`
}

// DefaultRunConfig returns defaults for everything but the model source
// and species.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		World: cluster.DefaultWorldConfig(2),
		System: SystemConfig{
			BoxLength:   12,
			Atoms:       96,
			Seed:        1,
			MinDistance: 1.0,
			Steps:       3,
			Jitter:      0.02,
		},
	}
}

// LoadRunConfig reads a YAML config over the defaults. Unknown keys are
// rejected.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := DefaultRunConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.World.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if configuration is valid.
func (c *RunConfig) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}
	v := validation.NewConfigValidator("RunConfig")
	v.Unique("species", c.Species)
	v.Custom("model", func() error {
		sources := 0
		for _, set := range []bool{c.ModelDir != "", len(c.ModelFiles) > 0, c.S3 != nil} {
			if set {
				sources++
			}
		}
		if sources != 1 {
			return errors.New("exactly one of model_dir, model_files or s3 must be set")
		}
		return nil
	})
	v.When(len(c.ModelFiles) > 0, func(v *validation.ConfigValidator) {
		v.Required("model_metadata", c.ModelMetadata)
		if c.Segments > 0 {
			v.LenEqual("model_files", len(c.ModelFiles), c.Segments)
		}
	})
	if c.S3 != nil {
		v.Custom("s3", c.S3.Validate)
	}
	v.Custom("world", c.World.Validate)
	return v.Validate()
}
