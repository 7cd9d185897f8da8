package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/validation"
)

// MetadataFile is the name of the metadata file inside an artifact directory.
const MetadataFile = "model.yaml"

// FormatVersion is the artifact format this package reads and writes.
const FormatVersion = "1"

// Metadata is the contents of model.yaml.
type Metadata struct {
	Version string      `yaml:"version" validate:"required"`
	Hash    string      `yaml:"hash" validate:"required,hexadecimal,len=64"`
	Width   int         `yaml:"width" validate:"gte=1,lte=4096"`
	Species []string    `yaml:"species" validate:"required,min=1,unique,dive,required"`
	Layers  []LayerMeta `yaml:"layers" validate:"required,min=1,dive"`
}

// LayerMeta names one layer's file and cutoff.
type LayerMeta struct {
	File   string  `yaml:"file" validate:"required"`
	Cutoff float64 `yaml:"cutoff" validate:"gt=0"`
}

// Validate checks struct tags and the ordering rules tags cannot express.
func (md *Metadata) Validate() error {
	if err := validation.Struct(md); err != nil {
		return err
	}
	v := validation.NewConfigValidator("Metadata")
	v.OneOf("Version", md.Version, []string{FormatVersion}).
		Sorted("Species", md.Species)
	for k, l := range md.Layers {
		v.PositiveFloat(fmt.Sprintf("Layers[%d].Cutoff", k), l.Cutoff)
	}
	return v.Validate()
}

// ReadMetadata parses and validates a model.yaml file.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.New(fault.KindConfiguration, "read model metadata").Cause(err).Err()
	}
	var md Metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, fault.New(fault.KindConfiguration, "parse model metadata").Causef("%s: %w", path, err).Err()
	}
	if err := md.Validate(); err != nil {
		return nil, fault.New(fault.KindConfiguration, "validate model metadata").Causef("%s: %w", path, err).Err()
	}
	return &md, nil
}

func writeMetadata(path string, md *Metadata) error {
	data, err := yaml.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
