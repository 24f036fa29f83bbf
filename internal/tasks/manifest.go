package tasks

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is a list of task specs run in order of submission
type Manifest struct {
	Tasks []Spec `yaml:"tasks"`
}

// LoadManifest reads a manifest file. The file is either a YAML list of
// specs or a mapping with a `tasks` list.
func LoadManifest(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	specs, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return specs, nil
}

// ParseManifest decodes manifest data and checks every spec builds
func ParseManifest(data []byte) ([]Spec, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, errors.New("manifest is empty")
	}

	var specs []Spec
	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		if err := decodeStrict(data, &specs); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		var manifest Manifest
		if err := decodeStrict(data, &manifest); err != nil {
			return nil, err
		}
		specs = manifest.Tasks
	default:
		return nil, errors.New("manifest must be a list of tasks or a mapping with a tasks list")
	}

	if len(specs) == 0 {
		return nil, errors.New("manifest has no tasks")
	}
	for i, spec := range specs {
		if spec.Kind == "" {
			return nil, fmt.Errorf("task %d: kind is required", i)
		}
		if spec.Repeat < 0 {
			return nil, fmt.Errorf("task %d: repeat cannot be negative", i)
		}
		if _, err := Build(spec); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}
	return specs, nil
}

func decodeStrict(data []byte, out any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode manifest: %w", err)
	}
	return nil
}
