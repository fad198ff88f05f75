package fileloader

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/harvest-armada/internal/config"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
)

var _ config.TopologyLoader = (*FileLoader)(nil)

// FileLoader loads a topology from a YAML file on disk.
type FileLoader struct {
	// path is the filesystem path to the topology file.
	path string
}

// NewFileLoader creates a FileLoader reading path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads, parses and validates the topology file. Unknown fields are
// rejected so a typo in a stage definition fails fast.
func (l *FileLoader) Load(ctx context.Context) (pipeline.Topology, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Topology{}, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return pipeline.Topology{}, fmt.Errorf("failed to read topology file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML topology document.
func Parse(data []byte) (pipeline.Topology, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t pipeline.Topology
	if err := dec.Decode(&t); err != nil {
		return pipeline.Topology{}, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return pipeline.Topology{}, err
	}
	return t, nil
}
