package config

import (
	"context"

	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
)

// TopologyLoader provides topology loading capabilities. It abstracts the
// source of topology descriptions so files, embedded defaults or a remote
// registry can back a worker.
type TopologyLoader interface {
	// Load retrieves, parses and validates the topology.
	Load(ctx context.Context) (pipeline.Topology, error)
}
