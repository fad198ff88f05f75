package orchestrator

import (
	"fmt"
	"sync"

	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
)

// StageConstructor builds a stage for one stage spec.
type StageConstructor func(spec pipeline.StageSpec) (pipeline.Stage, error)

// StageFactory maps stage kinds to constructors.
type StageFactory struct {
	mu    sync.RWMutex
	kinds map[string]StageConstructor
}

// NewStageFactory creates an empty factory.
func NewStageFactory() *StageFactory {
	return &StageFactory{kinds: make(map[string]StageConstructor)}
}

// Register binds kind to ctor, replacing any previous binding.
func (f *StageFactory) Register(kind string, ctor StageConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds[kind] = ctor
}

// RegisterStage binds kind to an existing stage instance.
func (f *StageFactory) RegisterStage(kind string, stage pipeline.Stage) {
	f.Register(kind, func(pipeline.StageSpec) (pipeline.Stage, error) { return stage, nil })
}

// Build creates the stage for spec.
func (f *StageFactory) Build(spec pipeline.StageSpec) (pipeline.Stage, error) {
	f.mu.RLock()
	ctor, ok := f.kinds[spec.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stage %q: unknown stage kind %q", spec.Name, spec.Kind)
	}

	stage, err := ctor(spec)
	if err != nil {
		return nil, fmt.Errorf("stage %q: failed to build %s stage: %w", spec.Name, spec.Kind, err)
	}
	return stage, nil
}
