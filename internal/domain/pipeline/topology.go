package pipeline

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidTopology wraps topology validation failures.
var ErrInvalidTopology = errors.New("invalid topology")

// StageSpec declares one stage of a topology.
type StageSpec struct {
	Name    string            `yaml:"name" validate:"required"`
	Kind    string            `yaml:"kind" validate:"required"`
	Inputs  []Channel         `yaml:"inputs" validate:"min=1,dive,required"`
	Outputs []Channel         `yaml:"outputs" validate:"dive,required"`
	Workers int               `yaml:"workers" validate:"gte=0"`
	Options map[string]string `yaml:"options"`
}

// Topology is a named directed pipeline of stages connected by channels.
type Topology struct {
	Name string `yaml:"name" validate:"required"`

	// EntryChannels receive work units enqueued for new tasks.
	EntryChannels []Channel   `yaml:"entry_channels" validate:"min=1,dive,required"`
	Stages        []StageSpec `yaml:"stages" validate:"min=1,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural constraints: unique stage names, and every
// input channel fed either by an entry channel or by another stage.
func (t Topology) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}

	produced := make(map[Channel]struct{})
	for _, c := range t.EntryChannels {
		produced[c] = struct{}{}
	}
	names := make(map[string]struct{}, len(t.Stages))
	for _, s := range t.Stages {
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidTopology, s.Name)
		}
		names[s.Name] = struct{}{}
		for _, c := range s.Outputs {
			produced[c] = struct{}{}
		}
	}
	for _, s := range t.Stages {
		for _, c := range s.Inputs {
			if _, ok := produced[c]; !ok {
				return fmt.Errorf("%w: stage %q reads channel %q that nothing produces", ErrInvalidTopology, s.Name, c)
			}
		}
	}
	return nil
}

// IsEntry reports whether c is an entry channel.
func (t Topology) IsEntry(c Channel) bool { return slices.Contains(t.EntryChannels, c) }

// Stage looks up a stage spec by name.
func (t Topology) Stage(name string) (StageSpec, bool) {
	for _, s := range t.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageSpec{}, false
}

// Declares reports whether s may publish on c.
func (s StageSpec) Declares(c Channel) bool { return slices.Contains(s.Outputs, c) }
