package stages

import (
	"context"

	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
)

// optionNotify makes a passthrough stage report SUCCESS for every record.
const optionNotify = "notify"

// Passthrough forwards every record to all of its outputs.
type Passthrough struct {
	name    string
	outputs []pipeline.Channel
	notify  bool
}

// NewPassthrough builds a passthrough stage for spec.
func NewPassthrough(spec pipeline.StageSpec) (*Passthrough, error) {
	notify, err := boolOption(spec, optionNotify)
	if err != nil {
		return nil, err
	}
	return &Passthrough{name: spec.Name, outputs: spec.Outputs, notify: notify}, nil
}

func (s *Passthrough) Name() string { return s.name }

func (s *Passthrough) Process(_ context.Context, rec pipeline.Record) (pipeline.Result, error) {
	var res pipeline.Result
	for _, ch := range s.outputs {
		res.Emit(ch, rec)
	}
	if s.notify {
		res.Notify(rec.Notify(s.name, task.OutcomeSuccess, ""))
	}
	return res, nil
}
