package stages

import (
	"context"
	"fmt"

	ledgersvc "github.com/ahrav/harvest-armada/internal/app/ledger"
	"github.com/ahrav/harvest-armada/internal/domain/ledger"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
)

const infoAlreadyProcessed = "Record unchanged since the last successful run"

// IncrementalFilter drops records an earlier run already processed.
type IncrementalFilter struct {
	name        string
	out         pipeline.Channel
	categorizer *ledgersvc.Categorizer
}

// NewIncrementalFilter builds an incremental filter for spec.
func NewIncrementalFilter(spec pipeline.StageSpec, categorizer *ledgersvc.Categorizer) (*IncrementalFilter, error) {
	out, err := outputOf(spec)
	if err != nil {
		return nil, err
	}
	return &IncrementalFilter{name: spec.Name, out: out, categorizer: categorizer}, nil
}

func (s *IncrementalFilter) Name() string { return s.name }

func (s *IncrementalFilter) Process(ctx context.Context, rec pipeline.Record) (pipeline.Result, error) {
	var res pipeline.Result
	def, err := definitionOf(ctx)
	if err != nil {
		return res, err
	}

	decision, err := s.categorizer.Categorize(ctx, def, rec.RecordID, rec.LastModified)
	if err != nil {
		return res, redeliverOnInterrupt(err)
	}

	switch decision.Category {
	case ledger.CategoryAlreadyProcessed:
		evt := rec.Notify(s.name, task.OutcomeSuccess, infoAlreadyProcessed)
		evt.Ignored = true
		res.Notify(evt)
	case ledger.CategoryStaleMetadata:
		rec.Revision = def.OutputRevision()
		rec.LastModified = decision.StoredLastModified
		res.Emit(s.out, rec)
	case ledger.CategoryEligible:
		res.Emit(s.out, rec)
	default:
		return res, fmt.Errorf("unknown ledger category %q", decision.Category)
	}
	return res, nil
}
