package stages

import (
	"context"
	"fmt"
	"strings"

	ledgersvc "github.com/ahrav/harvest-armada/internal/app/ledger"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
)

const detailDeleted = "deleted"

// LedgerCommit is the terminal stage of a harvest: it records the record's
// success in the processing ledger and reports it.
type LedgerCommit struct {
	name        string
	categorizer *ledgersvc.Categorizer
}

// NewLedgerCommit builds a ledger commit stage for spec.
func NewLedgerCommit(spec pipeline.StageSpec, categorizer *ledgersvc.Categorizer) (*LedgerCommit, error) {
	return &LedgerCommit{name: spec.Name, categorizer: categorizer}, nil
}

func (s *LedgerCommit) Name() string { return s.name }

func (s *LedgerCommit) Process(ctx context.Context, rec pipeline.Record) (pipeline.Result, error) {
	var res pipeline.Result
	def, err := definitionOf(ctx)
	if err != nil {
		return res, err
	}

	var detail string
	if rec.Deleted {
		detail = detailDeleted
	}
	if _, err := s.categorizer.WriteBack(ctx, def, rec.RecordID, rec.LastModified, task.OutcomeSuccess, detail); err != nil {
		return res, redeliverOnInterrupt(err)
	}

	evt := rec.Notify(s.name, task.OutcomeSuccess, "")
	if dst := def.Routing().ResultDestination; dst != "" {
		evt.ResultResource = fmt.Sprintf("%s/%s", strings.TrimSuffix(dst, "/"), rec.RecordID)
	}
	res.Notify(evt)
	return res, nil
}
