// Package ledger decides per record whether an incremental harvest must
// process it, and records outcomes so later runs can skip unchanged records.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvest-armada/internal/app/retry"
	"github.com/ahrav/harvest-armada/internal/domain/ledger"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
)

// Categorizer reads and writes the processing ledger on behalf of stages.
type Categorizer struct {
	entries ledger.Repository
	retry   *retry.Executor

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCategorizer creates a Categorizer over entries.
func NewCategorizer(entries ledger.Repository, exec *retry.Executor, log *logger.Logger, tracer trace.Tracer) *Categorizer {
	return &Categorizer{
		entries: entries,
		retry:   exec,
		logger:  log.With("component", "ledger_categorizer"),
		tracer:  tracer,
	}
}

// Categorize returns the processing decision for recordID of def, whose
// source reports lastModified (nil when missing or unparseable).
//
// Non-incremental tasks and records without a timestamp are always eligible.
// Otherwise a record is skipped only if the ledger holds a successful entry
// whose timestamp is not older than the record's.
func (c *Categorizer) Categorize(
	ctx context.Context,
	def *task.Definition,
	recordID string,
	lastModified *time.Time,
) (ledger.Decision, error) {
	eligible := ledger.Decision{Category: ledger.CategoryEligible}
	if !def.Harvest().Incremental || lastModified == nil {
		return eligible, nil
	}

	ctx, span := c.tracer.Start(ctx, "ledger.categorize",
		trace.WithAttributes(
			attribute.Int64("task_id", int64(def.ID())),
			attribute.String("record_id", recordID),
		))
	defer span.End()

	datasetID := def.Harvest().DatasetID
	entry, err := retry.Do(ctx, c.retry, "ledger.get", func(ctx context.Context) (ledger.Entry, error) {
		e, err := c.entries.Get(ctx, datasetID, recordID)
		if errors.Is(err, ledger.ErrEntryNotFound) {
			return ledger.Entry{}, retry.Permanent(err)
		}
		return e, err
	})
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return eligible, nil
	}
	if err != nil {
		span.RecordError(err)
		return ledger.Decision{}, fmt.Errorf("failed to read ledger entry %s/%s: %w", datasetID, recordID, err)
	}

	if !entry.IsTerminalSuccess() || entry.LastModified.Before(*lastModified) {
		return eligible, nil
	}

	stored := entry.LastModified
	decision := ledger.Decision{Category: ledger.CategoryAlreadyProcessed, StoredLastModified: &stored}

	current := def.OutputRevision().Key()
	if entry.Revision != "" && current != "" && entry.Revision != current {
		decision.Category = ledger.CategoryStaleMetadata
		decision.Revision = current
	}
	span.SetAttributes(attribute.String("category", string(decision.Category)))
	return decision, nil
}

// WriteBack records that recordID of def reached outcome. It reports whether
// the entry was written; a write carrying an older run timestamp than the
// stored entry is discarded.
func (c *Categorizer) WriteBack(
	ctx context.Context,
	def *task.Definition,
	recordID string,
	lastModified *time.Time,
	outcome task.Outcome,
	detail string,
) (bool, error) {
	datasetID := def.Harvest().DatasetID
	if datasetID == "" || lastModified == nil {
		return false, nil
	}

	entry := ledger.Entry{
		DatasetID:    datasetID,
		RecordID:     recordID,
		TaskID:       def.ID(),
		Topology:     def.Topology(),
		Outcome:      outcome,
		Detail:       detail,
		Revision:     def.OutputRevision().Key(),
		LastModified: lastModified.UTC(),
		RunAt:        def.RunAt().UTC(),
	}

	written, err := retry.Do(ctx, c.retry, "ledger.put", func(ctx context.Context) (bool, error) {
		return c.entries.Put(ctx, entry)
	})
	if err != nil {
		return false, fmt.Errorf("failed to write ledger entry %s/%s: %w", datasetID, recordID, err)
	}
	if !written {
		c.logger.Debug(ctx, "ledger entry from a newer run kept",
			"dataset_id", datasetID,
			"record_id", recordID,
			"task_id", def.ID(),
		)
	}
	return written, nil
}
