// Package ledger models the per-record processing log used to decide whether
// an incoming record needs processing during incremental re-harvesting.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ahrav/harvest-armada/internal/domain/task"
)

// ErrEntryNotFound is returned when no entry exists for a record.
var ErrEntryNotFound = errors.New("ledger entry not found")

// Category is the processing decision for one record.
type Category string

const (
	// CategoryEligible means the record must be processed.
	CategoryEligible Category = "ELIGIBLE_FOR_PROCESSING"

	// CategoryAlreadyProcessed means a prior run processed the unchanged
	// record; only a lightweight notification is emitted.
	CategoryAlreadyProcessed Category = "ALREADY_PROCESSED"

	// CategoryStaleMetadata means the record is unchanged but was processed
	// under a different output revision; it is processed again with the
	// corrected revision metadata attached.
	CategoryStaleMetadata Category = "ELIGIBLE_BUT_STALE_METADATA"
)

// Entry records that a record of a dataset reached an outcome in some run.
type Entry struct {
	DatasetID string
	RecordID  string
	TaskID    task.ID
	Topology  string
	Outcome   task.Outcome
	Detail    string
	Revision  string

	// LastModified is the source timestamp of the record version processed.
	LastModified time.Time

	// RunAt is the harvest-run start time of the writing task. Writes only
	// replace an entry written by an older run.
	RunAt time.Time
}

// IsTerminalSuccess reports whether the entry allows skipping the record.
func (e Entry) IsTerminalSuccess() bool {
	return e.Outcome == task.OutcomeSuccess || e.Outcome == task.OutcomeWarning
}

// Decision is the categorizer's verdict for one record.
type Decision struct {
	Category Category

	// StoredLastModified is the ledger timestamp when an entry was consulted.
	StoredLastModified *time.Time

	// Revision is the revision the record should carry downstream when the
	// category is CategoryStaleMetadata.
	Revision string
}

// Repository is the durable processing ledger.
type Repository interface {
	// Get returns the entry for (datasetID, recordID) or ErrEntryNotFound.
	Get(ctx context.Context, datasetID, recordID string) (Entry, error)

	// Put writes e unless the stored entry has a RunAt at or after e.RunAt.
	// It reports whether the write happened.
	Put(ctx context.Context, e Entry) (bool, error)

	// DeleteByTask removes entries written by taskID and returns how many.
	DeleteByTask(ctx context.Context, taskID task.ID) (int64, error)
}
