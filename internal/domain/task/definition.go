package task

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// ID identifies a task. Zero means "let the registry assign one".
type ID int64

// String returns the decimal form of the id, used as partition and cache key.
func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseID parses the decimal form produced by String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse task id %q: %w", s, err)
	}
	return ID(v), nil
}

// UnknownCount marks an expected-record count that has not been resolved yet.
const UnknownCount int64 = -1

// Revision tags the output a task produces so later runs can tell which
// metadata generation a record belongs to.
type Revision struct {
	Name      string    `json:"name" yaml:"name"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Key renders the revision as a single comparable string. The zero
// revision renders as "".
func (r Revision) Key() string {
	if r.Name == "" && r.Timestamp.IsZero() {
		return ""
	}
	return r.Name + "@" + r.Timestamp.UTC().Format(time.RFC3339)
}

// HarvestDetails carries the harvesting options of a task.
type HarvestDetails struct {
	// Incremental requests ledger based skipping of unchanged records.
	Incremental bool `json:"incremental" yaml:"incremental"`

	// DatasetID groups runs of the same logical dataset in the ledger.
	DatasetID string     `json:"dataset_id" yaml:"dataset_id" validate:"required_if=Incremental true"`
	From      *time.Time `json:"from,omitempty" yaml:"from,omitempty"`
	Until     *time.Time `json:"until,omitempty" yaml:"until,omitempty"`

	// Metadata holds source specific options (metadata prefix, set spec, ...).
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Routing describes where a task's results go.
type Routing struct {
	// OutputChannel is the entry channel work units are enqueued on.
	OutputChannel string `json:"output_channel" yaml:"output_channel" validate:"required"`

	// ResultDestination is an opaque location handed to storing stages.
	ResultDestination string `json:"result_destination,omitempty" yaml:"result_destination,omitempty"`
}

// DefinitionSpec is the mutable input form of a Definition, as submitted by
// callers and as carried on the wire.
type DefinitionSpec struct {
	ID             ID                `json:"id,omitempty" yaml:"id,omitempty" validate:"gte=0"`
	Name           string            `json:"name" yaml:"name" validate:"required,max=256"`
	Topology       string            `json:"topology" yaml:"topology" validate:"required"`
	Parameters     map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Harvest        HarvestDetails    `json:"harvest" yaml:"harvest"`
	ExpectedCount  int64             `json:"expected_count" yaml:"expected_count" validate:"gte=-1"`
	OutputRevision Revision          `json:"output_revision" yaml:"output_revision"`
	Routing        Routing           `json:"routing" yaml:"routing"`

	// PostProcessing enables the second aggregation phase.
	PostProcessing bool `json:"post_processing,omitempty" yaml:"post_processing,omitempty"`

	// DeferCountResolution postpones expected-count resolution to Start.
	DeferCountResolution bool `json:"defer_count_resolution,omitempty" yaml:"defer_count_resolution,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidDefinition wraps validation failures of a submitted definition.
var ErrInvalidDefinition = errors.New("invalid task definition")

// Validate checks the struct constraints of a DefinitionSpec.
func (s DefinitionSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return nil
}

// Definition is the immutable description of a task. It is created at
// submission and shared by reference with every stage.
type Definition struct {
	id             ID
	name           string
	topology       string
	parameters     map[string]string
	harvest        HarvestDetails
	expectedCount  int64
	outputRevision Revision
	routing        Routing
	postProcessing bool
	deferCount     bool
	submittedAt    time.Time
}

// NewDefinition validates spec and freezes it into a Definition.
func NewDefinition(spec DefinitionSpec, submittedAt time.Time) (*Definition, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return ReconstructDefinition(spec, submittedAt), nil
}

// ReconstructDefinition rebuilds a Definition from persisted state without
// re-validating it.
func ReconstructDefinition(spec DefinitionSpec, submittedAt time.Time) *Definition {
	h := spec.Harvest
	h.Metadata = maps.Clone(h.Metadata)
	return &Definition{
		id:             spec.ID,
		name:           spec.Name,
		topology:       spec.Topology,
		parameters:     maps.Clone(spec.Parameters),
		harvest:        h,
		expectedCount:  spec.ExpectedCount,
		outputRevision: spec.OutputRevision,
		routing:        spec.Routing,
		postProcessing: spec.PostProcessing,
		deferCount:     spec.DeferCountResolution,
		submittedAt:    submittedAt,
	}
}

// WithID returns a copy of d carrying the assigned id. Used once, when the
// registry assigns an id at submission.
func (d *Definition) WithID(id ID) *Definition {
	c := *d
	c.id = id
	return &c
}

// WithExpectedCount returns a copy of d with a resolved expected count.
func (d *Definition) WithExpectedCount(n int64) *Definition {
	c := *d
	c.expectedCount = n
	return &c
}

func (d *Definition) ID() ID {
	return d.id
}

func (d *Definition) Name() string {
	return d.name
}

func (d *Definition) Topology() string {
	return d.topology
}

func (d *Definition) Harvest() HarvestDetails {
	return d.harvest
}

func (d *Definition) ExpectedCount() int64 {
	return d.expectedCount
}

func (d *Definition) OutputRevision() Revision {
	return d.outputRevision
}

func (d *Definition) Routing() Routing {
	return d.routing
}

func (d *Definition) PostProcessing() bool {
	return d.postProcessing
}

func (d *Definition) DefersCountResolution() bool {
	return d.deferCount
}

func (d *Definition) SubmittedAt() time.Time {
	return d.submittedAt
}

// RunAt is the harvest-run timestamp used to order ledger writes: the output
// revision timestamp when set, otherwise the submission time.
func (d *Definition) RunAt() time.Time {
	if !d.outputRevision.Timestamp.IsZero() {
		return d.outputRevision.Timestamp
	}
	return d.submittedAt
}

func (d *Definition) Parameter(key string) string {
	return d.parameters[key]
}

func (d *Definition) Parameters() map[string]string {
	return maps.Clone(d.parameters)
}

// Spec exports the definition in its wire/storage form.
func (d *Definition) Spec() DefinitionSpec {
	h := d.harvest
	h.Metadata = maps.Clone(h.Metadata)
	return DefinitionSpec{
		ID:                   d.id,
		Name:                 d.name,
		Topology:             d.topology,
		Parameters:           maps.Clone(d.parameters),
		Harvest:              h,
		ExpectedCount:        d.expectedCount,
		OutputRevision:       d.outputRevision,
		Routing:              d.routing,
		PostProcessing:       d.postProcessing,
		DeferCountResolution: d.deferCount,
	}
}
