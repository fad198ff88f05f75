// Package stages provides the stage kinds a topology can reference by name.
// Stages are thin: the orchestrator owns delivery, cancellation and
// notification routing, a stage only transforms one record.
package stages

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	ledgersvc "github.com/ahrav/harvest-armada/internal/app/ledger"
	"github.com/ahrav/harvest-armada/internal/app/orchestrator"
	"github.com/ahrav/harvest-armada/internal/app/retry"
	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
	"github.com/ahrav/harvest-armada/internal/domain/task"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
)

// Stage kinds.
const (
	KindFetch             = "fetch"
	KindIncrementalFilter = "incremental_filter"
	KindLedgerCommit      = "ledger_commit"
	KindPassthrough       = "passthrough"
)

// optionOutput selects the output channel of single-output stages.
const optionOutput = "output"

// errNoDefinition is returned when a stage needing the task definition is
// called outside the orchestrator.
var errNoDefinition = errors.New("task definition missing from context")

// Deps are the collaborators of the built-in stage kinds. Nil collaborators
// leave the kinds that need them unregistered.
type Deps struct {
	Fetcher     Fetcher
	Categorizer *ledgersvc.Categorizer
	Retry       *retry.Executor
	Logger      *logger.Logger
	Tracer      trace.Tracer
}

// Register binds every built-in kind whose collaborators are present.
func Register(f *orchestrator.StageFactory, deps Deps) {
	f.Register(KindPassthrough, func(spec pipeline.StageSpec) (pipeline.Stage, error) {
		return NewPassthrough(spec)
	})
	if deps.Fetcher != nil {
		f.Register(KindFetch, func(spec pipeline.StageSpec) (pipeline.Stage, error) {
			return NewFetch(spec, deps.Fetcher, deps.Retry, deps.Logger, deps.Tracer)
		})
	}
	if deps.Categorizer != nil {
		f.Register(KindIncrementalFilter, func(spec pipeline.StageSpec) (pipeline.Stage, error) {
			return NewIncrementalFilter(spec, deps.Categorizer)
		})
		f.Register(KindLedgerCommit, func(spec pipeline.StageSpec) (pipeline.Stage, error) {
			return NewLedgerCommit(spec, deps.Categorizer)
		})
	}
}

// outputOf returns the single output channel of spec.
func outputOf(spec pipeline.StageSpec) (pipeline.Channel, error) {
	if name, ok := spec.Options[optionOutput]; ok {
		ch := pipeline.Channel(name)
		if !spec.Declares(ch) {
			return "", &pipeline.UnknownChannelError{Stage: spec.Name, Channel: ch}
		}
		return ch, nil
	}
	if len(spec.Outputs) == 0 {
		return "", fmt.Errorf("stage %s declares no output channel", spec.Name)
	}
	return spec.Outputs[0], nil
}

func boolOption(spec pipeline.StageSpec, key string) (bool, error) {
	v, ok := spec.Options[key]
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("stage %s: option %s: %w", spec.Name, key, err)
	}
	return b, nil
}

// redeliverOnInterrupt turns a retry interrupted by shutdown into a request
// for redelivery; other errors stay per-record failures.
func redeliverOnInterrupt(err error) error {
	if retry.IsInterrupted(err) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", pipeline.ErrRedeliver, err)
	}
	return err
}

func definitionOf(ctx context.Context) (*task.Definition, error) {
	def, ok := pipeline.DefinitionFrom(ctx)
	if !ok {
		return nil, errNoDefinition
	}
	return def, nil
}
