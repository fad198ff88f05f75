package pipeline

import (
	"context"

	"github.com/ahrav/harvest-armada/internal/domain/task"
)

type definitionKey struct{}

// WithDefinition returns a context carrying the definition of the task a
// record belongs to. The orchestrator sets it before calling Process.
func WithDefinition(ctx context.Context, def *task.Definition) context.Context {
	return context.WithValue(ctx, definitionKey{}, def)
}

// DefinitionFrom returns the definition stored by WithDefinition.
func DefinitionFrom(ctx context.Context) (*task.Definition, bool) {
	def, ok := ctx.Value(definitionKey{}).(*task.Definition)
	return def, ok && def != nil
}
