package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() DefinitionSpec {
	return DefinitionSpec{
		Name:          "oai harvest",
		Topology:      "oai_harvest",
		Parameters:    map[string]string{"metadata_prefix": "edm"},
		ExpectedCount: 10,
		Routing:       Routing{OutputChannel: "harvest.work"},
	}
}

func TestNewDefinition(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DefinitionSpec)
		wantErr bool
	}{
		{name: "valid", mutate: func(*DefinitionSpec) {}},
		{name: "missing name", mutate: func(s *DefinitionSpec) { s.Name = "" }, wantErr: true},
		{name: "missing topology", mutate: func(s *DefinitionSpec) { s.Topology = "" }, wantErr: true},
		{name: "missing output channel", mutate: func(s *DefinitionSpec) { s.Routing.OutputChannel = "" }, wantErr: true},
		{name: "unknown count allowed", mutate: func(s *DefinitionSpec) { s.ExpectedCount = UnknownCount }},
		{name: "negative count rejected", mutate: func(s *DefinitionSpec) { s.ExpectedCount = -5 }, wantErr: true},
		{
			name:    "incremental requires dataset",
			mutate:  func(s *DefinitionSpec) { s.Harvest.Incremental = true },
			wantErr: true,
		},
		{
			name: "incremental with dataset",
			mutate: func(s *DefinitionSpec) {
				s.Harvest.Incremental = true
				s.Harvest.DatasetID = "ds-1"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			def, err := NewDefinition(spec, time.Now())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDefinition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, spec.Name, def.Name())
		})
	}
}

func TestDefinition_IsImmutable(t *testing.T) {
	spec := validSpec()
	def, err := NewDefinition(spec, time.Now())
	require.NoError(t, err)

	spec.Parameters["metadata_prefix"] = "mutated"
	params := def.Parameters()
	params["metadata_prefix"] = "mutated too"

	assert.Equal(t, "edm", def.Parameter("metadata_prefix"))

	withID := def.WithID(7)
	assert.Equal(t, ID(0), def.ID())
	assert.Equal(t, ID(7), withID.ID())
	assert.Equal(t, def.Spec().Parameters, withID.Spec().Parameters)
}

func TestParseID(t *testing.T) {
	id, err := ParseID(ID(42).String())
	require.NoError(t, err)
	assert.Equal(t, ID(42), id)

	_, err = ParseID("x")
	assert.Error(t, err)
}
