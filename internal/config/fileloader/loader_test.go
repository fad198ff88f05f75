package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/harvest-armada/internal/domain/pipeline"
)

const oaiTopology = `
name: oai_harvest
entry_channels: [harvest.work]
stages:
  - name: filter
    kind: incremental_filter
    inputs: [harvest.work]
    outputs: [harvest.fetch]
  - name: fetch
    kind: fetch
    workers: 4
    inputs: [harvest.fetch]
    outputs: [harvest.commit]
    options:
      output: harvest.commit
  - name: commit
    kind: ledger_commit
    inputs: [harvest.commit]
`

func TestFileLoader_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(oaiTopology), 0o600))

	topo, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "oai_harvest", topo.Name)
	assert.True(t, topo.IsEntry("harvest.work"))
	require.Len(t, topo.Stages, 3)

	fetch, ok := topo.Stage("fetch")
	require.True(t, ok)
	assert.Equal(t, 4, fetch.Workers)
	assert.Equal(t, "harvest.commit", fetch.Options["output"])
	assert.Empty(t, topo.Stages[2].Outputs)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{
			name: "unknown field",
			doc:  "name: x\nentry_channels: [a]\nstages: []\nworkerz: 3\n",
		},
		{
			name: "dangling input",
			doc: `
name: broken
entry_channels: [a]
stages:
  - name: s
    kind: passthrough
    inputs: [b]
`,
			want: pipeline.ErrInvalidTopology,
		},
		{
			name: "no stages",
			doc:  "name: empty\nentry_channels: [a]\nstages: []\n",
			want: pipeline.ErrInvalidTopology,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestFileLoader_MissingFile(t *testing.T) {
	_, err := NewFileLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	assert.Error(t, err)
}
