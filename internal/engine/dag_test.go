package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Relay/internal/domain"
)

func ids(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func diamond() *domain.WorkflowDefinition {
	// A → B → D
	// A → C → D
	return &domain.WorkflowDefinition{
		ID: "diamond",
		Nodes: []domain.NodeDef{
			{ID: "A", Processor: "http"},
			{ID: "B", Processor: "http", DependsOn: []string{"A"}},
			{ID: "C", Processor: "http", DependsOn: []string{"A"}},
			{ID: "D", Processor: "http", DependsOn: []string{"B", "C"}},
		},
	}
}

func TestBuildDAG_SimpleChain(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "chain",
		Nodes: []domain.NodeDef{
			{ID: "A", Processor: "http"},
			{ID: "B", Processor: "delay", DependsOn: []string{"A"}},
			{ID: "C", Processor: "transform", DependsOn: []string{"B"}},
		},
	}

	dag, err := BuildDAG(def)
	require.NoError(t, err)
	assert.Equal(t, 3, dag.Size())
	assert.Equal(t, []string{"A"}, ids(dag.RootNodes))
	assert.Equal(t, []string{"A", "B", "C"}, ids(dag.Order))
	assert.Equal(t, "transform", dag.GetNode("C").Def.Processor)
}

func TestBuildDAG_DuplicateDependencyCountedOnce(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "dup",
		Nodes: []domain.NodeDef{
			{ID: "A", Processor: "http"},
			{ID: "B", Processor: "http", DependsOn: []string{"A", "A"}},
		},
	}
	dag, err := BuildDAG(def)
	require.NoError(t, err)
	assert.Equal(t, 1, dag.GetNode("B").InDegree)
}

func TestBuildDAG_CyclicDependency(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID: "cycle",
		Nodes: []domain.NodeDef{
			{ID: "A", Processor: "http", DependsOn: []string{"C"}},
			{ID: "B", Processor: "http", DependsOn: []string{"A"}},
			{ID: "C", Processor: "http", DependsOn: []string{"B"}},
		},
	}
	_, err := BuildDAG(def)
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestGetReadyNodes(t *testing.T) {
	dag, err := BuildDAG(diamond())
	require.NoError(t, err)

	tests := []struct {
		name      string
		completed []string
		running   []string
		want      []string
	}{
		{"start", nil, nil, []string{"A"}},
		{"after A", []string{"A"}, nil, []string{"B", "C"}},
		{"B running", []string{"A"}, []string{"B"}, []string{"C"}},
		{"join waits", []string{"A", "B"}, []string{"C"}, []string{}},
		{"join ready", []string{"A", "B", "C"}, nil, []string{"D"}},
		{"all done", []string{"A", "B", "C", "D"}, nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(dag.GetReadyNodes(tt.completed, tt.running)))
		})
	}
}

func TestDAG_IsComplete(t *testing.T) {
	dag, err := BuildDAG(diamond())
	require.NoError(t, err)

	assert.False(t, dag.IsComplete([]string{"A", "B", "C"}))
	assert.True(t, dag.IsComplete([]string{"D", "C", "B", "A"}))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		def  *domain.WorkflowDefinition
		want error
	}{
		{"nil", nil, ErrEmptyNodes},
		{"no nodes", &domain.WorkflowDefinition{ID: "x"}, ErrEmptyNodes},
		{"no id", &domain.WorkflowDefinition{Nodes: []domain.NodeDef{{ID: "A", Processor: "p"}}}, ErrEmptyDefinitionID},
		{"empty node id", &domain.WorkflowDefinition{ID: "x", Nodes: []domain.NodeDef{{Processor: "p"}}}, ErrEmptyNodeID},
		{"duplicate", &domain.WorkflowDefinition{ID: "x", Nodes: []domain.NodeDef{
			{ID: "A", Processor: "p"}, {ID: "A", Processor: "p"},
		}}, ErrDuplicateNodeID},
		{"no processor", &domain.WorkflowDefinition{ID: "x", Nodes: []domain.NodeDef{{ID: "A"}}}, ErrEmptyProcessor},
		{"self", &domain.WorkflowDefinition{ID: "x", Nodes: []domain.NodeDef{
			{ID: "A", Processor: "p", DependsOn: []string{"A"}},
		}}, ErrSelfDependency},
		{"missing", &domain.WorkflowDefinition{ID: "x", Nodes: []domain.NodeDef{
			{ID: "A", Processor: "p", DependsOn: []string{"Z"}},
		}}, ErrMissingDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(tt.def), tt.want)
		})
	}

	assert.NoError(t, Validate(diamond()))
}

func TestValidate_ErrorCarriesNode(t *testing.T) {
	def := &domain.WorkflowDefinition{ID: "x", Nodes: []domain.NodeDef{
		{ID: "A", Processor: "p", DependsOn: []string{"Z"}},
	}}

	var vErr *ValidationError
	require.ErrorAs(t, Validate(def), &vErr)
	assert.Equal(t, "A", vErr.NodeID)
	assert.Equal(t, "depends_on", vErr.Field)
}

func TestValidateProcessors(t *testing.T) {
	known := func(name string) bool { return name == "http" }
	assert.NoError(t, ValidateProcessors(diamond(), known))

	def := diamond()
	def.Nodes[2].Processor = "ftp"
	assert.ErrorIs(t, ValidateProcessors(def, known), ErrUnknownProcessor)
}
