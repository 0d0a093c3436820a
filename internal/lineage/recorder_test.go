package lineage

import (
	"testing"

	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsForDropsForeignEdges(t *testing.T) {
	s := orchestrator.NewState("s1", "goal")
	s.TurnIndex = 2
	s.Tasks = []*orchestrator.Task{
		{ID: "a", Title: "Research", Type: orchestrator.TaskResearch, AgentID: "researcher", Status: orchestrator.TaskCompleted},
		{ID: "b", Title: "Write", Type: orchestrator.TaskDevelop, AgentID: "writer", Status: orchestrator.TaskPending, DependsOn: []string{"a", "ghost"}},
	}
	s.Results = []orchestrator.Result{
		{ID: "r1", TaskID: "a", AgentID: "researcher", Tokens: 10},
		{ID: "r2", TaskID: "old-turn-task"},
	}

	p := paramsFor(s)
	assert.Equal(t, 2, p.turn["turn"])
	assert.Len(t, p.turn["tasks"], 2)
	require.Len(t, p.edges, 1)
	assert.Equal(t, map[string]any{"from": "b", "to": "a"}, p.edges[0])
	require.Len(t, p.results, 1)
	assert.Equal(t, "r1", p.results[0]["id"])
}

func TestParamsForEmptyState(t *testing.T) {
	p := paramsFor(orchestrator.NewState("s1", "goal"))
	assert.Empty(t, p.turn["tasks"])
	assert.Empty(t, p.edges)
	assert.Empty(t, p.results)
}
