package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestModerator(dir Directory, llm *scriptedLLM, participants ...registry.Capability) *ModeratorStage {
	return &ModeratorStage{
		dir:          dir,
		llm:          llm,
		participants: participants,
		cost:         costModel{per1K: 0.002},
		metrics:      NopMetrics,
		now:          func() time.Time { return testNow },
		logger:       zap.NewNop(),
	}
}

func TestParseClassification(t *testing.T) {
	c, ok := parseClassification("CLEAR_INTENT: write a haiku")
	require.True(t, ok)
	assert.True(t, c.clear)
	assert.Equal(t, "write a haiku", c.intent)

	c, ok = parseClassification("Sure.\n**needs_clarification: What kind of help?**")
	require.True(t, ok)
	assert.False(t, c.clear)
	assert.Equal(t, "What kind of help?", c.question)

	c, ok = parseClassification("```json\n{\"status\":\"clear\",\"intent\":\"go\"}\n```")
	require.True(t, ok)
	assert.True(t, c.clear)
	assert.Equal(t, "go", c.intent)

	_, ok = parseClassification("I think it's fine")
	assert.False(t, ok)
}

func TestBuildTasksNormalizesPlan(t *testing.T) {
	caps := []registry.Capability{
		{ID: "researcher", TaskTypes: []string{"research"}},
		{ID: "reviewer", TaskTypes: []string{"review"}},
	}
	plan := []plannedTask{
		{ID: "t1", Type: "research", Title: "Gather", Assignee: "researcher"},
		{ID: "t2", Type: "REVIEW", Title: "Check", Assignee: "nobody", DependsOn: []string{"t1", "t2", "t9", "t1"}},
		{ID: "t3", Type: "juggle", Description: "something"},
		{ID: "t4", Title: "four"},
		{ID: "t5", Title: "five"},
		{ID: "t6", Title: "six"},
	}
	tasks := buildTasks(plan, caps, testNow)

	require.Len(t, tasks, maxPlannedTasks)
	assert.Equal(t, "researcher", tasks[0].AgentID)
	assert.Equal(t, TaskReview, tasks[1].Type)
	assert.Equal(t, "reviewer", tasks[1].AgentID, "invalid assignee re-matched by task type")
	assert.Equal(t, []string{tasks[0].ID}, tasks[1].DependsOn, "self, unknown and duplicate deps dropped")
	assert.Equal(t, TaskResearch, tasks[2].Type)
	assert.Equal(t, "something", tasks[2].Title)
	assert.Equal(t, 3, tasks[2].Priority)

	seen := map[string]bool{}
	for _, tk := range tasks {
		assert.False(t, seen[tk.ID])
		seen[tk.ID] = true
		assert.Equal(t, TaskPending, tk.Status)
		assert.NotEqual(t, "t1", tk.ID)
	}
}

func TestModeratorDecomposeFallback(t *testing.T) {
	llm := &scriptedLLM{
		decompose: func(string) (string, error) { return "", errors.New("provider down") },
	}
	m := newTestModerator(testRegistry(), llm, registry.Capability{ID: "scout"})
	s := NewState("s1", "find flights to Oslo")

	u, err := m.Run(context.Background(), s)
	require.NoError(t, err)
	s.Apply(u, testNow)

	assert.Equal(t, "find flights to Oslo", s.ConfirmedIntent)
	require.Len(t, s.Tasks, 1)
	assert.Equal(t, TaskResearch, s.Tasks[0].Type)
	assert.Equal(t, "scout", s.Tasks[0].AgentID)
	assert.Len(t, eventsOf(s, EventTasksCreated), 1)
}

func TestModeratorFallsBackToRawInputOnGarbage(t *testing.T) {
	llm := &scriptedLLM{classify: fixed("hmm, maybe")}
	m := newTestModerator(testRegistry(), llm)
	s := NewState("s1", "plan a trip")

	u, err := m.Run(context.Background(), s)
	require.NoError(t, err)
	s.Apply(u, testNow)
	assert.Equal(t, "plan a trip", s.ConfirmedIntent)
	assert.False(t, s.ShouldClarify)
	require.Len(t, s.Tasks, 1)
	assert.Equal(t, registry.GeneralAgentID, s.Tasks[0].AgentID, "no roster and empty registry")
	assert.Positive(t, s.TokensUsed)
}

func TestModeratorCancellation(t *testing.T) {
	llm := &scriptedLLM{}
	m := newTestModerator(testRegistry(), llm)
	s := NewState("s1", "x")
	s.Tasks = []*Task{{ID: "a", Status: TaskCompleted}, {ID: "b", Status: TaskPending}}
	s.IsCancelled = true

	u, err := m.Run(context.Background(), s)
	require.NoError(t, err)
	s.Apply(u, testNow)
	assert.Equal(t, "Flow cancelled: 1 of 2 tasks completed.", s.Summary)
	assert.Len(t, eventsOf(s, EventFlowCancelled), 1)
	assert.Empty(t, llm.calls)
}

func TestModeratorSummaryFallbackIsNeverEmpty(t *testing.T) {
	llm := &scriptedLLM{summarize: func(string) (string, error) { return "", errors.New("timeout") }}
	m := newTestModerator(testRegistry(), llm)
	s := NewState("s1", "x")
	s.ConfirmedIntent = "x"
	s.Tasks = []*Task{{ID: "a", Title: "A", AgentID: "w", Status: TaskCompleted}, {ID: "b", Title: "B", AgentID: "v", Status: TaskFailed, Error: "boom"}}
	s.Results = []Result{{TaskID: "a", AgentID: "w", Content: "alpha"}}

	u, err := m.Run(context.Background(), s)
	require.NoError(t, err)
	s.Apply(u, testNow)
	assert.Contains(t, s.Summary, "alpha")
	assert.Contains(t, s.Summary, "boom")
	assert.NotContains(t, s.Summary, "---\n---")
}

func TestModeratorStallAsksOnceThenReports(t *testing.T) {
	llm := &scriptedLLM{}
	m := newTestModerator(testRegistry(), llm)
	s := NewState("s1", "x")
	s.ConfirmedIntent = "x"
	s.Tasks = []*Task{
		{ID: "a", Title: "A", Status: TaskCompleted},
		{ID: "b", Title: "B", Status: TaskPending, DependsOn: []string{"c"}},
		{ID: "c", Title: "C", Status: TaskPending, DependsOn: []string{"b"}},
	}
	s.Results = []Result{{TaskID: "a", Content: "alpha"}}
	s.Stalled = true

	u, err := m.Run(context.Background(), s)
	require.NoError(t, err)
	s.Apply(u, testNow)
	assert.True(t, s.ShouldClarify)
	assert.Contains(t, s.ClarificationQuestion, `"B"`)
	assert.Empty(t, s.Summary)

	next := ContinueState(s, testNow)
	next.Stalled = true
	u, err = m.Run(context.Background(), next)
	require.NoError(t, err)
	next.Apply(u, testNow)
	assert.False(t, next.ShouldClarify)
	assert.NotEmpty(t, next.Summary)
}
