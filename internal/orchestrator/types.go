package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType is the closed set of work categories a task can belong to.
type TaskType string

const (
	TaskResearch  TaskType = "research"
	TaskAnalyze   TaskType = "analyze"
	TaskSummarize TaskType = "summarize"
	TaskDevelop   TaskType = "develop"
	TaskReview    TaskType = "review"
)

// TaskTypes lists every valid TaskType in prompt order.
var TaskTypes = []TaskType{TaskResearch, TaskAnalyze, TaskSummarize, TaskDevelop, TaskReview}

// ParseTaskType normalizes s, returning TaskResearch for unknown values.
func ParseTaskType(s string) (TaskType, bool) {
	for _, t := range TaskTypes {
		if string(t) == s {
			return t, true
		}
	}
	return TaskResearch, false
}

// TaskStatus tracks execution state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// validTransitions defines allowed task status transitions.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskFailed},
	TaskInProgress: {TaskCompleted, TaskFailed},
}

// Transition returns nil if from→to is a legal task status transition.
func Transition(from, to TaskStatus) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid task transition %q → %q", from, to)
}

// Task is a concrete unit of work assigned to an agent.
type Task struct {
	ID          string     `json:"id"`
	Type        TaskType   `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AgentID     string     `json:"agent_id"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// withStatus returns a copy of t moved to status at time now.
func (t *Task) withStatus(status TaskStatus, now time.Time, errMsg string) (*Task, error) {
	if err := Transition(t.Status, status); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	c := t.clone()
	c.Status = status
	switch status {
	case TaskInProgress:
		c.StartedAt = &now
	case TaskCompleted, TaskFailed:
		c.CompletedAt = &now
		c.Error = errMsg
	}
	return c, nil
}

// Result holds the output of a successfully completed task.
type Result struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	AgentID    string        `json:"agent_id"`
	Content    string        `json:"content"`
	Confidence float64       `json:"confidence"`
	Tokens     int           `json:"tokens"`
	Cost       float64       `json:"cost"`
	Latency    time.Duration `json:"latency"`
	Model      string        `json:"model,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// EventType classifies GraphEvent entries.
type EventType string

const (
	EventSystem        EventType = "system"
	EventTaskStart     EventType = "task_start"
	EventTaskDone      EventType = "task_done"
	EventTasksCreated  EventType = "tasks_created"
	EventAgentReply    EventType = "agent_reply"
	EventAskUser       EventType = "ask_user"
	EventSummary       EventType = "summary"
	EventFlowCancelled EventType = "flow_cancelled"
)

// GraphEvent is an append-only log entry. Never mutated after creation.
type GraphEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	AgentID   string            `json:"agent_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Content   string            `json:"content"`
	Meta      map[string]string `json:"meta,omitempty"`
}

func newEvent(typ EventType, now time.Time, content string) GraphEvent {
	return GraphEvent{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: now,
		Content:   content,
	}
}

// Dispatch records a task handed to an agent and not yet finished.
type Dispatch struct {
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id"`
	DispatchedAt time.Time `json:"dispatched_at"`
}
