package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"go.uber.org/zap"
)

// ExecutionStage runs tasks dispatched to one agent through its handler.
type ExecutionStage struct {
	agentID string
	handler registry.Handler
	llm     provider.Completer
	cost    costModel
	metrics Metrics
	now     func() time.Time
	logger  *zap.Logger
}

// Run executes the agent's first in-flight task.
func (e *ExecutionStage) Run(ctx context.Context, s *State) (*Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := s.InFlightFor(e.agentID)
	if len(ids) == 0 {
		return nil, nil
	}
	taskID := ids[0]
	task, ok := s.Task(taskID)
	if !ok {
		ev := newEvent(EventSystem, e.now(), fmt.Sprintf("Dropped dispatch of unknown task %s", taskID))
		ev.AgentID, ev.TaskID = e.agentID, taskID
		return &Update{
			InFlight: Some(withoutDispatch(s.InFlight, taskID)),
			Events:   []GraphEvent{ev},
		}, nil
	}

	start := e.now()
	var (
		c   *provider.Completion
		err error
	)
	if e.handler == nil {
		err = fmt.Errorf("no handler for agent %s", e.agentID)
	} else {
		c, err = e.handler.Execute(ctx, e.llm, e.input(s, task))
		if err == nil && (c == nil || strings.TrimSpace(c.Text) == "") {
			err = provider.ErrEmptyCompletion
		}
		if err != nil {
			e.metrics.Completion("agent", 0, 0, err)
		}
	}
	now := e.now()
	latency := now.Sub(start)

	if err != nil {
		return e.fail(s, task, err, now, latency), nil
	}
	return e.succeed(s, task, c, now, latency), nil
}

func (e *ExecutionStage) input(s *State, t *Task) registry.TaskInput {
	in := registry.TaskInput{
		AgentID:     e.agentID,
		TaskID:      t.ID,
		Type:        string(t.Type),
		Title:       t.Title,
		Description: t.Description,
		Utterance:   s.UserInput,
		Intent:      s.ConfirmedIntent,
	}
	for _, dep := range t.DependsOn {
		for _, r := range s.Results {
			if r.TaskID != dep {
				continue
			}
			title := dep
			if d, ok := s.Task(dep); ok {
				title = d.Title
			}
			in.Upstream = append(in.Upstream, registry.UpstreamResult{Title: title, Content: r.Content})
		}
	}
	return in
}

func (e *ExecutionStage) succeed(s *State, t *Task, c *provider.Completion, now time.Time, latency time.Duration) *Update {
	tokens, cost := e.cost.measure(c, t.Title+t.Description+s.UserInput)
	e.metrics.Completion("agent", tokens, cost, nil)
	done, err := t.withStatus(TaskCompleted, now, "")
	if err != nil {
		return e.fail(s, t, err, now, latency)
	}
	e.metrics.Task(e.agentID, TaskCompleted, latency)

	res := Result{
		ID:         uuid.New().String(),
		TaskID:     t.ID,
		AgentID:    e.agentID,
		Content:    c.Text,
		Confidence: confidence(c.Text),
		Tokens:     tokens,
		Cost:       cost,
		Latency:    latency,
		Model:      c.Model,
		Provider:   c.Provider,
		CreatedAt:  now,
	}
	reply := newEvent(EventAgentReply, now, c.Text)
	reply.AgentID, reply.TaskID = e.agentID, t.ID
	finished := newEvent(EventTaskDone, now, t.Title)
	finished.AgentID, finished.TaskID = e.agentID, t.ID
	finished.Meta = map[string]string{"latency_ms": fmt.Sprint(latency.Milliseconds())}

	e.logger.Debug("task completed",
		zap.String("session", s.SessionID),
		zap.String("task", t.ID),
		zap.String("agent", e.agentID),
		zap.Int("tokens", tokens),
		zap.Duration("latency", latency))

	return &Update{
		Tasks:       Some(replaceTasks(s.Tasks, done)),
		InFlight:    Some(withoutDispatch(s.InFlight, t.ID)),
		Results:     []Result{res},
		Events:      []GraphEvent{reply, finished},
		CostDelta:   cost,
		TokensDelta: tokens,
	}
}

func (e *ExecutionStage) fail(s *State, t *Task, cause error, now time.Time, latency time.Duration) *Update {
	msg := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = "timed out: " + msg
	}
	e.metrics.Task(e.agentID, TaskFailed, latency)
	e.logger.Warn("task failed",
		zap.String("session", s.SessionID),
		zap.String("task", t.ID),
		zap.String("agent", e.agentID),
		zap.Error(cause))

	u := &Update{InFlight: Some(withoutDispatch(s.InFlight, t.ID))}
	if failed, err := t.withStatus(TaskFailed, now, msg); err == nil {
		u.Tasks = Some(replaceTasks(s.Tasks, failed))
	}
	ev := newEvent(EventSystem, now, fmt.Sprintf("Task %q (%s) failed on %s: %s", t.Title, t.ID, e.agentID, msg))
	ev.AgentID, ev.TaskID = e.agentID, t.ID
	u.Events = []GraphEvent{ev}
	return u
}

// confidence is a length heuristic: terse answers score lower.
func confidence(text string) float64 {
	n := len(strings.TrimSpace(text))
	switch {
	case n >= 200:
		return 0.9
	case n >= 40:
		return 0.75
	default:
		return 0.5
	}
}
