package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RouterStage admits ready tasks under per-agent concurrency ceilings and
// detects when nothing can make progress.
type RouterStage struct {
	dir    Directory
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	turn     int
	ceilings map[string]int
}

// NewRouterStage creates a router over dir.
func NewRouterStage(dir Directory, logger *zap.Logger) *RouterStage {
	return &RouterStage{dir: dir, now: time.Now, logger: logger, turn: -1}
}

// ceiling returns the agent's concurrency ceiling. Values are read once per
// turn so a registry refresh mid-turn cannot change admission.
func (r *RouterStage) ceiling(ctx context.Context, turn int, agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turn != turn || r.ceilings == nil {
		r.turn = turn
		r.ceilings = make(map[string]int)
	}
	if c, ok := r.ceilings[agentID]; ok {
		return c
	}
	c := max(1, r.dir.Concurrency(ctx, agentID))
	r.ceilings[agentID] = c
	return c
}

// readyTasks returns pending, undispatched tasks whose dependencies all have
// a Result, in task-list order.
func readyTasks(s *State) []*Task {
	var ready []*Task
	for _, t := range s.Tasks {
		if t.Status != TaskPending || s.IsInFlight(t.ID) {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if !s.HasResult(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready
}

// Run admits ready tasks or decides the turn cannot progress.
func (r *RouterStage) Run(ctx context.Context, s *State) (*Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := r.now()
	ready := readyTasks(s)
	if len(ready) == 0 {
		return r.noneReady(s, now), nil
	}

	load := make(map[string]int)
	for _, d := range s.InFlight {
		load[d.AgentID]++
	}

	var started []*Task
	inFlight := append([]Dispatch(nil), s.InFlight...)
	u := &Update{}
	for _, t := range ready {
		if load[t.AgentID] >= r.ceiling(ctx, s.TurnIndex, t.AgentID) {
			continue
		}
		next, err := t.withStatus(TaskInProgress, now, "")
		if err != nil {
			r.logger.Warn("skip task", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		load[t.AgentID]++
		started = append(started, next)
		inFlight = append(inFlight, Dispatch{TaskID: t.ID, AgentID: t.AgentID, DispatchedAt: now})

		ev := newEvent(EventTaskStart, now, t.Title)
		ev.AgentID, ev.TaskID = t.AgentID, t.ID
		u.Events = append(u.Events, ev)
	}
	if len(started) == 0 {
		// Every ready task's agent is at its ceiling; in-flight work drains first.
		return nil, nil
	}

	r.logger.Debug("tasks admitted",
		zap.String("session", s.SessionID),
		zap.Int("turn", s.TurnIndex),
		zap.Int("admitted", len(started)),
		zap.Int("in_flight", len(inFlight)))
	u.Tasks = Some(replaceTasks(s.Tasks, started...))
	u.InFlight = Some(inFlight)
	return u, nil
}

func (r *RouterStage) noneReady(s *State, now time.Time) *Update {
	if len(s.InFlight) > 0 || len(s.Tasks) == 0 {
		return nil
	}
	if s.AllTerminal() {
		if s.ShouldProceedToSummary {
			return nil
		}
		return &Update{ShouldProceedToSummary: Some(true)}
	}

	u := &Update{}
	failed := failDependents(s.Tasks, now)
	tasks := s.Tasks
	if len(failed) > 0 {
		tasks = replaceTasks(s.Tasks, failed...)
		u.Tasks = Some(tasks)
		for _, t := range failed {
			ev := newEvent(EventSystem, now, fmt.Sprintf("Task %q skipped: %s", t.Title, t.Error))
			ev.AgentID, ev.TaskID = t.AgentID, t.ID
			u.Events = append(u.Events, ev)
		}
	}

	var blocked []string
	for _, t := range tasks {
		if !t.Status.Terminal() {
			blocked = append(blocked, fmt.Sprintf("%q (%s)", t.Title, t.ID))
		}
	}
	if len(blocked) == 0 {
		u.ShouldProceedToSummary = Some(true)
		return u
	}

	r.logger.Warn("task graph stalled",
		zap.String("session", s.SessionID),
		zap.Int("turn", s.TurnIndex),
		zap.Int("blocked", len(blocked)))
	u.Stalled = Some(true)
	u.Events = append(u.Events, newEvent(EventSystem, now,
		"No task can proceed; blocked: "+strings.Join(blocked, ", ")))
	return u
}

// failDependents returns failed copies of pending tasks whose dependency
// closure contains a failed task.
func failDependents(tasks []*Task, now time.Time) []*Task {
	failedBy := make(map[string]string)
	for _, t := range tasks {
		if t.Status == TaskFailed {
			failedBy[t.ID] = t.ID
		}
	}
	var out []*Task
	for changed := true; changed; {
		changed = false
		for _, t := range tasks {
			if t.Status != TaskPending {
				continue
			}
			if _, done := failedBy[t.ID]; done {
				continue
			}
			for _, dep := range t.DependsOn {
				root, ok := failedBy[dep]
				if !ok {
					continue
				}
				f, err := t.withStatus(TaskFailed, now, fmt.Sprintf("dependency %s failed", root))
				if err != nil {
					break
				}
				failedBy[t.ID] = root
				out = append(out, f)
				changed = true
				break
			}
		}
	}
	return out
}

// NextNode names the agent node for the first in-flight task, or "" when
// nothing is dispatched.
func NextNode(s *State) string {
	if len(s.InFlight) == 0 {
		return ""
	}
	return AgentNode(s.InFlight[0].AgentID)
}
