package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"go.uber.org/zap"
)

const (
	moderatorAgentID = "moderator"
	maxPlannedTasks  = 5
	defaultQuestion  = "Could you tell me more about what you need?"
)

// ModeratorStage judges the utterance, plans tasks, and writes the final
// summary. Each invocation walks the same fixed decision sequence.
type ModeratorStage struct {
	dir          Directory
	llm          provider.Completer
	participants []registry.Capability
	model        string
	cost         costModel
	metrics      Metrics
	now          func() time.Time
	logger       *zap.Logger
}

// Run evaluates the decision sequence once.
func (m *ModeratorStage) Run(ctx context.Context, s *State) (*Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := m.now()

	if s.IsCancelled {
		return m.cancelled(s, now), nil
	}

	u := &Update{}
	intent := s.ConfirmedIntent

	if intent == "" && !s.ClarificationAsked {
		c, ok := m.classify(ctx, s, u)
		switch {
		case ok && !c.clear:
			q := c.question
			if q == "" {
				q = defaultQuestion
			}
			u.ShouldClarify = Some(true)
			u.ClarificationQuestion = Some(q)
			u.ClarificationAsked = Some(true)
			ev := newEvent(EventAskUser, now, q)
			ev.AgentID = moderatorAgentID
			u.Events = append(u.Events, ev)
			return u, nil
		case ok && c.intent != "":
			intent = c.intent
		default:
			intent = s.UserInput
		}
		u.ConfirmedIntent = Some(intent)
		u.ShouldClarify = Some(false)
	}
	if intent == "" && s.ClarificationAsked {
		// Clarification was answered or declined; plan from what we have.
		intent = s.UserInput
		u.ConfirmedIntent = Some(intent)
	}

	if s.Replan {
		tasks := m.decompose(ctx, s, replanGoal(intent, s), u, now)
		u.Tasks = Some(append(append([]*Task(nil), s.Tasks...), tasks...))
		u.Replan = Some(false)
		ev := newEvent(EventTasksCreated, now, fmt.Sprintf("Replanned %d task(s)", len(tasks)))
		ev.AgentID = moderatorAgentID
		ev.Meta = map[string]string{"count": fmt.Sprint(len(tasks)), "replan": "true"}
		u.Events = append(u.Events, ev)
		return u, nil
	}

	if len(s.Tasks) == 0 {
		tasks := m.decompose(ctx, s, intent, u, now)
		u.Tasks = Some(tasks)
		ev := newEvent(EventTasksCreated, now, fmt.Sprintf("Planned %d task(s)", len(tasks)))
		ev.AgentID = moderatorAgentID
		ev.Meta = map[string]string{"count": fmt.Sprint(len(tasks))}
		u.Events = append(u.Events, ev)
		return u, nil
	}

	if len(s.InFlight) == 0 && (s.AllTerminal() || s.ShouldProceedToSummary) {
		m.summarize(ctx, s, intent, nil, u, now)
		return u, nil
	}

	if s.Stalled && len(s.InFlight) == 0 {
		blocked := blockedTasks(s)
		if s.CountStatus(TaskCompleted) > 0 && !s.ClarificationAsked {
			q := fmt.Sprintf("I finished part of the work, but %d task(s) cannot continue: %s. Could you add details or adjust the request?",
				len(blocked), taskTitles(blocked))
			u.ShouldClarify = Some(true)
			u.ClarificationQuestion = Some(q)
			u.ClarificationAsked = Some(true)
			ev := newEvent(EventAskUser, now, q)
			ev.AgentID = moderatorAgentID
			u.Events = append(u.Events, ev)
			return u, nil
		}
		m.summarize(ctx, s, intent, blocked, u, now)
		return u, nil
	}

	if u.Empty() {
		return nil, nil
	}
	return u, nil
}

func (m *ModeratorStage) cancelled(s *State, now time.Time) *Update {
	msg := fmt.Sprintf("Flow cancelled: %d of %d tasks completed.", s.CountStatus(TaskCompleted), len(s.Tasks))
	ev := newEvent(EventFlowCancelled, now, msg)
	ev.AgentID = moderatorAgentID
	return &Update{
		Summary: Some(msg),
		Events:  []GraphEvent{ev},
	}
}

// complete issues one moderator completion and books its cost into u.
func (m *ModeratorStage) complete(ctx context.Context, node, prompt string, maxTokens int, u *Update) (string, error) {
	c, err := m.llm.Complete(ctx, provider.CompletionRequest{
		AgentID:     moderatorAgentID,
		Model:       m.model,
		System:      moderatorSystem,
		Prompt:      prompt,
		Temperature: 0.2,
		MaxTokens:   maxTokens,
	})
	tokens, cost := m.cost.measure(c, prompt)
	m.metrics.Completion(node, tokens, cost, err)
	if err != nil {
		return "", err
	}
	u.TokensDelta += tokens
	u.CostDelta += cost
	return c.Text, nil
}

func (m *ModeratorStage) classify(ctx context.Context, s *State, u *Update) (classification, bool) {
	text, err := m.complete(ctx, "moderator.classify", fmt.Sprintf(classifyPrompt, s.UserInput), 256, u)
	if err != nil {
		m.logger.Warn("intent classification failed, proceeding with raw input",
			zap.String("session", s.SessionID), zap.Error(err))
		return classification{}, false
	}
	c, ok := parseClassification(text)
	if !ok {
		m.logger.Warn("unparseable classification, proceeding with raw input",
			zap.String("session", s.SessionID), zap.String("reply", truncate(text, 200)))
	}
	return c, ok
}

// assignees returns the agents a plan may use: the session's participants,
// else every registered agent, else the general assistant.
func (m *ModeratorStage) assignees(ctx context.Context) []registry.Capability {
	if len(m.participants) > 0 {
		return m.participants
	}
	if all := m.dir.All(ctx); len(all) > 0 {
		return all
	}
	return []registry.Capability{{ID: registry.GeneralAgentID, Name: "General assistant"}}
}

func (m *ModeratorStage) decompose(ctx context.Context, s *State, goal string, u *Update, now time.Time) []*Task {
	caps := m.assignees(ctx)
	text, err := m.complete(ctx, "moderator.decompose", buildDecomposePrompt(goal, caps), 1024, u)
	var plan []plannedTask
	if err == nil {
		plan, err = parsePlan(text)
	}
	if err != nil {
		m.logger.Warn("decomposition failed, using a single research task",
			zap.String("session", s.SessionID), zap.Error(err))
		return []*Task{{
			ID:          uuid.New().String(),
			Type:        TaskResearch,
			Title:       "Research: " + truncate(goal, 80),
			Description: goal,
			AgentID:     caps[0].ID,
			Status:      TaskPending,
			Priority:    1,
			CreatedAt:   now,
		}}
	}
	return buildTasks(plan, caps, now)
}

// buildTasks turns a plan into tasks: at most five, fresh ids, dependencies
// restricted to other planned tasks, and assignees restricted to caps.
func buildTasks(plan []plannedTask, caps []registry.Capability, now time.Time) []*Task {
	if len(plan) > maxPlannedTasks {
		plan = plan[:maxPlannedTasks]
	}
	ids := make(map[string]string, len(plan))
	for i := range plan {
		local := plan[i].ID
		if local == "" {
			local = fmt.Sprintf("t%d", i+1)
			plan[i].ID = local
		}
		if _, dup := ids[local]; !dup {
			ids[local] = uuid.New().String()
		}
	}
	valid := make(map[string]bool, len(caps))
	for _, c := range caps {
		valid[c.ID] = true
	}

	tasks := make([]*Task, 0, len(plan))
	used := make(map[string]bool, len(plan))
	for i, p := range plan {
		id := ids[p.ID]
		if used[id] {
			id = uuid.New().String()
		}
		used[id] = true

		typ, _ := ParseTaskType(strings.ToLower(strings.TrimSpace(p.Type)))
		title := strings.TrimSpace(p.Title)
		if title == "" {
			title = truncate(p.Description, 80)
		}
		if title == "" {
			title = fmt.Sprintf("Task %d", i+1)
		}
		assignee := p.Assignee
		if !valid[assignee] {
			assignee = chooseAssignee(caps, typ, title+" "+p.Description)
		}
		priority := p.Priority
		if priority <= 0 {
			priority = i + 1
		}

		var deps []string
		seen := make(map[string]bool)
		for _, d := range p.DependsOn {
			depID, ok := ids[d]
			if !ok || depID == id || seen[depID] {
				continue
			}
			seen[depID] = true
			deps = append(deps, depID)
		}

		tasks = append(tasks, &Task{
			ID:          id,
			Type:        typ,
			Title:       title,
			Description: p.Description,
			AgentID:     assignee,
			Status:      TaskPending,
			Priority:    priority,
			DependsOn:   deps,
			CreatedAt:   now,
		})
	}
	return tasks
}

// chooseAssignee picks the best-matching agent for a task, preferring agents
// that list the task type. Ties go to the earlier agent.
func chooseAssignee(caps []registry.Capability, typ TaskType, text string) string {
	best, bestScore := caps[0].ID, -1
	for _, c := range caps {
		score := registry.MatchScore(c, text)
		if c.Supports(string(typ)) {
			score += 2
		}
		if score > bestScore {
			best, bestScore = c.ID, score
		}
	}
	return best
}

func (m *ModeratorStage) summarize(ctx context.Context, s *State, goal string, blocked []*Task, u *Update, now time.Time) {
	if goal == "" {
		goal = s.UserInput
	}
	summary, err := m.complete(ctx, "moderator.summarize", buildSummarizePrompt(goal, s, blocked), 2048, u)
	summary = strings.TrimSpace(summary)
	if err != nil || summary == "" {
		m.logger.Warn("summary synthesis failed, concatenating results",
			zap.String("session", s.SessionID), zap.Error(err))
		summary = fallbackSummary(s, blocked)
	}
	u.Summary = Some(summary)
	u.ShouldProceedToSummary = Some(false)
	ev := newEvent(EventSummary, now, summary)
	ev.AgentID = moderatorAgentID
	u.Events = append(u.Events, ev)
}

// fallbackSummary concatenates results and failure notes. Never empty.
func fallbackSummary(s *State, blocked []*Task) string {
	var buf strings.Builder
	for _, r := range s.Results {
		if buf.Len() > 0 {
			buf.WriteString("\n---\n")
		}
		buf.WriteString(r.Content)
	}
	for _, t := range s.Tasks {
		if t.Status == TaskFailed {
			if buf.Len() > 0 {
				buf.WriteString("\n---\n")
			}
			fmt.Fprintf(&buf, "Task %q (%s) assigned to %s failed: %s", t.Title, t.ID, t.AgentID, t.Error)
		}
	}
	for _, t := range blocked {
		if buf.Len() > 0 {
			buf.WriteString("\n---\n")
		}
		fmt.Fprintf(&buf, "Task %q (%s) assigned to %s could not run because its dependencies were never satisfied.", t.Title, t.ID, t.AgentID)
	}
	if buf.Len() == 0 {
		return "No task produced a result."
	}
	return buf.String()
}

// replanGoal tells the planner which work already finished so it only plans
// what is left.
func replanGoal(intent string, s *State) string {
	var done []*Task
	for _, t := range s.Tasks {
		if t.Status == TaskCompleted {
			done = append(done, t)
		}
	}
	if len(done) == 0 {
		return intent
	}
	return intent + "\n\nAlready completed, do not plan again: " + taskTitles(done)
}

func blockedTasks(s *State) []*Task {
	var out []*Task
	for _, t := range s.Tasks {
		if t.Status == TaskPending {
			out = append(out, t)
		}
	}
	return out
}

func taskTitles(tasks []*Task) string {
	titles := make([]string, len(tasks))
	for i, t := range tasks {
		titles[i] = fmt.Sprintf("%q", t.Title)
	}
	return strings.Join(titles, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
