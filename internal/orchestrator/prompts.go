package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-conductor/internal/registry"
)

const moderatorSystem = "You are the moderator of a team of specialist agents. You judge requests, plan work, and merge results. Follow the requested output format exactly."

const classifyPrompt = `Decide whether the user's request is clear enough to plan work for.

User request:
%s

Answer with exactly one line:
CLEAR_INTENT: <the request restated as a concrete goal>
or
NEEDS_CLARIFICATION: <one short question for the user>`

const decomposePrompt = `Break the goal into between 2 and 5 tasks for the agents below. A single task is fine when the goal is small.

Goal:
%s

Agents (use only these ids as assignee):
%s

Task types: %s

Reply with JSON only:
{"tasks":[{"id":"t1","type":"research","title":"...","description":"...","assignee":"<agent id>","priority":1,"depends_on":[]}]}

depends_on lists ids of earlier tasks whose output this task needs.`

const summarizePrompt = `Combine the results below into one coherent answer for the user.

Goal:
%s

Results:
%s
%s
Write the final answer directly. Mention any task that failed or could not run.`

func buildDecomposePrompt(goal string, caps []registry.Capability) string {
	var agents strings.Builder
	for _, c := range caps {
		fmt.Fprintf(&agents, "- %s", c.ID)
		if c.Name != "" {
			fmt.Fprintf(&agents, " (%s)", c.Name)
		}
		if c.Description != "" {
			fmt.Fprintf(&agents, ": %s", c.Description)
		}
		if len(c.Skills) > 0 {
			fmt.Fprintf(&agents, " skills=[%s]", strings.Join(c.Skills, ", "))
		}
		if len(c.TaskTypes) > 0 {
			fmt.Fprintf(&agents, " types=[%s]", strings.Join(c.TaskTypes, ", "))
		}
		agents.WriteByte('\n')
	}
	types := make([]string, len(TaskTypes))
	for i, t := range TaskTypes {
		types[i] = string(t)
	}
	return fmt.Sprintf(decomposePrompt, goal, agents.String(), strings.Join(types, ", "))
}

func buildSummarizePrompt(goal string, s *State, blocked []*Task) string {
	var res strings.Builder
	for _, r := range s.Results {
		title := r.TaskID
		if t, ok := s.Task(r.TaskID); ok {
			title = t.Title
		}
		fmt.Fprintf(&res, "[%s / %s]\n%s\n\n", r.AgentID, title, r.Content)
	}
	if res.Len() == 0 {
		res.WriteString("(no results)\n")
	}

	var notes strings.Builder
	for _, t := range s.Tasks {
		if t.Status == TaskFailed {
			fmt.Fprintf(&notes, "- %q by %s failed: %s\n", t.Title, t.AgentID, t.Error)
		}
	}
	for _, t := range blocked {
		fmt.Fprintf(&notes, "- %q by %s could not run: its dependencies were never satisfied\n", t.Title, t.AgentID)
	}
	if notes.Len() > 0 {
		return fmt.Sprintf(summarizePrompt, goal, res.String(), "\nProblems:\n"+notes.String())
	}
	return fmt.Sprintf(summarizePrompt, goal, res.String(), "")
}

// classification is the moderator's reading of an utterance.
type classification struct {
	clear    bool
	intent   string
	question string
}

// parseClassification accepts the line protocol or an equivalent JSON object.
func parseClassification(text string) (classification, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "*`"))
		if v, ok := cutPrefixFold(line, "CLEAR_INTENT:"); ok {
			return classification{clear: true, intent: strings.TrimSpace(v)}, true
		}
		if v, ok := cutPrefixFold(line, "NEEDS_CLARIFICATION:"); ok {
			return classification{question: strings.TrimSpace(v)}, true
		}
	}

	var obj struct {
		Status   string `json:"status"`
		Intent   string `json:"intent"`
		Question string `json:"question"`
	}
	raw := extractJSON(text)
	if raw == "" || json.Unmarshal([]byte(raw), &obj) != nil {
		return classification{}, false
	}
	switch strings.ToLower(obj.Status) {
	case "clear", "clear_intent":
		return classification{clear: true, intent: obj.Intent}, true
	case "needs_clarification", "clarify":
		return classification{question: obj.Question}, true
	}
	return classification{}, false
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// plannedTask is one entry of a decomposition reply.
type plannedTask struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Assignee    string   `json:"assignee"`
	Priority    int      `json:"priority"`
	DependsOn   []string `json:"depends_on"`
}

// parsePlan accepts {"tasks":[...]} or a bare array, optionally wrapped in prose
// or a code fence.
func parsePlan(text string) ([]plannedTask, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON in reply")
	}
	var plan []plannedTask
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &plan); err != nil {
			return nil, fmt.Errorf("decode task list: %w", err)
		}
	} else {
		var wrapped struct {
			Tasks []plannedTask `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		plan = wrapped.Tasks
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}
	return plan, nil
}

// extractJSON returns the outermost JSON object or array in text, or "".
func extractJSON(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return ""
	}
	return text[start : end+1]
}
