package orchestrator

import (
	"fmt"
	"time"
)

// State is the record threaded through one session's workflow. Stages read
// it and return an Update; only the workflow applies updates.
type State struct {
	SessionID       string   `json:"session_id"`
	TurnIndex       int      `json:"turn_index"`
	UserInput       string   `json:"user_input"`
	Participants    []string `json:"participants,omitempty"`
	ConfirmedIntent string   `json:"confirmed_intent,omitempty"`

	Tasks    []*Task      `json:"tasks"`
	InFlight []Dispatch   `json:"in_flight"`
	Results  []Result     `json:"results"`
	Events   []GraphEvent `json:"events"`

	Cost       float64 `json:"cost"`
	TokensUsed int     `json:"tokens_used"`

	ShouldClarify         bool   `json:"should_clarify"`
	ClarificationQuestion string `json:"clarification_question,omitempty"`
	ClarificationAsked    bool   `json:"clarification_asked"`

	ShouldProceedToSummary bool `json:"should_proceed_to_summary"`
	Stalled                bool `json:"stalled"`
	// Replan asks the moderator to plan the remaining work again from the
	// amended intent, keeping finished tasks.
	Replan  bool   `json:"replan,omitempty"`
	Summary string `json:"summary,omitempty"`

	IsCancelled bool `json:"is_cancelled"`
	Interrupted bool `json:"interrupted"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns an empty state for the first turn of a session.
func NewState(sessionID, utterance string) *State {
	return &State{
		SessionID: sessionID,
		UserInput: utterance,
		UpdatedAt: time.Now(),
	}
}

// Task returns the task with the given id.
func (s *State) Task(id string) (*Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// HasResult reports whether a Result exists for taskID.
func (s *State) HasResult(taskID string) bool {
	for i := range s.Results {
		if s.Results[i].TaskID == taskID {
			return true
		}
	}
	return false
}

// IsInFlight reports whether taskID is currently dispatched.
func (s *State) IsInFlight(taskID string) bool {
	for _, d := range s.InFlight {
		if d.TaskID == taskID {
			return true
		}
	}
	return false
}

// InFlightFor returns the dispatched task ids assigned to agentID, in dispatch order.
func (s *State) InFlightFor(agentID string) []string {
	var ids []string
	for _, d := range s.InFlight {
		if d.AgentID == agentID {
			ids = append(ids, d.TaskID)
		}
	}
	return ids
}

// AllTerminal reports whether every task is completed or failed.
func (s *State) AllTerminal() bool {
	for _, t := range s.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// CountStatus returns how many tasks are in status st.
func (s *State) CountStatus(st TaskStatus) int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == st {
			n++
		}
	}
	return n
}

// Terminated reports whether the turn has reached a suspension or end point.
func (s *State) Terminated() bool {
	return s.ShouldClarify || s.Summary != "" || s.Interrupted
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := *s
	c.Tasks = make([]*Task, len(s.Tasks))
	for i, t := range s.Tasks {
		c.Tasks[i] = t.clone()
	}
	c.Participants = append([]string(nil), s.Participants...)
	c.InFlight = append([]Dispatch(nil), s.InFlight...)
	c.Results = append([]Result(nil), s.Results...)
	c.Events = append([]GraphEvent(nil), s.Events...)
	return &c
}

// Validate checks that every task id appears in at most one of pending,
// in-flight, or completed-with-result, and that in-flight tasks exist.
func (s *State) Validate() error {
	seen := make(map[string]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		seen[t.ID] = true

		places := 0
		if t.Status == TaskPending {
			places++
		}
		if s.IsInFlight(t.ID) {
			places++
		}
		if s.HasResult(t.ID) {
			places++
		}
		if places > 1 {
			return fmt.Errorf("task %s is in %d places at once", t.ID, places)
		}
	}
	for _, d := range s.InFlight {
		if !seen[d.TaskID] {
			return fmt.Errorf("in-flight task %s does not exist", d.TaskID)
		}
	}
	return nil
}

// Opt is an optional field in an Update. Unset fields leave the state untouched.
type Opt[T any] struct {
	Value T
	Set   bool
}

// Some returns a set Opt holding v.
func Some[T any](v T) Opt[T] { return Opt[T]{Value: v, Set: true} }

func (o Opt[T]) applyTo(dst *T) {
	if o.Set {
		*dst = o.Value
	}
}

// Update is the partial state a stage returns. Merge rules: scalar fields
// replace when set; Tasks and InFlight replace the whole list when set;
// Results and Events are appended; cost and tokens are added.
type Update struct {
	ConfirmedIntent Opt[string]
	Tasks           Opt[[]*Task]
	InFlight        Opt[[]Dispatch]
	Results         []Result
	Events          []GraphEvent
	CostDelta       float64
	TokensDelta     int

	ShouldClarify         Opt[bool]
	ClarificationQuestion Opt[string]
	ClarificationAsked    Opt[bool]

	ShouldProceedToSummary Opt[bool]
	Stalled                Opt[bool]
	Replan                 Opt[bool]
	Summary                Opt[string]
	IsCancelled            Opt[bool]
}

// Empty reports whether applying u would change nothing.
func (u *Update) Empty() bool {
	return u == nil || (!u.ConfirmedIntent.Set && !u.Tasks.Set && !u.InFlight.Set &&
		len(u.Results) == 0 && len(u.Events) == 0 && u.CostDelta == 0 && u.TokensDelta == 0 &&
		!u.ShouldClarify.Set && !u.ClarificationQuestion.Set && !u.ClarificationAsked.Set &&
		!u.ShouldProceedToSummary.Set && !u.Stalled.Set && !u.Replan.Set && !u.Summary.Set && !u.IsCancelled.Set)
}

// Apply merges u into s.
func (s *State) Apply(u *Update, now time.Time) {
	if u.Empty() {
		return
	}
	u.ConfirmedIntent.applyTo(&s.ConfirmedIntent)
	u.Tasks.applyTo(&s.Tasks)
	u.InFlight.applyTo(&s.InFlight)
	s.Results = append(s.Results, u.Results...)
	s.Events = append(s.Events, u.Events...)
	s.Cost += u.CostDelta
	s.TokensUsed += u.TokensDelta

	u.ShouldClarify.applyTo(&s.ShouldClarify)
	u.ClarificationQuestion.applyTo(&s.ClarificationQuestion)
	u.ClarificationAsked.applyTo(&s.ClarificationAsked)
	u.ShouldProceedToSummary.applyTo(&s.ShouldProceedToSummary)
	u.Stalled.applyTo(&s.Stalled)
	u.Replan.applyTo(&s.Replan)
	u.Summary.applyTo(&s.Summary)
	u.IsCancelled.applyTo(&s.IsCancelled)
	s.UpdatedAt = now
}

// replaceTasks returns a copy of tasks with entries swapped for their
// same-id replacements. The input slice is not modified.
func replaceTasks(tasks []*Task, replacements ...*Task) []*Task {
	byID := make(map[string]*Task, len(replacements))
	for _, r := range replacements {
		byID[r.ID] = r
	}
	out := make([]*Task, len(tasks))
	for i, t := range tasks {
		if r, ok := byID[t.ID]; ok {
			out[i] = r
			continue
		}
		out[i] = t
	}
	return out
}

// withoutDispatch returns inFlight minus the entry for taskID.
func withoutDispatch(inFlight []Dispatch, taskID string) []Dispatch {
	out := make([]Dispatch, 0, len(inFlight))
	for _, d := range inFlight {
		if d.TaskID != taskID {
			out = append(out, d)
		}
	}
	return out
}
