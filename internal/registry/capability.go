package registry

import (
	"context"
	"strings"
)

// DefaultConcurrency is the per-agent in-flight ceiling when none is configured.
const DefaultConcurrency = 2

// Capability describes what an agent can do.
type Capability struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Skills         []string `json:"skills"`
	TaskTypes      []string `json:"task_types"`
	MaxConcurrency int      `json:"max_concurrency"`
}

// Supports reports whether the agent lists taskType among its task types.
func (c Capability) Supports(taskType string) bool {
	for _, t := range c.TaskTypes {
		if strings.EqualFold(t, taskType) {
			return true
		}
	}
	return false
}

// Profile holds the prompt template and model parameters for an agent.
type Profile struct {
	SystemPrompt string  `json:"system_prompt"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// Definition is one agent row from a backing store.
type Definition struct {
	Capability
	Profile Profile `json:"profile"`
}

// Source loads the active agent definitions from an external store.
type Source interface {
	LoadAgents(ctx context.Context) ([]Definition, error)
}

// StaticSource serves a fixed set of definitions, typically from config.
type StaticSource []Definition

// LoadAgents returns a copy of the static definitions.
func (s StaticSource) LoadAgents(context.Context) ([]Definition, error) {
	out := make([]Definition, len(s))
	copy(out, s)
	return out, nil
}

// MergedSource loads from each source in order; later sources override
// earlier ones by agent ID. Any source error fails the whole load so a
// partial view never replaces a complete one.
type MergedSource []Source

// LoadAgents merges all sources.
func (m MergedSource) LoadAgents(ctx context.Context) ([]Definition, error) {
	var order []string
	byID := make(map[string]Definition)
	for _, src := range m {
		if src == nil {
			continue
		}
		defs, err := src.LoadAgents(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if _, seen := byID[d.ID]; !seen {
				order = append(order, d.ID)
			}
			byID[d.ID] = d
		}
	}
	out := make([]Definition, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// MatchScore counts how many words of text overlap the agent's skills, task
// types, and name.
func MatchScore(c Capability, text string) int {
	words := strings.Fields(strings.ToLower(text))
	nameLower := strings.ToLower(c.Name + " " + c.ID)
	score := 0
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) < 3 {
			continue
		}
		for _, sk := range c.Skills {
			if strings.Contains(strings.ToLower(sk), w) {
				score++
			}
		}
		for _, tt := range c.TaskTypes {
			if strings.EqualFold(tt, w) {
				score++
			}
		}
		if strings.Contains(nameLower, w) {
			score++
		}
	}
	return score
}
