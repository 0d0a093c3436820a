package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-conductor/internal/provider"
)

// GeneralAgentID is the agent id used when nothing more specific resolves.
const GeneralAgentID = "general-assistant"

// TaskInput is everything a handler needs to execute one task.
type TaskInput struct {
	AgentID     string
	TaskID      string
	Type        string
	Title       string
	Description string
	Utterance   string
	Intent      string
	Upstream    []UpstreamResult
}

// UpstreamResult is a dependency's output passed along as context.
type UpstreamResult struct {
	Title   string
	Content string
}

// Handler executes a task for one agent.
type Handler interface {
	Name() string
	Profile() Profile
	Execute(ctx context.Context, c provider.Completer, in TaskInput) (*provider.Completion, error)
}

// category is a built-in specialization matched by keyword.
type category struct {
	name     string
	keywords []string
	prompt   string
}

var categories = []category{
	{
		name:     "research",
		keywords: []string{"research", "search", "investigat", "scout"},
		prompt:   "You are a research specialist. Gather the relevant facts, cite where they come from when you can, and flag anything uncertain.",
	},
	{
		name:     "analyze",
		keywords: []string{"analy", "data", "insight", "statistic"},
		prompt:   "You are an analyst. Break the problem into parts, weigh the evidence, and state conclusions with their confidence.",
	},
	{
		name:     "summarize",
		keywords: []string{"summar", "digest", "brief"},
		prompt:   "You are a summarization specialist. Condense the material into a short, faithful summary without adding new claims.",
	},
	{
		name:     "develop",
		keywords: []string{"develop", "code", "coder", "engineer", "program", "dev"},
		prompt:   "You are a software developer. Produce working, idiomatic solutions and explain any non-obvious decisions briefly.",
	},
	{
		name:     "review",
		keywords: []string{"review", "critic", "audit", "qa", "check"},
		prompt:   "You are a reviewer. Examine the work for errors, gaps, and risks, and list concrete improvements.",
	},
	{
		name:     "write",
		keywords: []string{"writ", "creative", "poet", "author", "story", "copy"},
		prompt:   "You are a creative writer. Produce polished original text that matches the requested form and tone.",
	},
}

const generalPrompt = "You are a capable general assistant. Complete the task directly and concisely."

// matchCategory returns the first category whose keyword is a substring of id.
func matchCategory(id string) (category, bool) {
	lower := strings.ToLower(id)
	for _, c := range categories {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c, true
			}
		}
	}
	return category{}, false
}

// promptHandler composes the system prompt and task prompt and issues one completion.
type promptHandler struct {
	name    string
	profile Profile
}

func newPromptHandler(name string, profile Profile, fallbackPrompt string) *promptHandler {
	if profile.SystemPrompt == "" {
		profile.SystemPrompt = fallbackPrompt
	}
	if profile.MaxTokens <= 0 {
		profile.MaxTokens = 2048
	}
	if profile.Temperature == 0 {
		profile.Temperature = 0.7
	}
	return &promptHandler{name: name, profile: profile}
}

func (h *promptHandler) Name() string     { return h.name }
func (h *promptHandler) Profile() Profile { return h.profile }

// Execute issues one text completion for the task.
func (h *promptHandler) Execute(ctx context.Context, c provider.Completer, in TaskInput) (*provider.Completion, error) {
	return c.Complete(ctx, provider.CompletionRequest{
		AgentID:     in.AgentID,
		Model:       h.profile.Model,
		System:      h.profile.SystemPrompt,
		Prompt:      BuildTaskPrompt(in),
		Temperature: h.profile.Temperature,
		MaxTokens:   h.profile.MaxTokens,
	})
}

// BuildTaskPrompt renders the user-role prompt for a task.
func BuildTaskPrompt(in TaskInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task (%s): %s\n", in.Type, in.Title)
	if in.Description != "" {
		fmt.Fprintf(&sb, "Details: %s\n", in.Description)
	}
	fmt.Fprintf(&sb, "\nOriginal request: %s\n", in.Utterance)
	if in.Intent != "" && in.Intent != in.Utterance {
		fmt.Fprintf(&sb, "Interpreted goal: %s\n", in.Intent)
	}
	if len(in.Upstream) > 0 {
		sb.WriteString("\nResults from earlier steps:\n")
		for _, u := range in.Upstream {
			fmt.Fprintf(&sb, "- %s: %s\n", u.Title, u.Content)
		}
	}
	sb.WriteString("\nRespond with the finished work only.")
	return sb.String()
}
