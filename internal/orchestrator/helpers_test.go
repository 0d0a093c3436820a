package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"go.uber.org/zap"
)

// scriptedLLM answers completions by request kind.
type scriptedLLM struct {
	mu    sync.Mutex
	calls []provider.CompletionRequest

	classify  func(prompt string) (string, error)
	decompose func(prompt string) (string, error)
	summarize func(prompt string) (string, error)
	agent     func(req provider.CompletionRequest) (string, error)
}

func (l *scriptedLLM) Complete(_ context.Context, req provider.CompletionRequest) (*provider.Completion, error) {
	l.mu.Lock()
	l.calls = append(l.calls, req)
	l.mu.Unlock()

	var (
		text string
		err  error
	)
	switch {
	case req.AgentID == moderatorAgentID && strings.HasPrefix(req.Prompt, "Decide whether"):
		text, err = call(l.classify, req.Prompt, "CLEAR_INTENT: "+utteranceOf(req.Prompt))
	case req.AgentID == moderatorAgentID && strings.HasPrefix(req.Prompt, "Break the goal"):
		text, err = call(l.decompose, req.Prompt, "not json")
	case req.AgentID == moderatorAgentID && strings.HasPrefix(req.Prompt, "Combine the results"):
		text, err = call(l.summarize, req.Prompt, "summary of everything")
	default:
		if l.agent != nil {
			text, err = l.agent(req)
		} else {
			text = "output from " + req.AgentID
		}
	}
	if err != nil {
		return nil, err
	}
	return &provider.Completion{Text: text, Model: "fake-model", Provider: "fake"}, nil
}

func call(fn func(string) (string, error), prompt, def string) (string, error) {
	if fn == nil {
		return def, nil
	}
	return fn(prompt)
}

// utteranceOf extracts the user request from a classification prompt.
func utteranceOf(prompt string) string {
	_, rest, _ := strings.Cut(prompt, "User request:\n")
	u, _, _ := strings.Cut(rest, "\n\nAnswer")
	return u
}

func (l *scriptedLLM) agentCalls() []provider.CompletionRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []provider.CompletionRequest
	for _, c := range l.calls {
		if c.AgentID != moderatorAgentID {
			out = append(out, c)
		}
	}
	return out
}

func fixed(text string) func(string) (string, error) {
	return func(string) (string, error) { return text, nil }
}

func testRegistry(defs ...registry.Definition) *registry.Registry {
	return registry.New(registry.StaticSource(defs), registry.Options{}, zap.NewNop())
}

func agentDef(id string, types []string, ceiling int) registry.Definition {
	return registry.Definition{Capability: registry.Capability{
		ID:             id,
		Name:           id,
		TaskTypes:      types,
		MaxConcurrency: ceiling,
	}}
}

func testAssembler(dir Directory, llm provider.Completer) *Assembler {
	return NewAssembler(dir, llm, AssemblerOptions{CostPer1K: 0.002, MaxSteps: 64}, nil, zap.NewNop())
}

func testLogger() *zap.Logger { return zap.NewNop() }

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingTask(id, agent string, deps ...string) *Task {
	return &Task{
		ID:        id,
		Type:      TaskResearch,
		Title:     "task " + id,
		AgentID:   agent,
		Status:    TaskPending,
		DependsOn: deps,
		CreatedAt: testNow,
	}
}

func eventsOf(s *State, typ EventType) []GraphEvent {
	var out []GraphEvent
	for _, e := range s.Events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
