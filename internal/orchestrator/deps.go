package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/registry"
)

var (
	// ErrStepLimit is returned when a turn exceeds its node invocation bound.
	ErrStepLimit = errors.New("step limit exceeded")
	// ErrNoPriorState means a session has no persisted turn to build on.
	ErrNoPriorState = errors.New("no prior state")
	// ErrSessionBusy is returned when a turn is already running for the session.
	ErrSessionBusy = errors.New("session busy")
)

// Directory is the view of the capability registry the orchestrator needs.
// *registry.Registry implements it.
type Directory interface {
	Capability(ctx context.Context, agentID string) (registry.Capability, error)
	All(ctx context.Context) []registry.Capability
	Concurrency(ctx context.Context, agentID string) int
	HandlerFor(ctx context.Context, agentID string) (registry.Handler, error)
}

// Stage is one node of the workflow. A stage reads the state and returns the
// partial update to merge; it must not mutate the state itself. A non-nil
// error aborts the turn and is reserved for context cancellation.
type Stage interface {
	Run(ctx context.Context, s *State) (*Update, error)
}

// Metrics receives orchestration telemetry.
type Metrics interface {
	GraphCache(event string)
	Graphs(n int)
	Turn(outcome Outcome, d time.Duration)
	Task(agentID string, status TaskStatus, d time.Duration)
	Completion(node string, tokens int, cost float64, err error)
}

type nopMetrics struct{}

func (nopMetrics) GraphCache(string)                      {}
func (nopMetrics) Graphs(int)                             {}
func (nopMetrics) Turn(Outcome, time.Duration)            {}
func (nopMetrics) Task(string, TaskStatus, time.Duration) {}
func (nopMetrics) Completion(string, int, float64, error) {}

// NopMetrics discards all telemetry.
var NopMetrics Metrics = nopMetrics{}

// costModel turns a completion into a token count and a cost.
type costModel struct {
	per1K float64
}

func (m costModel) measure(c *provider.Completion, prompt string) (int, float64) {
	tokens := 0
	if c != nil {
		tokens = c.Usage.TotalTokens
		if tokens == 0 {
			tokens = c.Usage.PromptTokens + c.Usage.CompletionTokens
		}
		if tokens == 0 {
			tokens = estimateTokens(prompt) + estimateTokens(c.Text)
		}
	}
	return tokens, float64(tokens) / 1000 * m.per1K
}

// estimateTokens approximates a token count at four characters per token.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return max(1, len(s)/4)
}
