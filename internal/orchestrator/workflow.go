package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"go.uber.org/zap"
)

// Node names.
const (
	NodeModerator = "moderator"
	NodeRouter    = "router"
	NodeEnd       = ""

	agentNodePrefix = "agent-"
)

// AgentNode returns the node name for agentID.
func AgentNode(agentID string) string { return agentNodePrefix + agentID }

// StepFunc is called after each node's update has been applied.
type StepFunc func(node string, s *State)

// Workflow is one session's assembled graph: a moderator, a router, and one
// execution stage per resolved participant. A workflow runs one turn at a time.
type Workflow struct {
	sessionID    string
	participants []string
	moderator    Stage
	router       Stage
	maxSteps     int
	now          func() time.Time
	logger       *zap.Logger

	mu       sync.Mutex
	agents   map[string]Stage
	fallback func(ctx context.Context, agentID string) Stage

	running     atomic.Bool
	interrupted atomic.Bool
	cancelled   atomic.Bool
}

// Participants returns the resolved agent ids this workflow was built with.
func (w *Workflow) Participants() []string {
	return append([]string(nil), w.participants...)
}

// Nodes lists the workflow's node names.
func (w *Workflow) Nodes() []string {
	nodes := []string{NodeModerator, NodeRouter}
	for _, id := range w.participants {
		nodes = append(nodes, AgentNode(id))
	}
	return nodes
}

// Interrupt asks the running turn to pause at the next step boundary. It
// reports false, and does nothing, when no turn is running.
func (w *Workflow) Interrupt() bool {
	if !w.running.Load() {
		return false
	}
	w.interrupted.Store(true)
	return true
}

// Resume clears a pending pause request on the running turn.
func (w *Workflow) Resume() bool {
	if !w.running.Load() {
		return false
	}
	w.interrupted.Store(false)
	return true
}

// Cancel asks the running turn to cancel at the next step boundary. It
// reports false when no turn is running.
func (w *Workflow) Cancel() bool {
	if !w.running.Load() {
		return false
	}
	w.cancelled.Store(true)
	return true
}

// Running reports whether a turn is executing.
func (w *Workflow) Running() bool { return w.running.Load() }

// Paused reports whether a pause request is pending.
func (w *Workflow) Paused() bool { return w.interrupted.Load() }

// Next is the transition table.
func Next(node string, s *State) string {
	switch {
	case node == NodeModerator:
		if s.ShouldClarify || s.Summary != "" {
			return NodeEnd
		}
		if len(s.Tasks) > 0 {
			return NodeRouter
		}
		return NodeEnd
	case node == NodeRouter:
		if next := NextNode(s); next != "" {
			return next
		}
		return NodeModerator
	case strings.HasPrefix(node, agentNodePrefix):
		return NodeRouter
	}
	return NodeEnd
}

// Run drives s from the moderator until the turn suspends or ends. Stage
// failures are recorded in the state; Run only returns an error for context
// cancellation or when the step bound is exceeded.
//
// Pause and cancel requests belong to a single Run: they are cleared when it
// starts, and one that arrives after the last step boundary is dropped.
func (w *Workflow) Run(ctx context.Context, s *State, onStep StepFunc) error {
	w.interrupted.Store(false)
	w.cancelled.Store(false)
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		if w.cancelled.Swap(false) {
			w.logger.Info("cancel request arrived after the turn finished",
				zap.String("session", s.SessionID), zap.Int("turn", s.TurnIndex))
		}
		w.interrupted.Store(false)
	}()

	node := NodeModerator
	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.cancelled.CompareAndSwap(true, false) && !s.IsCancelled {
			s.Apply(&Update{
				IsCancelled: Some(true),
				Events:      []GraphEvent{newEvent(EventSystem, w.now(), "Cancellation requested")},
			}, w.now())
			node = NodeModerator
		}
		if w.interrupted.Load() && !s.IsCancelled {
			s.Interrupted = true
			s.Apply(&Update{Events: []GraphEvent{newEvent(EventSystem, w.now(), "Paused before "+node)}}, w.now())
			w.logger.Info("turn interrupted",
				zap.String("session", s.SessionID), zap.Int("turn", s.TurnIndex), zap.String("node", node))
			if onStep != nil {
				onStep(node, s)
			}
			return nil
		}
		if steps >= w.maxSteps {
			return fmt.Errorf("%d steps: %w", steps, ErrStepLimit)
		}

		u, err := w.stage(ctx, node).Run(ctx, s)
		if err != nil {
			return fmt.Errorf("%s: %w", node, err)
		}
		s.Apply(u, w.now())
		if onStep != nil {
			onStep(node, s)
		}

		next := Next(node, s)
		w.logger.Debug("transition",
			zap.String("session", s.SessionID),
			zap.Int("turn", s.TurnIndex),
			zap.String("node", node),
			zap.String("next", next))
		if next == NodeEnd {
			return nil
		}
		node = next
	}
}

func (w *Workflow) stage(ctx context.Context, node string) Stage {
	switch node {
	case NodeModerator:
		return w.moderator
	case NodeRouter:
		return w.router
	}
	agentID := strings.TrimPrefix(node, agentNodePrefix)
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.agents[agentID]; ok {
		return st
	}
	// Tasks may be assigned to agents outside the roster, e.g. the general
	// assistant when the session has no participants.
	st := w.fallback(ctx, agentID)
	w.agents[agentID] = st
	return st
}

// AssemblerOptions tunes the stages an Assembler builds.
type AssemblerOptions struct {
	ModeratorModel string
	CostPer1K      float64
	MaxSteps       int
}

// Assembler builds per-session workflows from a roster of agent ids.
type Assembler struct {
	dir     Directory
	llm     provider.Completer
	opts    AssemblerOptions
	metrics Metrics
	now     func() time.Time
	logger  *zap.Logger
}

// NewAssembler creates an assembler. metrics may be nil.
func NewAssembler(dir Directory, llm provider.Completer, opts AssemblerOptions, metrics Metrics, logger *zap.Logger) *Assembler {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 64
	}
	if metrics == nil {
		metrics = NopMetrics
	}
	return &Assembler{dir: dir, llm: llm, opts: opts, metrics: metrics, now: time.Now, logger: logger}
}

// Assemble resolves participantIDs and builds the workflow. Ids that fail to
// resolve are skipped with a warning.
func (a *Assembler) Assemble(ctx context.Context, sessionID string, participantIDs []string) *Workflow {
	var (
		caps     []registry.Capability
		resolved []string
		seen     = make(map[string]bool)
	)
	for _, id := range participantIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		c, err := a.dir.Capability(ctx, id)
		if err != nil {
			a.logger.Warn("skipping unresolved participant",
				zap.String("session", sessionID), zap.String("agent", id), zap.Error(err))
			continue
		}
		caps = append(caps, c)
		resolved = append(resolved, id)
	}

	w := &Workflow{
		sessionID:    sessionID,
		participants: resolved,
		moderator: &ModeratorStage{
			dir:          a.dir,
			llm:          a.llm,
			participants: caps,
			model:        a.opts.ModeratorModel,
			cost:         costModel{per1K: a.opts.CostPer1K},
			metrics:      a.metrics,
			now:          a.now,
			logger:       a.logger,
		},
		router:   &RouterStage{dir: a.dir, now: a.now, logger: a.logger, turn: -1},
		maxSteps: a.opts.MaxSteps,
		now:      a.now,
		logger:   a.logger,
		agents:   make(map[string]Stage, len(resolved)),
	}
	for _, id := range resolved {
		w.agents[id] = a.executionStage(ctx, id)
	}
	w.fallback = a.executionStage

	a.logger.Info("workflow assembled",
		zap.String("session", sessionID),
		zap.Strings("participants", resolved),
		zap.Int("skipped", len(seen)-len(resolved)))
	return w
}

func (a *Assembler) executionStage(ctx context.Context, agentID string) Stage {
	h, err := a.dir.HandlerFor(ctx, agentID)
	if err != nil {
		a.logger.Warn("no handler for agent", zap.String("agent", agentID), zap.Error(err))
	}
	return &ExecutionStage{
		agentID: agentID,
		handler: h,
		llm:     a.llm,
		cost:    costModel{per1K: a.opts.CostPer1K},
		metrics: a.metrics,
		now:     a.now,
		logger:  a.logger,
	}
}
