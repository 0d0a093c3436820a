package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StateStore persists one State per (session, turn).
type StateStore interface {
	Save(ctx context.Context, sessionID string, turnIndex int, s *State) error
	LoadAll(ctx context.Context, sessionID string) ([]*State, error)
	// LatestTurnIndex returns -1 when the session has no saved turn.
	LatestTurnIndex(ctx context.Context, sessionID string) (int, error)
	LoadTurn(ctx context.Context, sessionID string, turnIndex int) (*State, error)
	Delete(ctx context.Context, sessionID string) error
}

// Observer is told about every finished turn. Errors are logged only.
type Observer interface {
	ObserveTurn(ctx context.Context, s *State, events []GraphEvent) error
}

// Forgetter is implemented by observers that keep per-session data.
// DeleteSession calls Forget on each of them.
type Forgetter interface {
	Forget(ctx context.Context, sessionID string) error
}

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeClarify         Outcome = "clarify"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeInterrupted     Outcome = "interrupted"
	OutcomeAborted         Outcome = "aborted"
	OutcomeIdle            Outcome = "idle"
	OutcomeCancelRequested Outcome = "cancel_requested"
)

// TurnRequest starts a turn.
type TurnRequest struct {
	SessionID    string   `json:"session_id"`
	Message      string   `json:"message"`
	Participants []string `json:"participants"`
}

// TurnResult is what a caller sees after a turn.
type TurnResult struct {
	SessionID string       `json:"session_id"`
	TurnIndex int          `json:"turn_index"`
	Outcome   Outcome      `json:"outcome"`
	Summary   string       `json:"summary,omitempty"`
	Question  string       `json:"question,omitempty"`
	Events    []GraphEvent `json:"events"`
	Version   uint64       `json:"graph_version"`
	State     *State       `json:"state,omitempty"`
}

// Conductor runs turns: it restores the session's last state, drives the
// cached workflow, saves after every step, and notifies observers.
type Conductor struct {
	cache     *GraphCache
	store     StateStore
	observers []Observer
	metrics   Metrics
	now       func() time.Time
	logger    *zap.Logger

	mu   sync.Mutex
	busy map[string]bool
}

// NewConductor wires a conductor. metrics may be nil.
func NewConductor(cache *GraphCache, store StateStore, metrics Metrics, logger *zap.Logger, observers ...Observer) *Conductor {
	if metrics == nil {
		metrics = NopMetrics
	}
	return &Conductor{
		cache:     cache,
		store:     store,
		observers: observers,
		metrics:   metrics,
		now:       time.Now,
		logger:    logger,
		busy:      make(map[string]bool),
	}
}

func (c *Conductor) acquire(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy[sessionID] {
		return false
	}
	c.busy[sessionID] = true
	return true
}

func (c *Conductor) release(sessionID string) {
	c.mu.Lock()
	delete(c.busy, sessionID)
	c.mu.Unlock()
}

// HandleTurn runs one turn for a new user utterance.
func (c *Conductor) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if !c.acquire(req.SessionID) {
		return nil, fmt.Errorf("%s: %w", req.SessionID, ErrSessionBusy)
	}
	defer c.release(req.SessionID)

	prev := c.latest(ctx, req.SessionID)
	st := NextTurnState(prev, req.SessionID, req.Message, req.Participants, c.now())
	return c.run(ctx, st)
}

// Continue runs a new turn on the latest state without a new utterance,
// picking up a paused or stalled graph. A clarification left unanswered is
// treated as declined.
func (c *Conductor) Continue(ctx context.Context, sessionID string) (*TurnResult, error) {
	if !c.acquire(sessionID) {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionBusy)
	}
	defer c.release(sessionID)

	prev := c.latest(ctx, sessionID)
	if prev == nil {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrNoPriorState)
	}
	if prev.Summary != "" {
		return resultFor(prev, nil, 0), nil
	}
	return c.run(ctx, ContinueState(prev, c.now()))
}

// Interrupt asks the session's running turn to pause. It reports false when
// the session has no running turn.
func (c *Conductor) Interrupt(sessionID string) bool {
	return c.cache.Interrupt(sessionID)
}

// Resume clears a pending pause request on the running turn. A paused turn
// that already ended is picked up with Continue.
func (c *Conductor) Resume(sessionID string) bool {
	return c.cache.Resume(sessionID)
}

// Cancel cancels the session's flow. A running turn is signaled and stops at
// its next step boundary; otherwise an unfinished saved graph is closed out
// with a cancellation summary.
func (c *Conductor) Cancel(ctx context.Context, sessionID string) (*TurnResult, error) {
	if !c.acquire(sessionID) {
		if c.cache.Cancel(sessionID) {
			return &TurnResult{SessionID: sessionID, Outcome: OutcomeCancelRequested}, nil
		}
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionBusy)
	}
	defer c.release(sessionID)

	prev := c.latest(ctx, sessionID)
	if prev == nil || prev.Summary != "" {
		return nil, fmt.Errorf("%s: nothing to cancel: %w", sessionID, ErrNoPriorState)
	}
	st := ContinueState(prev, c.now())
	st.IsCancelled = true
	return c.run(ctx, st)
}

// History returns every saved turn of the session in order.
func (c *Conductor) History(ctx context.Context, sessionID string) ([]*State, error) {
	return c.store.LoadAll(ctx, sessionID)
}

// DeleteSession drops the cached workflow, every saved turn, and whatever
// observers kept for the session. Observer failures are logged only.
func (c *Conductor) DeleteSession(ctx context.Context, sessionID string) error {
	c.cache.Remove(sessionID)
	if err := c.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	for _, o := range c.observers {
		f, ok := o.(Forgetter)
		if !ok {
			continue
		}
		if err := f.Forget(ctx, sessionID); err != nil {
			c.logger.Warn("observer forget failed", zap.String("session", sessionID), zap.Error(err))
		}
	}
	return nil
}

// latest loads the newest saved state. Load failures are treated as no prior
// state.
func (c *Conductor) latest(ctx context.Context, sessionID string) *State {
	idx, err := c.store.LatestTurnIndex(ctx, sessionID)
	if err != nil {
		c.logger.Warn("latest turn lookup failed, starting fresh",
			zap.String("session", sessionID), zap.Error(err))
		return nil
	}
	if idx < 0 {
		return nil
	}
	st, err := c.store.LoadTurn(ctx, sessionID, idx)
	if err != nil {
		if !errors.Is(err, ErrNoPriorState) {
			c.logger.Warn("state load failed, starting fresh",
				zap.String("session", sessionID), zap.Int("turn", idx), zap.Error(err))
		}
		return nil
	}
	return st
}

func (c *Conductor) save(ctx context.Context, s *State) {
	if err := c.store.Save(ctx, s.SessionID, s.TurnIndex, s); err != nil {
		c.logger.Warn("state save failed",
			zap.String("session", s.SessionID), zap.Int("turn", s.TurnIndex), zap.Error(err))
	}
}

func (c *Conductor) run(ctx context.Context, st *State) (*TurnResult, error) {
	start := c.now()
	inst, err := c.cache.GetOrCreate(ctx, st.SessionID, st.Participants)
	if err != nil {
		return nil, fmt.Errorf("workflow for %s: %w", st.SessionID, err)
	}
	wf := inst.Workflow

	mark := len(st.Events)
	runErr := wf.Run(ctx, st, func(_ string, s *State) { c.save(ctx, s) })

	// Persist and notify even when the caller has gone away.
	after := context.WithoutCancel(ctx)
	if runErr != nil {
		c.logger.Warn("turn aborted",
			zap.String("session", st.SessionID), zap.Int("turn", st.TurnIndex), zap.Error(runErr))
		st.Apply(&Update{Events: []GraphEvent{newEvent(EventSystem, c.now(), "Turn aborted: "+runErr.Error())}}, c.now())
	}
	c.save(after, st)

	events := append([]GraphEvent(nil), st.Events[mark:]...)
	for _, o := range c.observers {
		if err := o.ObserveTurn(after, st, events); err != nil {
			c.logger.Warn("turn observer failed", zap.String("session", st.SessionID), zap.Error(err))
		}
	}

	res := resultFor(st, events, inst.Version)
	if runErr != nil {
		res.Outcome = OutcomeAborted
	}
	c.metrics.Turn(res.Outcome, c.now().Sub(start))
	c.logger.Info("turn finished",
		zap.String("session", st.SessionID),
		zap.Int("turn", st.TurnIndex),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("tasks", len(st.Tasks)),
		zap.Int("results", len(st.Results)),
		zap.Float64("cost", st.Cost))
	return res, nil
}

func resultFor(s *State, events []GraphEvent, version uint64) *TurnResult {
	res := &TurnResult{
		SessionID: s.SessionID,
		TurnIndex: s.TurnIndex,
		Summary:   s.Summary,
		Events:    events,
		Version:   version,
		State:     s,
	}
	switch {
	case s.Interrupted:
		res.Outcome = OutcomeInterrupted
	case s.IsCancelled && s.Summary != "":
		res.Outcome = OutcomeCancelled
	case s.Summary != "":
		res.Outcome = OutcomeCompleted
	case s.ShouldClarify:
		res.Outcome = OutcomeClarify
		res.Question = s.ClarificationQuestion
	default:
		res.Outcome = OutcomeIdle
	}
	return res
}

// NextTurnState derives the state for a new utterance from the previous
// turn. A finished or cancelled turn starts a new graph; a turn waiting on
// clarification keeps its graph and folds the answer into the input; a paused
// turn keeps its graph. An answer to a stall question replaces the blocked
// tasks with a new plan for the amended goal.
func NextTurnState(prev *State, sessionID, utterance string, participants []string, now time.Time) *State {
	if prev == nil {
		st := NewState(sessionID, utterance)
		st.Participants = append([]string(nil), participants...)
		st.UpdatedAt = now
		return st
	}
	if len(participants) == 0 {
		participants = prev.Participants
	}
	if prev.Summary != "" || prev.IsCancelled {
		st := NewState(sessionID, utterance)
		st.TurnIndex = prev.TurnIndex + 1
		st.Participants = append([]string(nil), participants...)
		st.Cost = prev.Cost
		st.TokensUsed = prev.TokensUsed
		st.UpdatedAt = now
		return st
	}

	st := ContinueState(prev, now)
	st.Participants = append([]string(nil), participants...)
	if utterance == "" {
		return st
	}
	st.UserInput = amend(prev.UserInput, utterance)
	if prev.Stalled {
		// The answer is about the blocked work: drop the blocked tasks and
		// plan what is left again from the amended goal.
		goal := prev.ConfirmedIntent
		if goal == "" {
			goal = prev.UserInput
		}
		st.ConfirmedIntent = amend(goal, utterance)
		kept := st.Tasks[:0]
		for _, t := range st.Tasks {
			if t.Status != TaskPending {
				kept = append(kept, t)
			}
		}
		st.Tasks = kept
		st.Replan = true
	}
	return st
}

func amend(text, answer string) string {
	return text + "\n\nAdditional details from user: " + answer
}

// ContinueState carries prev into a new turn, clearing the flags that ended it.
func ContinueState(prev *State, now time.Time) *State {
	st := prev.Clone()
	st.TurnIndex = prev.TurnIndex + 1
	st.ShouldClarify = false
	st.ClarificationQuestion = ""
	st.Interrupted = false
	st.Stalled = false
	st.ShouldProceedToSummary = false
	st.UpdatedAt = now
	return st
}
