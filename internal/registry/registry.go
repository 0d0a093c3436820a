package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrAgentNotFound is returned when an agent ID doesn't resolve.
var ErrAgentNotFound = errors.New("agent not found")

// Options configures a Registry.
type Options struct {
	RefreshInterval    time.Duration
	RetryInterval      time.Duration
	DefaultConcurrency int
}

// DefaultOptions returns the standard refresh cadence.
func DefaultOptions() Options {
	return Options{
		RefreshInterval:    5 * time.Minute,
		RetryInterval:      30 * time.Second,
		DefaultConcurrency: DefaultConcurrency,
	}
}

// snapshot is an immutable view of the agent set. It is replaced whole on
// refresh, never mutated.
type snapshot struct {
	order       []string
	defs        map[string]Definition
	handlers    map[string]Handler
	loadedAt    time.Time
	nextRefresh time.Time
}

// Registry resolves agent ids to capabilities and execution handlers,
// caching the backing source for a fixed interval.
type Registry struct {
	source  Source
	opts    Options
	snap    atomic.Pointer[snapshot]
	group   singleflight.Group
	general Handler
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a registry over source. Nothing is loaded until first use or Refresh.
func New(source Source, opts Options, logger *zap.Logger) *Registry {
	def := DefaultOptions()
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = def.RefreshInterval
	}
	if opts.RetryInterval <= 0 || opts.RetryInterval > opts.RefreshInterval {
		opts.RetryInterval = min(def.RetryInterval, opts.RefreshInterval)
	}
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = def.DefaultConcurrency
	}
	return &Registry{
		source:  source,
		opts:    opts,
		general: newPromptHandler(GeneralAgentID, Profile{}, generalPrompt),
		now:     time.Now,
		logger:  logger,
	}
}

// Refresh reloads the source now. On failure the previous snapshot stays in
// place and the next attempt is scheduled after the retry interval.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		return nil, r.load(ctx)
	})
	return err
}

func (r *Registry) load(ctx context.Context) error {
	now := r.now()
	defs, err := r.source.LoadAgents(ctx)
	if err != nil {
		prev := r.snap.Load()
		stale := &snapshot{nextRefresh: now.Add(r.opts.RetryInterval)}
		if prev != nil {
			stale.order, stale.defs, stale.handlers, stale.loadedAt = prev.order, prev.defs, prev.handlers, prev.loadedAt
		}
		r.snap.Store(stale)
		r.logger.Warn("agent registry refresh failed, keeping last known agents",
			zap.Int("agents", len(stale.order)), zap.Error(err))
		return fmt.Errorf("load agents: %w", err)
	}

	next := &snapshot{
		defs:        make(map[string]Definition, len(defs)),
		handlers:    make(map[string]Handler, len(defs)),
		loadedAt:    now,
		nextRefresh: now.Add(r.opts.RefreshInterval),
	}
	for _, d := range defs {
		if d.ID == "" {
			continue
		}
		if d.MaxConcurrency <= 0 {
			d.MaxConcurrency = r.opts.DefaultConcurrency
		}
		if _, dup := next.defs[d.ID]; !dup {
			next.order = append(next.order, d.ID)
		}
		next.defs[d.ID] = d
		next.handlers[d.ID] = r.handlerForDefinition(d)
	}
	r.snap.Store(next)
	r.logger.Debug("agent registry refreshed", zap.Int("agents", len(next.order)))
	return nil
}

func (r *Registry) handlerForDefinition(d Definition) Handler {
	fallback := generalPrompt
	if c, ok := matchCategory(d.ID); ok {
		fallback = c.prompt
	} else {
		for _, tt := range d.TaskTypes {
			if c, ok := matchCategory(tt); ok {
				fallback = c.prompt
				break
			}
		}
	}
	return newPromptHandler(d.ID, d.Profile, fallback)
}

// current returns a snapshot, refreshing first if it is missing or due.
func (r *Registry) current(ctx context.Context) *snapshot {
	s := r.snap.Load()
	if s == nil || !r.now().Before(s.nextRefresh) {
		_ = r.Refresh(ctx)
		s = r.snap.Load()
	}
	if s == nil {
		return &snapshot{}
	}
	return s
}

// Capability returns the capability for agentID.
func (r *Registry) Capability(ctx context.Context, agentID string) (Capability, error) {
	s := r.current(ctx)
	d, ok := s.defs[agentID]
	if !ok {
		return Capability{}, fmt.Errorf("%s: %w", agentID, ErrAgentNotFound)
	}
	return d.Capability, nil
}

// All returns every known capability in source order.
func (r *Registry) All(ctx context.Context) []Capability {
	s := r.current(ctx)
	out := make([]Capability, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.defs[id].Capability)
	}
	return out
}

// Concurrency returns the in-flight ceiling for agentID.
func (r *Registry) Concurrency(ctx context.Context, agentID string) int {
	if c, err := r.Capability(ctx, agentID); err == nil && c.MaxConcurrency > 0 {
		return c.MaxConcurrency
	}
	return r.opts.DefaultConcurrency
}

// HandlerFor resolves agentID to a handler: an exact match first, then a
// built-in category whose keyword appears in the id, then the general
// assistant. Only an empty id is rejected.
func (r *Registry) HandlerFor(ctx context.Context, agentID string) (Handler, error) {
	if agentID == "" {
		return nil, fmt.Errorf("empty agent id: %w", ErrAgentNotFound)
	}
	s := r.current(ctx)
	if h, ok := s.handlers[agentID]; ok {
		return h, nil
	}
	if c, ok := matchCategory(agentID); ok {
		r.logger.Debug("agent resolved by category",
			zap.String("agent", agentID), zap.String("category", c.name))
		return newPromptHandler(agentID, Profile{}, c.prompt), nil
	}
	r.logger.Warn("unknown agent, using general assistant", zap.String("agent", agentID))
	return r.general, nil
}

// LoadedAt returns when the current snapshot was last loaded successfully.
func (r *Registry) LoadedAt() time.Time {
	if s := r.snap.Load(); s != nil {
		return s.loadedAt
	}
	return time.Time{}
}
