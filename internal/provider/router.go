package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Router picks a provider per agent: the agent's binding, else the default,
// then the agent's fallbacks in order.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	bindings  map[string]string
	fallbacks map[string][]string
	primary   string
	logger    *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds p. The first provider registered becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.primary == "" {
		r.primary = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()))
}

func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = providerID
}

func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// Bind routes agentID to providerID ahead of the default.
func (r *Router) Bind(agentID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentID] = providerID
}

func (r *Router) SetFallbacks(agentID string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agentID] = append([]string(nil), providerIDs...)
}

// chain lists the providers to try for agentID. Unknown IDs are skipped and
// each provider appears once.
func (r *Router) chain(agentID string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	first := r.primary
	if pid, ok := r.bindings[agentID]; ok {
		if _, known := r.providers[pid]; known {
			first = pid
		}
	}
	ids := append([]string{first}, r.fallbacks[agentID]...)

	seen := make(map[string]bool, len(ids))
	out := make([]Provider, 0, len(ids))
	for _, id := range ids {
		p, ok := r.providers[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, p)
	}
	return out
}

// route returns the first successful answer and the ID of the provider that
// gave it.
func (r *Router) route(ctx context.Context, agentID string, req *ChatRequest) (*ChatResponse, string, error) {
	candidates := r.chain(agentID)
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("no provider available for agent %s", agentID)
	}

	var lastErr error
	for i, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		resp, err := p.Chat(ctx, req)
		if err == nil {
			return resp, p.ID(), nil
		}
		lastErr = err
		if i < len(candidates)-1 {
			r.logger.Warn("provider failed, falling back",
				zap.String("agent", agentID),
				zap.String("provider", p.ID()),
				zap.String("next", candidates[i+1].ID()),
				zap.Error(err))
		}
	}
	return nil, "", fmt.Errorf("all providers failed for agent %s: %w", agentID, lastErr)
}

// IDs returns the registered provider IDs, sorted.
func (r *Router) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Health pings every provider and returns the failures by ID.
func (r *Router) Health(ctx context.Context) map[string]error {
	r.mu.RLock()
	ps := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		ps = append(ps, p)
	}
	r.mu.RUnlock()

	failed := make(map[string]error)
	for _, p := range ps {
		if err := p.Ping(ctx); err != nil {
			failed[p.ID()] = err
		}
	}
	return failed
}

// Ping reports an error when any provider is unreachable.
func (r *Router) Ping(ctx context.Context) error {
	failed := r.Health(ctx)
	if len(failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Errorf("providers unreachable: %v: %w", ids, failed[ids[0]])
}
