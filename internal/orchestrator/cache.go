package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrCacheClosed is returned by GetOrCreate after Shutdown.
var ErrCacheClosed = errors.New("graph cache closed")

// AssembleFunc builds a workflow for a session roster.
type AssembleFunc func(ctx context.Context, sessionID string, participantIDs []string) *Workflow

// CacheOptions configures a GraphCache.
type CacheOptions struct {
	TTL           time.Duration
	MaxEntries    int
	SweepInterval time.Duration
}

// DefaultCacheOptions returns a 30 minute idle TTL, 500 entries, and a one
// minute sweep.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{TTL: 30 * time.Minute, MaxEntries: 500, SweepInterval: time.Minute}
}

// GraphInstance is a cached workflow. Version is unique across the process
// and increases with every build.
type GraphInstance struct {
	Workflow *Workflow
	Version  uint64

	roster    map[string]struct{}
	createdAt time.Time
	lastUsed  time.Time
}

// GraphCache keeps one workflow per session, rebuilding on idle expiry or a
// roster change and evicting least-recently-used entries at capacity.
type GraphCache struct {
	assemble AssembleFunc
	opts     CacheOptions
	metrics  Metrics
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*GraphInstance
	closed  bool
	version atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewGraphCache creates a cache. Call Start to run the background sweep.
func NewGraphCache(assemble AssembleFunc, opts CacheOptions, metrics Metrics, logger *zap.Logger) *GraphCache {
	def := DefaultCacheOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if metrics == nil {
		metrics = NopMetrics
	}
	return &GraphCache{
		assemble: assemble,
		opts:     opts,
		metrics:  metrics,
		now:      time.Now,
		logger:   logger,
		entries:  make(map[string]*GraphInstance),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func rosterSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func sameRoster(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func (c *GraphCache) usable(e *GraphInstance, roster map[string]struct{}, now time.Time) bool {
	return e != nil && now.Sub(e.lastUsed) <= c.opts.TTL && sameRoster(e.roster, roster)
}

// GetOrCreate returns the session's workflow, building a new one on a miss,
// an idle expiry, or a roster change.
func (c *GraphCache) GetOrCreate(ctx context.Context, sessionID string, participantIDs []string) (*GraphInstance, error) {
	roster := rosterSet(participantIDs)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	now := c.now()
	if e := c.entries[sessionID]; c.usable(e, roster, now) {
		e.lastUsed = now
		c.mu.Unlock()
		c.metrics.GraphCache("hit")
		return e, nil
	}
	_, stale := c.entries[sessionID]
	c.mu.Unlock()

	// Assembly resolves agents and may block on the registry; build unlocked.
	wf := c.assemble(ctx, sessionID, participantIDs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	now = c.now()
	if e := c.entries[sessionID]; c.usable(e, roster, now) {
		// Another caller built it first.
		e.lastUsed = now
		c.metrics.GraphCache("hit")
		return e, nil
	}
	if _, ok := c.entries[sessionID]; !ok && len(c.entries) >= c.opts.MaxEntries {
		c.evictLocked()
	}
	e := &GraphInstance{
		Workflow:  wf,
		Version:   c.version.Add(1),
		roster:    roster,
		createdAt: now,
		lastUsed:  now,
	}
	c.entries[sessionID] = e
	if stale {
		c.metrics.GraphCache("rebuild")
	} else {
		c.metrics.GraphCache("miss")
	}
	c.metrics.Graphs(len(c.entries))
	c.logger.Debug("workflow cached",
		zap.String("session", sessionID),
		zap.Uint64("version", e.Version),
		zap.Bool("rebuild", stale))
	return e, nil
}

// evictLocked drops the least recently used fifth of the entries, at least one.
func (c *GraphCache) evictLocked() {
	n := (len(c.entries) + 4) / 5
	if n < 1 {
		n = 1
	}
	type aged struct {
		id       string
		lastUsed time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for id, e := range c.entries {
		all = append(all, aged{id, e.lastUsed})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastUsed.Before(all[j].lastUsed) })
	for _, a := range all[:n] {
		delete(c.entries, a.id)
		c.metrics.GraphCache("evict")
	}
	c.logger.Info("evicted idle workflows", zap.Int("count", n), zap.Int("remaining", len(c.entries)))
}

// Sweep removes every expired entry and returns how many were removed.
func (c *GraphCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for id, e := range c.entries {
		if now.Sub(e.lastUsed) > c.opts.TTL {
			delete(c.entries, id)
			removed++
			c.metrics.GraphCache("expire")
		}
	}
	if removed > 0 {
		c.metrics.Graphs(len(c.entries))
		c.logger.Debug("swept expired workflows", zap.Int("count", removed))
	}
	return removed
}

// Start runs the background sweep until Shutdown. Extra calls are no-ops.
func (c *GraphCache) Start() {
	c.startOnce.Do(func() {
		go func() {
			defer close(c.done)
			ticker := time.NewTicker(c.opts.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stop:
					return
				case <-ticker.C:
					c.Sweep()
				}
			}
		}()
	})
}

// Shutdown stops the sweep and drops every entry. Safe to call more than once.
func (c *GraphCache) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.done
		}
		c.mu.Lock()
		c.closed = true
		c.entries = make(map[string]*GraphInstance)
		c.mu.Unlock()
		c.metrics.Graphs(0)
		c.logger.Info("graph cache shut down")
	})
}

// Remove drops the session's entry. It reports whether one existed.
func (c *GraphCache) Remove(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[sessionID]
	delete(c.entries, sessionID)
	if ok {
		c.metrics.Graphs(len(c.entries))
	}
	return ok
}

// Len returns the number of cached workflows.
func (c *GraphCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *GraphCache) lookup(sessionID string) *Workflow {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[sessionID]; ok {
		return e.Workflow
	}
	return nil
}

// Interrupt signals the session's running turn to pause. It reports whether
// a running turn was found and signaled.
func (c *GraphCache) Interrupt(sessionID string) bool {
	if wf := c.lookup(sessionID); wf != nil {
		return wf.Interrupt()
	}
	return false
}

// Resume clears a pause request on the session's running turn.
func (c *GraphCache) Resume(sessionID string) bool {
	if wf := c.lookup(sessionID); wf != nil {
		return wf.Resume()
	}
	return false
}

// Cancel signals the session's running turn to cancel.
func (c *GraphCache) Cancel(sessionID string) bool {
	if wf := c.lookup(sessionID); wf != nil {
		return wf.Cancel()
	}
	return false
}
