package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-conductor/internal/events"
	"github.com/nidhogg/nuka-conductor/internal/lineage"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"go.uber.org/zap"
)

const healthTimeout = 5 * time.Second

// Sessions runs and controls turns. *orchestrator.Conductor implements it.
type Sessions interface {
	HandleTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)
	Continue(ctx context.Context, sessionID string) (*orchestrator.TurnResult, error)
	Interrupt(sessionID string) bool
	Resume(sessionID string) bool
	Cancel(ctx context.Context, sessionID string) (*orchestrator.TurnResult, error)
	History(ctx context.Context, sessionID string) ([]*orchestrator.State, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Agents lists and reloads agent capabilities. *registry.Registry implements it.
type Agents interface {
	All(ctx context.Context) []registry.Capability
	Refresh(ctx context.Context) error
}

// EventFeed replays and follows published session events.
// *events.Publisher implements it.
type EventFeed interface {
	Tail(ctx context.Context, sessionID string, count int64) ([]events.Envelope, error)
	Subscribe(ctx context.Context, sessionID string) <-chan events.Envelope
}

// LineageReader reads one turn's recorded task graph.
// *lineage.Recorder implements it.
type LineageReader interface {
	Lineage(ctx context.Context, sessionID string, turn int) ([]lineage.TaskNode, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sessions Sessions
	agents   Agents
	feed     EventFeed
	lineage  LineageReader
	metrics  http.Handler
	probes   []probe
	logger   *zap.Logger
}

type probe struct {
	name  string
	check func(context.Context) error
}

// Option configures optional handler dependencies.
type Option func(*Handler)

// WithEventFeed enables GET /api/sessions/{id}/events and its
// server-sent-events variant /events/stream.
func WithEventFeed(f EventFeed) Option { return func(h *Handler) { h.feed = f } }

// WithLineage enables GET /api/sessions/{id}/turns/{turn}/lineage.
func WithLineage(l LineageReader) Option { return func(h *Handler) { h.lineage = l } }

// WithMetrics mounts a Prometheus handler at /metrics.
func WithMetrics(m http.Handler) Option { return func(h *Handler) { h.metrics = m } }

// WithProbe adds a dependency check to GET /api/health.
func WithProbe(name string, check func(context.Context) error) Option {
	return func(h *Handler) { h.probes = append(h.probes, probe{name: name, check: check}) }
}

// NewHandler creates a new API handler.
func NewHandler(sessions Sessions, agents Agents, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{sessions: sessions, agents: agents, logger: logger}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)
		r.Post("/agents/refresh", h.refreshAgents)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/turns", h.runTurn)
			r.Post("/continue", h.continueTurn)
			r.Post("/interrupt", h.interrupt)
			r.Post("/resume", h.resume)
			r.Post("/cancel", h.cancel)
			r.Get("/history", h.history)
			r.Get("/events", h.sessionEvents)
			r.Get("/events/stream", h.streamEvents)
			r.Get("/turns/{turn}/lineage", h.turnLineage)
			r.Delete("/", h.deleteSession)
		})
	})

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return r
}

type healthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// healthCheck answers 503 when any probe fails.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	rep := healthReport{Status: "ok"}
	if len(h.probes) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		rep.Components = make(map[string]string, len(h.probes))
		for _, p := range h.probes {
			if err := p.check(ctx); err != nil {
				rep.Status = "degraded"
				rep.Components[p.name] = err.Error()
				h.logger.Warn("health probe failed", zap.String("component", p.name), zap.Error(err))
				continue
			}
			rep.Components[p.name] = "ok"
		}
	}
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agents.All(r.Context()))
}

func (h *Handler) refreshAgents(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.Refresh(r.Context()); err != nil {
		h.logger.Warn("agent refresh failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, h.agents.All(r.Context()))
}

type turnRequest struct {
	Message      string   `json:"message"`
	Participants []string `json:"participants"`
}

func (h *Handler) runTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	res, err := h.sessions.HandleTurn(r.Context(), orchestrator.TurnRequest{
		SessionID:    chi.URLParam(r, "id"),
		Message:      req.Message,
		Participants: req.Participants,
	})
	h.writeResult(w, res, err)
}

func (h *Handler) continueTurn(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Continue(r.Context(), chi.URLParam(r, "id"))
	h.writeResult(w, res, err)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Cancel(r.Context(), chi.URLParam(r, "id"))
	h.writeResult(w, res, err)
}

func (h *Handler) interrupt(w http.ResponseWriter, r *http.Request) {
	h.signal(w, chi.URLParam(r, "id"), "interrupted", h.sessions.Interrupt)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.signal(w, chi.URLParam(r, "id"), "resumed", h.sessions.Resume)
}

func (h *Handler) signal(w http.ResponseWriter, id, status string, fn func(string) bool) {
	if !fn(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active workflow for session"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": status})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	states, err := h.sessions.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if states == nil {
		states = []*orchestrator.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (h *Handler) sessionEvents(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "event feed not configured"})
		return
	}
	count := int64(100)
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be a positive integer"})
			return
		}
		count = n
	}
	envs, err := h.feed.Tail(r.Context(), chi.URLParam(r, "id"), count)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if envs == nil {
		envs = []events.Envelope{}
	}
	writeJSON(w, http.StatusOK, envs)
}

const keepAliveInterval = 15 * time.Second

// streamEvents follows the session's events as server-sent events until the
// client goes away.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "event feed not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	live := h.feed.Subscribe(ctx, chi.URLParam(r, "id"))
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case env, ok := <-live:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				h.logger.Warn("encode event", zap.String("event", env.Event.ID), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.Event.ID, env.Event.Type, data)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) turnLineage(w http.ResponseWriter, r *http.Request) {
	if h.lineage == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "lineage not configured"})
		return
	}
	turn, err := strconv.Atoi(chi.URLParam(r, "turn"))
	if err != nil || turn < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "turn must be a non-negative integer"})
		return
	}
	nodes, err := h.lineage.Lineage(r.Context(), chi.URLParam(r, "id"), turn)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if len(nodes) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no lineage recorded for this turn"})
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeResult(w http.ResponseWriter, res *orchestrator.TurnResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, orchestrator.ErrSessionBusy):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, orchestrator.ErrNoPriorState):
		writeError(w, http.StatusNotFound, err)
	default:
		h.logger.Error("turn failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
