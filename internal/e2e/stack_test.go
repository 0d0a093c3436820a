//go:build integration

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nidhogg/nuka-conductor/internal/api"
	"github.com/nidhogg/nuka-conductor/internal/checkpoint"
	"github.com/nidhogg/nuka-conductor/internal/events"
	"github.com/nidhogg/nuka-conductor/internal/lineage"
	"github.com/nidhogg/nuka-conductor/internal/metrics"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	pgstore "github.com/nidhogg/nuka-conductor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	store     *pgstore.Store
	pub       *events.Publisher
	rec       *lineage.Recorder
	llm       *provider.Router
	reg       *registry.Registry
	cache     *orchestrator.GraphCache
	conductor *orchestrator.Conductor
	srv       *httptest.Server
}

// newStack wires the same components as the serve command.
func newStack(t *testing.T, llmURL string) *stack {
	t.Helper()
	ctx := context.Background()

	ps, err := pgstore.New(ctx, testPGDSN, testLogger)
	require.NoError(t, err)
	t.Cleanup(ps.Close)
	require.NoError(t, ps.Migrate(ctx, pgstore.Migrations()))
	require.NoError(t, ps.SaveAgent(ctx, registry.Definition{
		Capability: registry.Capability{ID: "poet", Name: "Poet", TaskTypes: []string{"develop"}, MaxConcurrency: 1},
	}))

	pub, err := events.NewPublisher(ctx, testRedisURL, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	rec, err := lineage.NewRecorder(testNeo4jURI, "", "", testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close(ctx) })
	require.NoError(t, rec.Ping(ctx))

	llm := provider.NewRouter(testLogger)
	llm.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
		ID: "fake", Type: "openai", Endpoint: llmURL, APIKey: "sk-fake", Models: []string{"fake-model"},
	}, testLogger))

	m := metrics.New()
	reg := registry.New(ps, registry.DefaultOptions(), testLogger)
	asm := orchestrator.NewAssembler(reg, llm, orchestrator.AssemblerOptions{CostPer1K: 0.002}, m, testLogger)
	cache := orchestrator.NewGraphCache(asm.Assemble, orchestrator.DefaultCacheOptions(), m, testLogger)
	t.Cleanup(cache.Shutdown)
	cond := orchestrator.NewConductor(cache, ps.Checkpoints(checkpoint.NewCodec(checkpoint.DefaultLimits())), m, testLogger, pub, rec)

	h := api.NewHandler(cond, reg, testLogger,
		api.WithEventFeed(pub),
		api.WithLineage(rec),
		api.WithMetrics(m.Handler()),
		api.WithProbe("postgres", ps.Ping),
		api.WithProbe("redis", pub.Ping),
		api.WithProbe("neo4j", rec.Ping),
		api.WithProbe("providers", llm.Ping),
	)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	return &stack{store: ps, pub: pub, rec: rec, llm: llm, reg: reg, cache: cache, conductor: cond, srv: srv}
}

func post(t *testing.T, url string, body any) *orchestrator.TurnResult {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res orchestrator.TurnResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return &res
}

func TestClarifyThenCompleteAcrossStack(t *testing.T) {
	ctx := context.Background()
	fake := &fakeOpenAI{}
	s := newStack(t, fake.server(t).URL)
	base := s.srv.URL + "/api/sessions/e2e-1"

	res := post(t, base+"/turns", map[string]any{"message": "help", "participants": []string{"poet"}})
	assert.Equal(t, orchestrator.OutcomeClarify, res.Outcome)
	assert.Equal(t, "What should I write about?", res.Question)

	res = post(t, base+"/turns", map[string]any{"message": "a haiku about the sea"})
	require.Equal(t, orchestrator.OutcomeCompleted, res.Outcome)
	assert.Equal(t, "Salt wind on the tide", res.Summary)
	assert.Equal(t, 1, res.TurnIndex)
	assert.Greater(t, res.State.TokensUsed, 0)

	// Checkpoints in PostgreSQL.
	resp, err := http.Get(base + "/history")
	require.NoError(t, err)
	var history []*orchestrator.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	resp.Body.Close()
	require.Len(t, history, 2)
	assert.True(t, history[0].ShouldClarify)

	// Events in Redis.
	tail, err := s.pub.Tail(ctx, "e2e-1", 100)
	require.NoError(t, err)
	types := map[orchestrator.EventType]bool{}
	for _, env := range tail {
		types[env.Event.Type] = true
	}
	assert.True(t, types[orchestrator.EventAskUser])
	assert.True(t, types[orchestrator.EventTaskDone])
	assert.True(t, types[orchestrator.EventSummary])

	// Lineage in Neo4j.
	nodes, err := s.rec.Lineage(ctx, "e2e-1", 1)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "poet", nodes[0].AgentID)
	assert.Equal(t, string(orchestrator.TaskCompleted), nodes[0].Status)

	resp, err = http.Get(base + "/turns/1/lineage")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var served []lineage.TaskNode
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&served))
	resp.Body.Close()
	assert.Equal(t, nodes, served)

	// Metrics.
	resp, err = http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `conductor_turns_total{outcome="completed"} 1`)
}

func TestDeleteSessionClearsEveryStore(t *testing.T) {
	ctx := context.Background()
	fake := &fakeOpenAI{}
	s := newStack(t, fake.server(t).URL)
	base := s.srv.URL + "/api/sessions/e2e-3"

	res := post(t, base+"/turns", map[string]any{"message": "a haiku about the sea", "participants": []string{"poet"}})
	require.Equal(t, orchestrator.OutcomeCompleted, res.Outcome)
	tail, err := s.pub.Tail(ctx, "e2e-3", 100)
	require.NoError(t, err)
	require.NotEmpty(t, tail)

	req, err := http.NewRequest(http.MethodDelete, base+"/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	history, err := s.conductor.History(ctx, "e2e-3")
	require.NoError(t, err)
	assert.Empty(t, history)

	tail, err = s.pub.Tail(ctx, "e2e-3", 100)
	require.NoError(t, err)
	assert.Empty(t, tail)

	nodes, err := s.rec.Lineage(ctx, "e2e-3", res.TurnIndex)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	resp, err = http.Get(base + fmt.Sprintf("/turns/%d/lineage", res.TurnIndex))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthReportsEveryComponent(t *testing.T) {
	fake := &fakeOpenAI{}
	s := newStack(t, fake.server(t).URL)

	resp, err := http.Get(s.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	for _, c := range []string{"postgres", "redis", "neo4j", "providers"} {
		assert.Equal(t, "ok", body.Components[c], c)
	}
	assert.Zero(t, fake.calls.Load())
}

func TestRestartRestoresFromCheckpoint(t *testing.T) {
	fake := &fakeOpenAI{}
	url := fake.server(t).URL

	first := newStack(t, url)
	res := post(t, first.srv.URL+"/api/sessions/e2e-2/turns", map[string]any{"message": "help", "participants": []string{"poet"}})
	require.Equal(t, orchestrator.OutcomeClarify, res.Outcome)

	// A second process shares only the databases.
	second := newStack(t, url)
	res = post(t, second.srv.URL+"/api/sessions/e2e-2/turns", map[string]any{"message": "the sea"})
	assert.Equal(t, orchestrator.OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{"poet"}, res.State.Participants)
	assert.Equal(t, 1, res.TurnIndex)
}
