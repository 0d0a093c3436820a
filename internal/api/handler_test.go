package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nidhogg/nuka-conductor/internal/events"
	"github.com/nidhogg/nuka-conductor/internal/lineage"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSessions struct {
	turns    []orchestrator.TurnRequest
	err      error
	active   map[string]bool
	history  map[string][]*orchestrator.State
	deleted  []string
	canceled []string
}

func (f *fakeSessions) HandleTurn(_ context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.turns = append(f.turns, req)
	return &orchestrator.TurnResult{SessionID: req.SessionID, Outcome: orchestrator.OutcomeCompleted, Summary: "ok: " + req.Message}, nil
}

func (f *fakeSessions) Continue(_ context.Context, id string) (*orchestrator.TurnResult, error) {
	if _, ok := f.history[id]; !ok {
		return nil, fmt.Errorf("session %s: %w", id, orchestrator.ErrNoPriorState)
	}
	return &orchestrator.TurnResult{SessionID: id, TurnIndex: 1, Outcome: orchestrator.OutcomeCompleted}, nil
}

func (f *fakeSessions) Interrupt(id string) bool { return f.active[id] }
func (f *fakeSessions) Resume(id string) bool    { return f.active[id] }

func (f *fakeSessions) Cancel(_ context.Context, id string) (*orchestrator.TurnResult, error) {
	f.canceled = append(f.canceled, id)
	return &orchestrator.TurnResult{SessionID: id, Outcome: orchestrator.OutcomeCancelRequested}, nil
}

func (f *fakeSessions) History(_ context.Context, id string) ([]*orchestrator.State, error) {
	return f.history[id], nil
}

func (f *fakeSessions) DeleteSession(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeAgents struct {
	caps      []registry.Capability
	err       error
	refreshed int
}

func (f *fakeAgents) All(context.Context) []registry.Capability { return f.caps }

func (f *fakeAgents) Refresh(context.Context) error {
	f.refreshed++
	return f.err
}

type fakeFeed struct {
	last int64
	live []events.Envelope
}

func (f *fakeFeed) Tail(_ context.Context, id string, n int64) ([]events.Envelope, error) {
	f.last = n
	return []events.Envelope{{SessionID: id, Event: orchestrator.GraphEvent{ID: "e1", Type: orchestrator.EventSummary}}}, nil
}

func (f *fakeFeed) Subscribe(_ context.Context, id string) <-chan events.Envelope {
	ch := make(chan events.Envelope, len(f.live))
	for _, env := range f.live {
		env.SessionID = id
		ch <- env
	}
	close(ch)
	return ch
}

type fakeLineage struct {
	nodes map[string][]lineage.TaskNode
}

func (f *fakeLineage) Lineage(_ context.Context, id string, turn int) ([]lineage.TaskNode, error) {
	if id == "broken" {
		return nil, errors.New("neo4j down")
	}
	return f.nodes[fmt.Sprintf("%s/%d", id, turn)], nil
}

func newTestServer(t *testing.T, s *fakeSessions, a *fakeAgents, opts ...Option) *httptest.Server {
	t.Helper()
	h := NewHandler(s, a, zap.NewNop(), opts...)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{}, &fakeAgents{})
	resp := do(t, "GET", ts.URL+"/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestHealthCheckProbes(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{}, &fakeAgents{},
		WithProbe("postgres", func(context.Context) error { return nil }),
		WithProbe("redis", func(context.Context) error { return errors.New("connection refused") }),
	)
	resp := do(t, "GET", ts.URL+"/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body healthReport
	decodeJSON(t, resp, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Components["postgres"])
	assert.Equal(t, "connection refused", body.Components["redis"])
}

func TestAgentsEndpoints(t *testing.T) {
	agents := &fakeAgents{caps: []registry.Capability{{ID: "writer", Name: "Writer"}}}
	ts := newTestServer(t, &fakeSessions{}, agents)

	var caps []registry.Capability
	decodeJSON(t, do(t, "GET", ts.URL+"/api/agents", nil), &caps)
	require.Len(t, caps, 1)
	assert.Equal(t, "writer", caps[0].ID)

	resp := do(t, "POST", ts.URL+"/api/agents/refresh", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, agents.refreshed)

	agents.err = errors.New("db down")
	resp = do(t, "POST", ts.URL+"/api/agents/refresh", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRunTurn(t *testing.T) {
	sessions := &fakeSessions{}
	ts := newTestServer(t, sessions, &fakeAgents{})

	resp := do(t, "POST", ts.URL+"/api/sessions/s1/turns", turnRequest{Message: "write a haiku", Participants: []string{"writer"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res orchestrator.TurnResult
	decodeJSON(t, resp, &res)
	assert.Equal(t, "ok: write a haiku", res.Summary)
	require.Len(t, sessions.turns, 1)
	assert.Equal(t, "s1", sessions.turns[0].SessionID)
	assert.Equal(t, []string{"writer"}, sessions.turns[0].Participants)

	resp = do(t, "POST", ts.URL+"/api/sessions/s1/turns", turnRequest{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest("POST", ts.URL+"/api/sessions/s1/turns", bytes.NewBufferString("{not json"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTurnErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("s1: %w", orchestrator.ErrSessionBusy), http.StatusConflict},
		{fmt.Errorf("s1: %w", orchestrator.ErrNoPriorState), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ts := newTestServer(t, &fakeSessions{err: tc.err}, &fakeAgents{})
		resp := do(t, "POST", ts.URL+"/api/sessions/s1/turns", turnRequest{Message: "x"})
		resp.Body.Close()
		assert.Equal(t, tc.code, resp.StatusCode, tc.err.Error())
	}
}

func TestContinueAndControl(t *testing.T) {
	sessions := &fakeSessions{
		active:  map[string]bool{"live": true},
		history: map[string][]*orchestrator.State{"s1": {orchestrator.NewState("s1", "x")}},
	}
	ts := newTestServer(t, sessions, &fakeAgents{})

	resp := do(t, "POST", ts.URL+"/api/sessions/s1/continue", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, "POST", ts.URL+"/api/sessions/ghost/continue", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, "POST", ts.URL+"/api/sessions/live/interrupt", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = do(t, "POST", ts.URL+"/api/sessions/idle/resume", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var res orchestrator.TurnResult
	decodeJSON(t, do(t, "POST", ts.URL+"/api/sessions/live/cancel", nil), &res)
	assert.Equal(t, orchestrator.OutcomeCancelRequested, res.Outcome)
	assert.Equal(t, []string{"live"}, sessions.canceled)
}

func TestHistoryAndDelete(t *testing.T) {
	sessions := &fakeSessions{history: map[string][]*orchestrator.State{"s1": {orchestrator.NewState("s1", "first")}}}
	ts := newTestServer(t, sessions, &fakeAgents{})

	var states []*orchestrator.State
	decodeJSON(t, do(t, "GET", ts.URL+"/api/sessions/s1/history", nil), &states)
	require.Len(t, states, 1)
	assert.Equal(t, "first", states[0].UserInput)

	var empty []*orchestrator.State
	decodeJSON(t, do(t, "GET", ts.URL+"/api/sessions/none/history", nil), &empty)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	resp := do(t, "DELETE", ts.URL+"/api/sessions/s1", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"s1"}, sessions.deleted)
}

func TestSessionEvents(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{}, &fakeAgents{})
	resp := do(t, "GET", ts.URL+"/api/sessions/s1/events", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	feed := &fakeFeed{}
	ts = newTestServer(t, &fakeSessions{}, &fakeAgents{}, WithEventFeed(feed))
	var envs []events.Envelope
	decodeJSON(t, do(t, "GET", ts.URL+"/api/sessions/s1/events?count=5", nil), &envs)
	require.Len(t, envs, 1)
	assert.Equal(t, "e1", envs[0].Event.ID)
	assert.Equal(t, int64(5), feed.last)

	resp = do(t, "GET", ts.URL+"/api/sessions/s1/events?count=zero", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamEvents(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{}, &fakeAgents{})
	resp := do(t, "GET", ts.URL+"/api/sessions/s1/events/stream", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	feed := &fakeFeed{live: []events.Envelope{
		{Event: orchestrator.GraphEvent{ID: "e1", Type: orchestrator.EventTaskStart}},
		{Event: orchestrator.GraphEvent{ID: "e2", Type: orchestrator.EventSummary, Content: "done"}},
	}}
	ts = newTestServer(t, &fakeSessions{}, &fakeAgents{}, WithEventFeed(feed))
	resp = do(t, "GET", ts.URL+"/api/sessions/s1/events/stream", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	require.Len(t, frames, 2)
	assert.True(t, strings.HasPrefix(frames[0], "id: e1\nevent: task_start\ndata: "))
	assert.Contains(t, frames[1], "event: summary")

	var env events.Envelope
	data := frames[1][strings.Index(frames[1], "data: ")+len("data: "):]
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	assert.Equal(t, "s1", env.SessionID)
	assert.Equal(t, "done", env.Event.Content)
}

func TestTurnLineage(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{}, &fakeAgents{})
	resp := do(t, "GET", ts.URL+"/api/sessions/s1/turns/0/lineage", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	lin := &fakeLineage{nodes: map[string][]lineage.TaskNode{
		"s1/2": {{ID: "a", AgentID: "writer", Status: "completed"}, {ID: "b", AgentID: "writer", DependsOn: []string{"a"}}},
	}}
	ts = newTestServer(t, &fakeSessions{}, &fakeAgents{}, WithLineage(lin))

	var nodes []lineage.TaskNode
	decodeJSON(t, do(t, "GET", ts.URL+"/api/sessions/s1/turns/2/lineage", nil), &nodes)
	require.Len(t, nodes, 2)
	assert.Equal(t, []string{"a"}, nodes[1].DependsOn)

	for path, code := range map[string]int{
		"/api/sessions/s1/turns/7/lineage":     http.StatusNotFound,
		"/api/sessions/s1/turns/-1/lineage":    http.StatusBadRequest,
		"/api/sessions/s1/turns/x/lineage":     http.StatusBadRequest,
		"/api/sessions/broken/turns/0/lineage": http.StatusBadGateway,
	} {
		resp := do(t, "GET", ts.URL+path, nil)
		resp.Body.Close()
		assert.Equal(t, code, resp.StatusCode, path)
	}
}

func TestMetricsMount(t *testing.T) {
	ts := newTestServer(t, &fakeSessions{}, &fakeAgents{})
	resp := do(t, "GET", ts.URL+"/metrics", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	m := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("conductor_turns_total 0\n")) })
	ts = newTestServer(t, &fakeSessions{}, &fakeAgents{}, WithMetrics(m))
	resp = do(t, "GET", ts.URL+"/metrics", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
