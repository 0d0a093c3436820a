package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := New()

	m.GraphCache("hit")
	m.GraphCache("hit")
	m.GraphCache("miss")
	m.Graphs(3)
	m.Turn(orchestrator.OutcomeCompleted, 2*time.Second)
	m.Task("writer", orchestrator.TaskCompleted, time.Second)
	m.Task("writer", orchestrator.TaskFailed, time.Second)
	m.Completion("moderator", 120, 0.5, nil)
	m.Completion("agent-writer", 0, 0, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheEvents.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheEvents.WithLabelValues("miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.graphs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("writer", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completions.WithLabelValues("agent-writer", "error")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.tokens.WithLabelValues("moderator")))
	assert.InDelta(t, 0.5, testutil.ToFloat64(m.cost), 1e-9)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Turn(orchestrator.OutcomeClarify, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `conductor_turns_total{outcome="clarify"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
