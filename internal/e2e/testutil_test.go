//go:build integration

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

// Shared backends, set by TestMain.
var (
	testLogger   *zap.Logger
	testPGDSN    string
	testRedisURL string
	testNeo4jURI string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	testLogger = zap.NewNop()

	var err error
	var cleanup func()
	if testNeo4jURI, cleanup, err = startNeo4j(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		return 1
	}
	defer cleanup()
	if testPGDSN, cleanup, err = startPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		return 1
	}
	defer cleanup()
	if testRedisURL, cleanup, err = startRedis(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		return 1
	}
	defer cleanup()

	return m.Run()
}

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	return uri, func() { container.Terminate(ctx) }, nil
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("conductor_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	return dsn, func() { container.Terminate(ctx) }, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	return "redis://" + endpoint, func() { container.Terminate(ctx) }, nil
}

// fakeOpenAI answers chat completions by looking at the user prompt.
type fakeOpenAI struct {
	calls atomic.Int32
}

func (f *fakeOpenAI) reply(prompt string) string {
	switch {
	case strings.HasPrefix(prompt, "Decide whether"):
		if strings.Contains(prompt, "User request:\nhelp\n") {
			return "NEEDS_CLARIFICATION: What should I write about?"
		}
		return "CLEAR_INTENT: write a haiku"
	case strings.HasPrefix(prompt, "Break the goal"):
		return `{"tasks":[{"id":"t1","type":"develop","title":"Write haiku","description":"Three lines about the sea","assignee":"poet","priority":1}]}`
	case strings.HasPrefix(prompt, "Combine the results"):
		return "Salt wind on the tide"
	default:
		return "Salt wind on the tide\nGulls stitch the grey horizon\nThe shore keeps its count"
	}
}

func (f *fakeOpenAI) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/models" {
			w.Write([]byte(`{"object":"list","data":[{"id":"fake-model"}]}`))
			return
		}
		f.calls.Add(1)
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		text := f.reply(req.Messages[len(req.Messages)-1].Content)
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl",
			"model": "fake-model",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": text}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}
