// Package lineage records each turn's task graph in Neo4j.
//
// Graph shape:
//
//	(:Session {id})-[:HAS_TURN]->(:Turn {session_id, index})
//	(:Turn)-[:PLANNED]->(:Task {id})
//	(:Task)-[:DEPENDS_ON]->(:Task)
//	(:Task)-[:ASSIGNED_TO]->(:Agent {id})
//	(:Task)-[:PRODUCED]->(:Result {id})
package lineage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"go.uber.org/zap"
)

// Recorder writes task lineage to Neo4j.
type Recorder struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

var (
	_ orchestrator.Observer  = (*Recorder)(nil)
	_ orchestrator.Forgetter = (*Recorder)(nil)
)

// NewRecorder creates a recorder for the given Bolt uri.
func NewRecorder(uri, user, password string, logger *zap.Logger) (*Recorder, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Recorder{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (r *Recorder) Ping(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

// Close shuts down the driver.
func (r *Recorder) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

const mergeTurn = `
MERGE (s:Session {id: $session})
MERGE (t:Turn {session_id: $session, index: $turn})
SET t.summary = $summary, t.cancelled = $cancelled, t.cost = $cost, t.tokens = $tokens
MERGE (s)-[:HAS_TURN]->(t)
WITH t
UNWIND $tasks AS task
  MERGE (k:Task {id: task.id})
  SET k.title = task.title, k.type = task.type, k.status = task.status,
      k.priority = task.priority, k.error = task.error, k.session_id = $session
  MERGE (t)-[:PLANNED]->(k)
  MERGE (a:Agent {id: task.agent})
  MERGE (k)-[:ASSIGNED_TO]->(a)`

const mergeDeps = `
UNWIND $edges AS e
  MATCH (k:Task {id: e.from}), (d:Task {id: e.to})
  MERGE (k)-[:DEPENDS_ON]->(d)`

const mergeResults = `
UNWIND $results AS r
  MATCH (k:Task {id: r.task})
  MERGE (x:Result {id: r.id})
  SET x.agent_id = r.agent, x.tokens = r.tokens, x.cost = r.cost,
      x.confidence = r.confidence, x.model = r.model
  MERGE (k)-[:PRODUCED]->(x)`

// ObserveTurn upserts the turn's task graph.
func (r *Recorder) ObserveTurn(ctx context.Context, s *orchestrator.State, _ []orchestrator.GraphEvent) error {
	p := paramsFor(s)

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, mergeTurn, p.turn); err != nil {
			return nil, fmt.Errorf("merge turn: %w", err)
		}
		if len(p.edges) > 0 {
			if _, err := tx.Run(ctx, mergeDeps, map[string]any{"edges": p.edges}); err != nil {
				return nil, fmt.Errorf("merge dependencies: %w", err)
			}
		}
		if len(p.results) > 0 {
			if _, err := tx.Run(ctx, mergeResults, map[string]any{"results": p.results}); err != nil {
				return nil, fmt.Errorf("merge results: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("record lineage %s/%d: %w", s.SessionID, s.TurnIndex, err)
	}
	r.logger.Debug("recorded lineage",
		zap.String("session", s.SessionID),
		zap.Int("turn", s.TurnIndex),
		zap.Int("tasks", len(s.Tasks)))
	return nil
}

// TaskNode is a row returned by Lineage.
type TaskNode struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	AgentID   string   `json:"agent_id"`
	DependsOn []string `json:"depends_on"`
}

const forgetTasks = `
MATCH (k:Task {session_id: $session})
OPTIONAL MATCH (k)-[:PRODUCED]->(x:Result)
DETACH DELETE x, k`

const forgetTurns = `
MATCH (s:Session {id: $session})
OPTIONAL MATCH (s)-[:HAS_TURN]->(t:Turn)
DETACH DELETE t, s`

// Forget removes the session with its turns, tasks and results. Agent nodes
// are shared between sessions and stay.
func (r *Recorder) Forget(ctx context.Context, sessionID string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		params := map[string]any{"session": sessionID}
		if _, err := tx.Run(ctx, forgetTasks, params); err != nil {
			return nil, err
		}
		_, err := tx.Run(ctx, forgetTurns, params)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("forget lineage %s: %w", sessionID, err)
	}
	return nil
}

// Lineage returns the tasks planned in one turn with their dependencies.
func (r *Recorder) Lineage(ctx context.Context, sessionID string, turn int) ([]TaskNode, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Turn {session_id: $session, index: $turn})-[:PLANNED]->(k:Task)-[:ASSIGNED_TO]->(a:Agent)
		 OPTIONAL MATCH (k)-[:DEPENDS_ON]->(d:Task)
		 RETURN k.id AS id, k.title AS title, k.status AS status, k.priority AS priority,
		        a.id AS agent, collect(d.id) AS deps
		 ORDER BY priority, id`,
		map[string]any{"session": sessionID, "turn": turn})
	if err != nil {
		return nil, err
	}

	var nodes []TaskNode
	for result.Next(ctx) {
		rec := result.Record()
		n := TaskNode{}
		if v, ok := rec.Get("id"); ok && v != nil {
			n.ID = v.(string)
		}
		if v, ok := rec.Get("title"); ok && v != nil {
			n.Title = v.(string)
		}
		if v, ok := rec.Get("status"); ok && v != nil {
			n.Status = v.(string)
		}
		if v, ok := rec.Get("agent"); ok && v != nil {
			n.AgentID = v.(string)
		}
		if v, ok := rec.Get("deps"); ok && v != nil {
			for _, d := range v.([]any) {
				n.DependsOn = append(n.DependsOn, d.(string))
			}
		}
		nodes = append(nodes, n)
	}
	return nodes, result.Err()
}

type params struct {
	turn    map[string]any
	edges   []map[string]any
	results []map[string]any
}

// paramsFor flattens the state into Cypher parameters. Dependency edges
// pointing at tasks outside this turn are dropped.
func paramsFor(s *orchestrator.State) params {
	known := make(map[string]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		known[t.ID] = true
	}

	tasks := make([]map[string]any, 0, len(s.Tasks))
	var edges []map[string]any
	for _, t := range s.Tasks {
		tasks = append(tasks, map[string]any{
			"id":       t.ID,
			"title":    t.Title,
			"type":     string(t.Type),
			"status":   string(t.Status),
			"priority": t.Priority,
			"error":    t.Error,
			"agent":    t.AgentID,
		})
		for _, d := range t.DependsOn {
			if known[d] {
				edges = append(edges, map[string]any{"from": t.ID, "to": d})
			}
		}
	}

	var results []map[string]any
	for _, res := range s.Results {
		if !known[res.TaskID] {
			continue
		}
		results = append(results, map[string]any{
			"id":         res.ID,
			"task":       res.TaskID,
			"agent":      res.AgentID,
			"tokens":     res.Tokens,
			"cost":       res.Cost,
			"confidence": res.Confidence,
			"model":      res.Model,
		})
	}

	return params{
		turn: map[string]any{
			"session":   s.SessionID,
			"turn":      s.TurnIndex,
			"summary":   s.Summary,
			"cancelled": s.IsCancelled,
			"cost":      s.Cost,
			"tokens":    s.TokensUsed,
			"tasks":     tasks,
		},
		edges:   edges,
		results: results,
	}
}
