package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-conductor/internal/checkpoint"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
)

// Checkpoints persists orchestrator state per (session, turn).
type Checkpoints struct {
	s     *Store
	codec *checkpoint.Codec
}

var _ orchestrator.StateStore = (*Checkpoints)(nil)

// Checkpoints returns the state gateway backed by this store.
func (s *Store) Checkpoints(codec *checkpoint.Codec) *Checkpoints {
	if codec == nil {
		codec = checkpoint.NewCodec(checkpoint.DefaultLimits())
	}
	return &Checkpoints{s: s, codec: codec}
}

// Save upserts the state for (sessionID, turnIndex).
func (c *Checkpoints) Save(ctx context.Context, sessionID string, turnIndex int, st *orchestrator.State) error {
	data, err := c.codec.Encode(st)
	if err != nil {
		return err
	}
	_, err = c.s.db.Exec(ctx, `
		INSERT INTO checkpoints (session_id, turn_index, state, summary, cancelled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, turn_index) DO UPDATE SET
			state = EXCLUDED.state,
			summary = EXCLUDED.summary,
			cancelled = EXCLUDED.cancelled,
			updated_at = NOW()`,
		sessionID, turnIndex, data, st.Summary, st.IsCancelled,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%d: %w", sessionID, turnIndex, err)
	}
	return nil
}

// LoadAll returns every saved turn in turn order.
func (c *Checkpoints) LoadAll(ctx context.Context, sessionID string) ([]*orchestrator.State, error) {
	rows, err := c.s.db.Query(ctx, `
		SELECT turn_index, state FROM checkpoints
		WHERE session_id = $1 ORDER BY turn_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*orchestrator.State
	for rows.Next() {
		var (
			turn int
			data []byte
		)
		if err := rows.Scan(&turn, &data); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		st, err := c.codec.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", turn, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// LatestTurnIndex returns the highest saved turn, or -1.
func (c *Checkpoints) LatestTurnIndex(ctx context.Context, sessionID string) (int, error) {
	var idx int
	err := c.s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(turn_index), -1) FROM checkpoints WHERE session_id = $1`,
		sessionID).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("latest turn %s: %w", sessionID, err)
	}
	return idx, nil
}

// LoadTurn returns one saved turn.
func (c *Checkpoints) LoadTurn(ctx context.Context, sessionID string, turnIndex int) (*orchestrator.State, error) {
	var data []byte
	err := c.s.db.QueryRow(ctx,
		`SELECT state FROM checkpoints WHERE session_id = $1 AND turn_index = $2`,
		sessionID, turnIndex).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%d: %w", sessionID, turnIndex, checkpoint.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%d: %w", sessionID, turnIndex, err)
	}
	return c.codec.Decode(data)
}

// Delete drops every turn of the session.
func (c *Checkpoints) Delete(ctx context.Context, sessionID string) error {
	if _, err := c.s.db.Exec(ctx, `DELETE FROM checkpoints WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete checkpoints %s: %w", sessionID, err)
	}
	return nil
}
