package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nidhogg/nuka-conductor/internal/registry"
)

// SaveAgent upserts an agent definition.
func (s *Store) SaveAgent(ctx context.Context, d registry.Definition) error {
	skills, err := json.Marshal(nonNil(d.Skills))
	if err != nil {
		return fmt.Errorf("marshal skills: %w", err)
	}
	types, err := json.Marshal(nonNil(d.TaskTypes))
	if err != nil {
		return fmt.Errorf("marshal task_types: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agents (id, name, description, skills, task_types, max_concurrency,
		                    system_prompt, model, temperature, max_tokens, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'active')
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			skills = EXCLUDED.skills,
			task_types = EXCLUDED.task_types,
			max_concurrency = EXCLUDED.max_concurrency,
			system_prompt = EXCLUDED.system_prompt,
			model = EXCLUDED.model,
			temperature = EXCLUDED.temperature,
			max_tokens = EXCLUDED.max_tokens,
			status = 'active',
			updated_at = NOW()`,
		d.ID, d.Name, d.Description, skills, types, d.MaxConcurrency,
		d.Profile.SystemPrompt, d.Profile.Model, d.Profile.Temperature, d.Profile.MaxTokens,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", d.ID, err)
	}
	return nil
}

// ErrAgentNotFound is returned when no stored agent has the given ID.
var ErrAgentNotFound = errors.New("agent not found")

// DeactivateAgent hides an agent from LoadAgents without deleting its row.
func (s *Store) DeactivateAgent(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE agents SET status = 'inactive', updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deactivate agent %s: %w", id, ErrAgentNotFound)
	}
	return nil
}

// LoadAgents returns all active agent definitions. It makes Store a
// registry.Source.
func (s *Store) LoadAgents(ctx context.Context) ([]registry.Definition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, skills, task_types, max_concurrency,
		       system_prompt, model, temperature, max_tokens
		FROM agents WHERE status = 'active'
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var defs []registry.Definition
	for rows.Next() {
		var (
			d             registry.Definition
			skills, types []byte
		)
		if err := rows.Scan(
			&d.ID, &d.Name, &d.Description, &skills, &types, &d.MaxConcurrency,
			&d.Profile.SystemPrompt, &d.Profile.Model, &d.Profile.Temperature, &d.Profile.MaxTokens,
		); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal(skills, &d.Skills); err != nil {
			return nil, fmt.Errorf("agent %s skills: %w", d.ID, err)
		}
		if err := json.Unmarshal(types, &d.TaskTypes); err != nil {
			return nil, fmt.Errorf("agent %s task_types: %w", d.ID, err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

var _ registry.Source = (*Store)(nil)

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
