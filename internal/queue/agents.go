package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent is a stored agent definition as built by the user: the model it
// targets, its system prompt, the packaged code to exercise, and the
// tool manifest (raw JSON array).
type Agent struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	Code         string    `json:"code"`
	Tools        string    `json:"tools"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PutAgent upserts an agent definition.
func (s *Store) PutAgent(ctx context.Context, a Agent) error {
	if a.ID == "" {
		return errors.New("agent id is required")
	}
	if a.Model == "" {
		return errors.New("agent model is required")
	}
	if a.Tools == "" {
		a.Tools = "[]"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, model, system_prompt, code, tools, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				model = excluded.model,
				system_prompt = excluded.system_prompt,
				code = excluded.code,
				tools = excluded.tools,
				updated_at = CURRENT_TIMESTAMP;
		`, a.ID, a.Model, a.SystemPrompt, a.Code, a.Tools)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

// GetAgent fetches one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, model, system_prompt, code, tools, created_at, updated_at
		FROM agents WHERE id = ?;
	`, id).Scan(&a.ID, &a.Model, &a.SystemPrompt, &a.Code, &a.Tools, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &a, nil
}
