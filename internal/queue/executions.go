package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/bus"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("not found")

// CreateExecution inserts a new QUEUED execution and returns its id.
func (s *Store) CreateExecution(ctx context.Context, exec *TestExecution) (string, error) {
	if exec.ID == "" {
		exec.ID = newID()
	}
	if exec.AgentID == "" {
		return "", errors.New("agent_id is required")
	}
	exec.Status = StatusQueued
	exec.SubmittedAt = time.Now().UTC()

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO test_executions (id, agent_id, user_id, input, conversation_id, model_id, status, submitted_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?);
		`, exec.ID, exec.AgentID, exec.UserID, exec.Input, exec.ConversationID, exec.ModelID, exec.Status, exec.SubmittedAt)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, exec.ID, "", StatusQueued, "execution.created", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}

// GetExecution fetches one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*TestExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, user_id, input, COALESCE(conversation_id, ''), model_id, status,
		       COALESCE(error, ''), COALESCE(error_stage, ''), COALESCE(result, ''),
		       COALESCE(execution_method, ''), submitted_at, started_at, completed_at
		FROM test_executions WHERE id = ?;
	`, id)
	return scanExecution(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*TestExecution, error) {
	var exec TestExecution
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&exec.ID, &exec.AgentID, &exec.UserID, &exec.Input, &exec.ConversationID,
		&exec.ModelID, &exec.Status, &exec.Error, &exec.ErrorStage, &exec.Result,
		&exec.ExecutionMethod, &exec.SubmittedAt, &startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	return &exec, nil
}

// MarkBuilding moves QUEUED -> BUILDING and stamps started_at.
// Returns false when the execution is missing or already past QUEUED.
func (s *Store) MarkBuilding(ctx context.Context, execID string) (bool, error) {
	var moved bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		moved, err = s.transitionTx(ctx, tx, execID, []ExecStatus{StatusQueued}, StatusBuilding, "execution.building", "")
		if err != nil {
			return err
		}
		if moved {
			if _, err := tx.ExecContext(ctx, `
				UPDATE test_executions SET started_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, execID); err != nil {
				return fmt.Errorf("stamp started_at: %w", err)
			}
		}
		return tx.Commit()
	})
	return moved, err
}

// MarkRunning moves BUILDING -> RUNNING once the environment is provisioned.
func (s *Store) MarkRunning(ctx context.Context, execID string) (bool, error) {
	var moved bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		moved, err = s.transitionTx(ctx, tx, execID, []ExecStatus{StatusBuilding}, StatusRunning, "execution.running", "")
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil && moved {
		s.publish(bus.TopicTestRunning, bus.TestEvent{ExecutionID: execID, Status: string(StatusRunning)})
	}
	return moved, err
}

// CompleteExecution moves RUNNING -> COMPLETED and records the result.
func (s *Store) CompleteExecution(ctx context.Context, execID, result, method string) (bool, error) {
	payload, _ := json.Marshal(map[string]string{"execution_method": method})
	var moved bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		moved, err = s.transitionTx(ctx, tx, execID, []ExecStatus{StatusRunning}, StatusCompleted, "execution.completed", string(payload))
		if err != nil {
			return err
		}
		if moved {
			if _, err := tx.ExecContext(ctx, `
				UPDATE test_executions
				SET result = ?, execution_method = ?, error = NULL, error_stage = NULL,
				    completed_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, result, method, execID); err != nil {
				return fmt.Errorf("record result: %w", err)
			}
		}
		return tx.Commit()
	})
	if err == nil && moved {
		s.publish(bus.TopicTestCompleted, bus.TestEvent{
			ExecutionID: execID,
			Status:      string(StatusCompleted),
			Method:      method,
		})
	}
	return moved, err
}

// FailExecution moves any non-terminal state to FAILED, recording the
// stage and message. The queue entry, if any, is the caller's problem.
func (s *Store) FailExecution(ctx context.Context, execID string, stage Stage, msg, method string) (bool, error) {
	payload, _ := json.Marshal(map[string]string{"stage": string(stage), "error": msg})
	var moved bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		from := []ExecStatus{StatusQueued, StatusBuilding, StatusRunning}
		moved, err = s.transitionTx(ctx, tx, execID, from, StatusFailed, "execution.failed", string(payload))
		if err != nil {
			return err
		}
		if moved {
			if _, err := tx.ExecContext(ctx, `
				UPDATE test_executions
				SET error = ?, error_stage = ?, execution_method = NULLIF(?, ''),
				    completed_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, msg, string(stage), method, execID); err != nil {
				return fmt.Errorf("record failure: %w", err)
			}
		}
		return tx.Commit()
	})
	if err == nil && moved {
		s.publish(bus.TopicTestFailed, bus.TestEvent{
			ExecutionID: execID,
			Status:      string(StatusFailed),
			Stage:       string(stage),
			Error:       msg,
			Method:      method,
		})
	}
	return moved, err
}

// RequeueExecution reopens a FAILED execution for another attempt: the
// status flips back to QUEUED and a fresh pending entry is inserted with
// the attempt counter carried forward. Returns the new entry id.
func (s *Store) RequeueExecution(ctx context.Context, execID string, priority, attempts int, lastError string) (string, error) {
	entryID := newID()
	payload, _ := json.Marshal(map[string]any{"attempts": attempts, "entry_id": entryID})
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		moved, err := s.transitionTx(ctx, tx, execID, []ExecStatus{StatusFailed}, StatusQueued, "execution.requeued", string(payload))
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("requeue execution %s: %w", execID, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE test_executions SET error = NULL, error_stage = NULL, completed_at = NULL WHERE id = ?;
		`, execID); err != nil {
			return fmt.Errorf("clear failure fields: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (id, execution_id, priority, status, attempts, last_error, created_at)
			VALUES (?, ?, ?, 'pending', ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, entryID, execID, priority, attempts, lastError); err != nil {
			return fmt.Errorf("insert requeue entry: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicTestRequeued, bus.TestEvent{
		ExecutionID: execID,
		Status:      string(StatusQueued),
		Attempts:    attempts,
		Error:       lastError,
	})
	return entryID, nil
}

// CountExecutionsByStatus returns how many executions sit in status.
func (s *Store) CountExecutionsByStatus(ctx context.Context, status ExecStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM test_executions WHERE status = ?;
	`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// CountExecutionsForUserSince counts a user's submissions at or after cutoff.
// The tier gate uses it for daily quota checks.
func (s *Store) CountExecutionsForUserSince(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM test_executions WHERE user_id = ? AND submitted_at >= ?;
	`, userID, cutoff.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user executions: %w", err)
	}
	return n, nil
}

// ListExecutionEvents returns the transition trail for one execution,
// oldest first.
func (s *Store) ListExecutionEvents(ctx context.Context, execID string) ([]ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, execution_id, event_type, COALESCE(state_from, ''), state_to,
		       payload_json, COALESCE(trace_id, ''), created_at
		FROM execution_events WHERE execution_id = ? ORDER BY event_id ASC;
	`, execID)
	if err != nil {
		return nil, fmt.Errorf("query execution_events: %w", err)
	}
	defer rows.Close()

	var events []ExecutionEvent
	for rows.Next() {
		var ev ExecutionEvent
		if err := rows.Scan(&ev.EventID, &ev.ExecutionID, &ev.EventType, &ev.StateFrom,
			&ev.StateTo, &ev.Payload, &ev.TraceID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution_event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
