package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/bus"
)

// Enqueue inserts a pending entry for execID at the given priority
// (lower runs first) and returns the entry id.
func (s *Store) Enqueue(ctx context.Context, execID string, priority int) (string, error) {
	entryID := newID()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO queue_entries (id, execution_id, priority, status, attempts, created_at)
			VALUES (?, ?, ?, 'pending', 0, CURRENT_TIMESTAMP);
		`, entryID, execID, priority)
		if err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicTestEnqueued, bus.TestEvent{ExecutionID: execID, Status: string(StatusQueued)})
	return entryID, nil
}

// HasPending is a cheap probe for the scheduler's idle check.
func (s *Store) HasPending(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM queue_entries WHERE status = 'pending' LIMIT 1;
	`).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe pending: %w", err)
	}
	return true, nil
}

// NextPending returns up to limit pending entries in dispatch order:
// priority ascending, then submission order.
func (s *Store) NextPending(ctx context.Context, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, priority, status, claimed_at, COALESCE(worker, ''),
		       attempts, COALESCE(last_error, ''), created_at
		FROM queue_entries
		WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// TryClaim atomically flips one pending entry to claimed for worker.
// Exactly one caller wins; losers get (false, nil).
func (s *Store) TryClaim(ctx context.Context, entryID, worker string) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = 'claimed', claimed_at = CURRENT_TIMESTAMP, worker = ?
			WHERE id = ? AND status = 'pending';
		`, worker, entryID)
		if err != nil {
			return fmt.Errorf("claim entry: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		claimed = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if claimed {
		var execID string
		if err := s.db.QueryRowContext(ctx, `
			SELECT execution_id FROM queue_entries WHERE id = ?;
		`, entryID).Scan(&execID); err == nil {
			s.publish(bus.TopicTestClaimed, bus.TestEvent{ExecutionID: execID})
		}
	}
	return claimed, nil
}

// Remove deletes an entry. Removing an entry that is already gone is
// not an error.
func (s *Store) Remove(ctx context.Context, entryID string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM queue_entries WHERE id = ?;
		`, entryID); err != nil {
			return fmt.Errorf("delete entry: %w", err)
		}
		return nil
	})
}

// GetEntry fetches one entry by id.
func (s *Store) GetEntry(ctx context.Context, entryID string) (*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, priority, status, claimed_at, COALESCE(worker, ''),
		       attempts, COALESCE(last_error, ''), created_at
		FROM queue_entries WHERE id = ?;
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// CountEntriesByStatus returns how many entries sit in status.
func (s *Store) CountEntriesByStatus(ctx context.Context, status EntryStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM queue_entries WHERE status = ?;
	`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// FindStaleClaims returns claimed entries whose claim predates cutoff.
// The reaper treats these as abandoned by a dead worker.
func (s *Store) FindStaleClaims(ctx context.Context, cutoff time.Time) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, priority, status, claimed_at, COALESCE(worker, ''),
		       attempts, COALESCE(last_error, ''), created_at
		FROM queue_entries
		WHERE status = 'claimed' AND claimed_at < ?
		ORDER BY claimed_at ASC;
	`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stale claims: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]QueueEntry, error) {
	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var claimedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Priority, &e.Status, &claimedAt,
			&e.Worker, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if claimedAt.Valid {
			t := claimedAt.Time
			e.ClaimedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
