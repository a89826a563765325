package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Conversation is the stored metadata for one message thread.
type Conversation struct {
	ID           string    `json:"id"`
	SizeBytes    int64     `json:"size_bytes"`
	OverflowBlob string    `json:"overflow_blob,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one turn in a conversation. ToolCalls holds the raw JSON
// array as recorded at append time.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Reasoning      string    `json:"reasoning,omitempty"`
	ToolCalls      string    `json:"tool_calls,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateConversation inserts an empty active conversation.
func (s *Store) CreateConversation(ctx context.Context) (string, error) {
	id := newID()
	err := retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id) VALUES (?);
		`, id); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// EnsureConversation creates the conversation row for id if it does not
// exist yet. Idempotent.
func (s *Store) EnsureConversation(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id) VALUES (?)
			ON CONFLICT(id) DO NOTHING;
		`, id); err != nil {
			return fmt.Errorf("ensure conversation: %w", err)
		}
		return nil
	})
}

// GetConversation fetches conversation metadata.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, size_bytes, COALESCE(overflow_blob, ''), active, created_at, updated_at
		FROM conversations WHERE id = ?;
	`, id).Scan(&c.ID, &c.SizeBytes, &c.OverflowBlob, &active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.Active = active == 1
	return &c, nil
}

// AppendMessage appends one message and bumps the conversation's byte
// accounting in the same transaction.
func (s *Store) AppendMessage(ctx context.Context, convID string, msg Message) (int64, error) {
	size := int64(len(msg.Content) + len(msg.Reasoning) + len(msg.ToolCalls))
	var msgID int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content, reasoning, tool_calls, created_at)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, convID, msg.Role, msg.Content, msg.Reasoning, msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		msgID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		upd, err := tx.ExecContext(ctx, `
			UPDATE conversations SET size_bytes = size_bytes + ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, size, convID)
		if err != nil {
			return fmt.Errorf("bump conversation size: %w", err)
		}
		affected, err := upd.RowsAffected()
		if err != nil {
			return fmt.Errorf("bump rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("append to conversation %s: %w", convID, ErrNotFound)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

// History returns the most recent n messages in chronological order.
// n <= 0 means all messages.
func (s *Store) History(ctx context.Context, convID string, n int) ([]Message, error) {
	query := `
		SELECT id, conversation_id, role, content, COALESCE(reasoning, ''),
		       COALESCE(tool_calls, ''), created_at
		FROM messages WHERE conversation_id = ? ORDER BY id ASC;
	`
	args := []any{convID}
	if n > 0 {
		query = `
			SELECT id, conversation_id, role, content, COALESCE(reasoning, ''),
			       COALESCE(tool_calls, ''), created_at
			FROM (
				SELECT * FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC;
		`
		args = append(args, n)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.Reasoning, &m.ToolCalls, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of live messages in a conversation.
func (s *Store) MessageCount(ctx context.Context, convID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE conversation_id = ?;
	`, convID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// TrimConversation deletes all but the newest keep messages, recomputes
// the byte accounting, and records the overflow blob reference. It is
// idempotent: trimming a conversation already at or under keep rows only
// updates the blob reference.
func (s *Store) TrimConversation(ctx context.Context, convID string, keep int, blobRef string) error {
	if keep < 0 {
		keep = 0
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE conversation_id = ?
			  AND id NOT IN (
				SELECT id FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
			  );
		`, convID, convID, keep); err != nil {
			return fmt.Errorf("trim messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET size_bytes = (
				SELECT COALESCE(SUM(LENGTH(content) + LENGTH(COALESCE(reasoning, '')) + LENGTH(COALESCE(tool_calls, ''))), 0)
				FROM messages WHERE conversation_id = ?
			),
			    overflow_blob = NULLIF(?, ''),
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, convID, blobRef, convID); err != nil {
			return fmt.Errorf("recompute conversation size: %w", err)
		}
		return tx.Commit()
	})
}

// ClearConversation deactivates a conversation and deletes its messages.
// The row itself stays for audit.
func (s *Store) ClearConversation(ctx context.Context, convID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE conversation_id = ?;
		`, convID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET active = 0, size_bytes = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, convID); err != nil {
			return fmt.Errorf("deactivate conversation: %w", err)
		}
		return tx.Commit()
	})
}
