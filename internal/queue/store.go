// Package queue is the durable store behind the test-execution scheduler:
// queue entries, test executions, conversations, and the append-only
// execution event trail, all in one SQLite database.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/bus"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/shared"
)

const (
	schemaVersion  = 1
	schemaChecksum = "tb-v1-scheduler-core"
)

// ExecStatus is the lifecycle state of a TestExecution.
type ExecStatus string

const (
	StatusQueued    ExecStatus = "QUEUED"
	StatusBuilding  ExecStatus = "BUILDING"
	StatusRunning   ExecStatus = "RUNNING"
	StatusCompleted ExecStatus = "COMPLETED"
	StatusFailed    ExecStatus = "FAILED"
)

// Stage tags where in the pipeline a failure happened.
type Stage string

const (
	StageBuild     Stage = "build"
	StageExecution Stage = "execution"
	StageTimeout   Stage = "timeout"
	StageService   Stage = "service"
)

// Transitions are monotonic; FAILED reopens only via explicit requeue.
var allowedTransitions = map[ExecStatus]map[ExecStatus]struct{}{
	StatusQueued: {
		StatusBuilding: {},
		StatusFailed:   {},
	},
	StatusBuilding: {
		StatusRunning: {},
		StatusFailed:  {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusFailed: {
		StatusQueued: {}, // Requeue for another attempt.
	},
}

func canTransition(from, to ExecStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TestExecution is the unit of work as seen by a caller.
type TestExecution struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	UserID          string     `json:"user_id"`
	Input           string     `json:"input"`
	ConversationID  string     `json:"conversation_id,omitempty"`
	ModelID         string     `json:"model_id"`
	Status          ExecStatus `json:"status"`
	Error           string     `json:"error,omitempty"`
	ErrorStage      Stage      `json:"error_stage,omitempty"`
	Result          string     `json:"result,omitempty"`
	ExecutionMethod string     `json:"execution_method,omitempty"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// EntryStatus is the claim state of a QueueEntry.
type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryClaimed EntryStatus = "claimed"
)

// QueueEntry is the schedulable handle for one attempt of a TestExecution.
type QueueEntry struct {
	ID          string      `json:"id"`
	ExecutionID string      `json:"execution_id"`
	Priority    int         `json:"priority"`
	Status      EntryStatus `json:"status"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	Worker      string      `json:"worker,omitempty"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ExecutionEvent is one row of the append-only transition trail.
type ExecutionEvent struct {
	EventID     int64      `json:"event_id"`
	ExecutionID string     `json:"execution_id"`
	EventType   string     `json:"event_type"`
	StateFrom   ExecStatus `json:"state_from,omitempty"`
	StateTo     ExecStatus `json:"state_to"`
	Payload     string     `json:"payload"`
	TraceID     string     `json:"trace_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Store wraps the SQLite database. A nil bus is allowed in tests.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns the database path under the user's testbench home.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".testbench", "testbench.db")
}

// Open opens (creating if needed) the store at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS test_executions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	input TEXT NOT NULL,
	conversation_id TEXT,
	model_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT,
	error_stage TEXT,
	result TEXT,
	execution_method TEXT,
	submitted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON test_executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_user ON test_executions(user_id, submitted_at);

CREATE TABLE IF NOT EXISTS queue_entries (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	claimed_at TIMESTAMP,
	worker TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_entries_pending ON queue_entries(status, priority, created_at);

CREATE TABLE IF NOT EXISTS execution_events (
	event_id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	state_from TEXT,
	state_to TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	trace_id TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_execution ON execution_events(execution_id, event_id);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	overflow_blob TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	reasoning TEXT,
	tool_calls TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	code TEXT NOT NULL DEFAULT '',
	tools TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_meta;`).Scan(&count); err != nil {
		return fmt.Errorf("read schema_meta: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO schema_meta (version, checksum) VALUES (?, ?);
		`, schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}

	var version int
	var checksum string
	if err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_meta ORDER BY applied_at DESC LIMIT 1;
	`).Scan(&version, &checksum); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion || checksum != schemaChecksum {
		return fmt.Errorf("schema mismatch: have v%d (%s), want v%d (%s)", version, checksum, schemaVersion, schemaChecksum)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "sqlite_locked")
}

// retryOnBusy retries f on transient SQLite lock errors with jittered
// exponential backoff.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, execID string, from, to ExecStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = execID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO execution_events (execution_id, event_type, state_from, state_to, payload_json, trace_id, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP);
	`, execID, eventType, string(from), string(to), payload, traceID)
	if err != nil {
		return fmt.Errorf("insert execution_event: %w", err)
	}
	return nil
}

// transitionTx applies a guarded status transition inside tx. It returns
// false (no error) when the row is missing or not in an allowed from-state.
func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, execID string, allowedFrom []ExecStatus, to ExecStatus, eventType, payload string) (bool, error) {
	var current ExecStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM test_executions WHERE id = ?;
	`, execID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select execution for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE test_executions SET status = ? WHERE id = ? AND status = ?;
	`, to, execID, current)
	if err != nil {
		return false, fmt.Errorf("update execution status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendEventTx(ctx, tx, execID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) publish(topic string, ev bus.TestEvent) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}

func newID() string {
	return uuid.NewString()
}
