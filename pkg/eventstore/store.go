// Package eventstore provides the durable append-only event log. Events are
// keyed by (conversation_id, event_id) with a dense, per-conversation
// monotonic event_id assigned inside the append transaction.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Register the pure-Go sqlite driver for database/sql

	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
)

// Store is the SQLite-backed event log. Safe for concurrent use; append
// serialization relies on immediate transactions plus the unique index on
// (conversation_id, event_id).
type Store struct {
	db        *sql.DB
	dbPath    string
	txTimeout time.Duration
}

// Open creates or opens the event store at dbPath and applies pending
// migrations. The database runs in WAL mode with a busy timeout so short
// write bursts queue instead of failing.
func Open(dbPath string, txTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event store directory: %w", err)
	}

	dsn := "file:" + dbPath +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	// SQLite allows one writer; a single connection sidesteps SQLITE_BUSY
	// between pooled connections of the same process.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate event store: %w", err)
	}

	if txTimeout <= 0 {
		txTimeout = 200 * time.Millisecond
	}
	return &Store{db: db, dbPath: dbPath, txTimeout: txTimeout}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Ping verifies the store is reachable. Used by /health and /telemetry.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append assigns the next event_id for the conversation, inserts the event
// and prunes rows past the retention window, all in one transaction. The
// returned event is a copy with EventID and ConversationID populated; the
// input is not mutated.
func (s *Store) Append(ctx context.Context, conversationID string, evt *events.Event, retention int) (*events.Event, error) {
	if conversationID == "" {
		conversationID = events.DefaultConversationID
	}

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxEventID int64
	err = tx.QueryRowContext(txCtx,
		`SELECT COALESCE(MAX(event_id), 0) FROM denis_events WHERE conversation_id = ?`,
		conversationID,
	).Scan(&maxEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to read max event_id: %w", err)
	}

	stored := *evt
	stored.EventID = maxEventID + 1
	stored.ConversationID = conversationID

	eventJSON, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = tx.ExecContext(txCtx,
		`INSERT INTO denis_events (conversation_id, event_id, ts, trace_id, type, severity, event_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversationID, stored.EventID, stored.TS, stored.TraceID, stored.Type, stored.Severity, string(eventJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	// Retention removes a contiguous prefix; graph state is unaffected.
	if retention > 0 {
		_, err = tx.ExecContext(txCtx,
			`DELETE FROM denis_events WHERE conversation_id = ? AND event_id <= ?`,
			conversationID, stored.EventID-int64(retention),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to prune events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	return &stored, nil
}

// QueryAfter returns all events for a conversation with event_id strictly
// greater than afterEventID, ordered ascending.
func (s *Store) QueryAfter(ctx context.Context, conversationID string, afterEventID int64) ([]*events.Event, error) {
	if conversationID == "" {
		conversationID = events.DefaultConversationID
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_json FROM denis_events
		 WHERE conversation_id = ? AND event_id > ?
		 ORDER BY event_id ASC`,
		conversationID, afterEventID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*events.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var evt events.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, fmt.Errorf("failed to decode event row: %w", err)
		}
		out = append(out, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes events with a timestamp before cutoff, across all
// conversations. Per-append pruning handles the normal case; this is the
// cleanup service's safety net.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM denis_events WHERE ts < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted events: %w", err)
	}
	return n, nil
}

// CountEvents returns the number of rows for one conversation. Used by
// telemetry and tests.
func (s *Store) CountEvents(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM denis_events WHERE conversation_id = ?`,
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
