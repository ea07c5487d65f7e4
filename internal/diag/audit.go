// Package diag is the on-machine audit trail: a bounded local SQLite
// ring buffer that survives a lost cloud connection, so a technician at
// the reactor can still answer "what did this agent just do" with no
// network at all.
package diag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// AuditEvent is one row of the local audit trail.
type AuditEvent struct {
	ID        int64
	At        time.Time
	Kind      string // free-form event kind, e.g. "execution_finished"
	RefID     string // command id / execution id / parameter id
	Detail    string
}

// Store is a bounded SQLite-backed ring buffer of AuditEvent rows.
type Store struct {
	db      *sql.DB
	log     *zap.Logger
	maxRows int
}

// Open opens (creating if absent) the SQLite database at path and
// ensures the audit_events table exists.
func Open(path string, maxRows int, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if maxRows <= 0 {
		maxRows = 10000
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	const schema = `
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at DATETIME NOT NULL,
			kind TEXT NOT NULL,
			ref_id TEXT NOT NULL,
			detail TEXT NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &Store{db: db, log: log, maxRows: maxRows}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record inserts one audit event. detail is marshaled to JSON; a
// marshal failure falls back to fmt.Sprint so an audit write is never
// lost over a formatting error.
func (s *Store) Record(ctx context.Context, kind, refID string, detail interface{}) {
	body, err := json.Marshal(detail)
	if err != nil {
		body = []byte(fmt.Sprint(detail))
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (at, kind, ref_id, detail) VALUES (?, ?, ?, ?)`,
		time.Now(), kind, refID, string(body))
	if err != nil {
		s.log.Error("audit write failed", zap.String("kind", kind), zap.Error(err))
	}
}

// Recent returns the most recent n events, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, ref_id, detail FROM audit_events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.At, &e.Kind, &e.RefID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes the oldest rows past the configured row cap. Intended
// to be called periodically by the maintenance scheduler.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_events WHERE id NOT IN (
			SELECT id FROM audit_events ORDER BY id DESC LIMIT ?
		)`, s.maxRows)
	if err != nil {
		return 0, fmt.Errorf("pruning audit events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("pruned audit events", zap.Int64("rows_deleted", n))
	}
	return n, nil
}
