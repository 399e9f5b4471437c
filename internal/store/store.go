// Package store provides SQLite-backed persistence for jobhound safety
// state: rate-window usage units, completion records for the duplicate
// guard, the append-only safety-event audit log, and the spend ledger.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for jobhound state.
type Store struct {
	db *sql.DB
}

// SafetyEvent is one audited safety-relevant occurrence. Events are never
// deleted; resolution fields are set exactly once.
type SafetyEvent struct {
	ID               int64
	EventType        string
	Description      string
	Severity         string
	SessionID        string
	Subject          string
	RefID            string
	CreatedAt        time.Time
	Resolved         bool
	ResolutionAction string
	ResolvedBy       string
	ResolvedAt       sql.NullTime
}

// UsageUnit is one admitted operation counted against a rate window.
type UsageUnit struct {
	ID         int64
	Subject    string
	Resource   string
	RecordedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_units (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject TEXT NOT NULL,
	resource TEXT NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS completions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject TEXT NOT NULL,
	resource TEXT NOT NULL,
	idem_key TEXT NOT NULL,
	completed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS safety_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT 'medium',
	session_id TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	ref_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	resolved INTEGER NOT NULL DEFAULT 0,
	resolution_action TEXT NOT NULL DEFAULT '',
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS spend_ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject TEXT NOT NULL DEFAULT '',
	cost_usd REAL NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_usage_subject_resource ON usage_units(subject, resource, recorded_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_completions_key ON completions(subject, resource, idem_key);
CREATE INDEX IF NOT EXISTS idx_safety_events_type ON safety_events(event_type, resolved);
CREATE INDEX IF NOT EXISTS idx_safety_events_created_at ON safety_events(created_at);
CREATE INDEX IF NOT EXISTS idx_spend_recorded_at ON spend_ledger(recorded_at);
`

// Open creates or opens a SQLite database at the given path and ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RecordUsageUnit records one admitted operation for a subject/resource
// pair and returns the unit ID so it can be rolled back.
func (s *Store) RecordUsageUnit(subject, resource string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO usage_units (subject, resource, recorded_at) VALUES (?, ?, ?)`,
		subject, resource, time.Now().UTC().Format(time.DateTime),
	)
	if err != nil {
		return 0, fmt.Errorf("store: record usage unit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: usage unit id: %w", err)
	}
	return id, nil
}

// DeleteUsageUnit removes a previously recorded unit (reservation rollback).
func (s *Store) DeleteUsageUnit(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM usage_units WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete usage unit %d: %w", id, err)
	}
	return nil
}

// CountUsage counts units recorded for a subject/resource pair within the
// trailing window. Expiry is implicit in the cutoff; nothing is swept.
func (s *Store) CountUsage(subject, resource string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).UTC().Format(time.DateTime)

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM usage_units WHERE subject = ? AND resource = ? AND recorded_at > ?`,
		subject, resource, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count usage: %w", err)
	}
	return count, nil
}

// SetUnitTime rewrites a unit's timestamp. Test hook for window expiry.
func (s *Store) SetUnitTime(id int64, at time.Time) error {
	if _, err := s.db.Exec(
		`UPDATE usage_units SET recorded_at = ? WHERE id = ?`,
		at.UTC().Format(time.DateTime), id,
	); err != nil {
		return fmt.Errorf("store: set unit time: %w", err)
	}
	return nil
}

// MarkCompleted records an idempotency key as completed. Marking the same
// key twice is not an error.
func (s *Store) MarkCompleted(subject, resource, idemKey string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO completions (subject, resource, idem_key, completed_at) VALUES (?, ?, ?, ?)`,
		subject, resource, idemKey, time.Now().UTC().Format(time.DateTime),
	)
	if err != nil {
		return fmt.Errorf("store: mark completed: %w", err)
	}
	return nil
}

// WasCompleted reports whether an idempotency key has already completed.
func (s *Store) WasCompleted(subject, resource, idemKey string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM completions WHERE subject = ? AND resource = ? AND idem_key = ?`,
		subject, resource, idemKey,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check completion: %w", err)
	}
	return count > 0, nil
}

// CreateSafetyEvent appends a safety event and returns its ID.
func (s *Store) CreateSafetyEvent(eventType, description, severity, sessionID, subject, refID string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO safety_events (event_type, description, severity, session_id, subject, ref_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eventType, description, severity, sessionID, strings.TrimSpace(subject), strings.TrimSpace(refID),
		time.Now().UTC().Format(time.DateTime),
	)
	if err != nil {
		return 0, fmt.Errorf("store: create safety event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: safety event id: %w", err)
	}
	return id, nil
}

// UnresolvedSafetyEvents returns unresolved events, optionally filtered by type.
func (s *Store) UnresolvedSafetyEvents(eventType string) ([]SafetyEvent, error) {
	query := `SELECT ` + safetyEventCols + ` FROM safety_events WHERE resolved = 0`
	args := []any{}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at DESC`
	return s.querySafetyEvents(query, args...)
}

// CountUnresolved returns the number of unresolved safety events.
func (s *Store) CountUnresolved() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM safety_events WHERE resolved = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count unresolved: %w", err)
	}
	return count, nil
}

// RecentSafetyEvents returns events created within the trailing window.
func (s *Store) RecentSafetyEvents(window time.Duration) ([]SafetyEvent, error) {
	cutoff := time.Now().Add(-window).UTC().Format(time.DateTime)
	return s.querySafetyEvents(
		`SELECT `+safetyEventCols+` FROM safety_events WHERE created_at > ? ORDER BY created_at DESC`,
		cutoff,
	)
}

// GetSafetyEvent returns one event by ID, or nil if absent.
func (s *Store) GetSafetyEvent(id int64) (*SafetyEvent, error) {
	events, err := s.querySafetyEvents(`SELECT `+safetyEventCols+` FROM safety_events WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// ResolveSafetyEvent sets the resolution fields on an unresolved event.
// Resolving an already-resolved or missing event is an error: resolution
// happens exactly once.
func (s *Store) ResolveSafetyEvent(id int64, action, resolvedBy string) error {
	res, err := s.db.Exec(
		`UPDATE safety_events SET resolved = 1, resolution_action = ?, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND resolved = 0`,
		action, resolvedBy, time.Now().UTC().Format(time.DateTime), id,
	)
	if err != nil {
		return fmt.Errorf("store: resolve safety event %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: resolve safety event %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: safety event %d not found or already resolved", id)
	}
	return nil
}

// RecordSpend appends attributed spend to the durable ledger.
func (s *Store) RecordSpend(subject string, costUSD float64) error {
	if costUSD < 0 {
		return fmt.Errorf("store: negative spend %.4f", costUSD)
	}
	_, err := s.db.Exec(
		`INSERT INTO spend_ledger (subject, cost_usd, recorded_at) VALUES (?, ?, ?)`,
		subject, costUSD, time.Now().UTC().Format(time.DateTime),
	)
	if err != nil {
		return fmt.Errorf("store: record spend: %w", err)
	}
	return nil
}

// TotalSpendSince sums ledger spend within the trailing window.
func (s *Store) TotalSpendSince(window time.Duration) (float64, error) {
	cutoff := time.Now().Add(-window).UTC().Format(time.DateTime)

	var total sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT SUM(cost_usd) FROM spend_ledger WHERE recorded_at > ?`, cutoff,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: total spend: %w", err)
	}
	return total.Float64, nil
}

const safetyEventCols = `id, event_type, description, severity, session_id, subject, ref_id, created_at, resolved, resolution_action, resolved_by, resolved_at`

func (s *Store) querySafetyEvents(query string, args ...any) ([]SafetyEvent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query safety events: %w", err)
	}
	defer rows.Close()

	var events []SafetyEvent
	for rows.Next() {
		var e SafetyEvent
		var resolved int
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.Description, &e.Severity, &e.SessionID, &e.Subject, &e.RefID,
			&e.CreatedAt, &resolved, &e.ResolutionAction, &e.ResolvedBy, &e.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan safety event: %w", err)
		}
		e.Resolved = resolved != 0
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate safety events: %w", err)
	}
	return events, nil
}
