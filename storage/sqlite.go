// Package storage persists threat events, incidents, playbooks, actions, and
// the audit trail in SQLite. Counters and profiles live in Redis; everything
// an operator can page through lives here.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"sentinel/core"
	"sentinel/detect"
	"sentinel/respond"
)

// SQLite wraps the database handle. WAL mode gives concurrent readers with a
// single writer; the pool is capped at one connection so writes never hit
// SQLITE_BUSY.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *zap.SugaredLogger
}

// NewSQLite opens (creating if needed) the database at path and runs
// migrations. Use ":memory:" for tests.
func NewSQLite(path string, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db, path: path, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threat_events (
			id TEXT PRIMARY KEY,
			threat_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			detection_method TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			source_ip TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			risk_score REAL NOT NULL,
			confidence REAL NOT NULL,
			evidence TEXT NOT NULL DEFAULT '{}',
			is_blocked INTEGER NOT NULL DEFAULT 0,
			is_resolved INTEGER NOT NULL DEFAULT 0,
			false_positive INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threat_events_type ON threat_events(threat_type)`,
		`CREATE INDEX IF NOT EXISTS idx_threat_events_timestamp ON threat_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_threat_events_source_ip ON threat_events(source_ip)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			assignee_id TEXT NOT NULL DEFAULT '',
			playbook_id TEXT NOT NULL DEFAULT '',
			threat_event_ids TEXT NOT NULL DEFAULT '[]',
			timeline TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			resolved_at TEXT,
			closed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status)`,
		`CREATE TABLE IF NOT EXISTS playbooks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			trigger_condition TEXT NOT NULL DEFAULT '{}',
			actions TEXT NOT NULL DEFAULT '[]',
			created_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS automated_actions (
			id TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL DEFAULT '',
			threat_event_id TEXT NOT NULL DEFAULT '',
			action_type TEXT NOT NULL,
			parameters TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			result TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_ns INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_status ON automated_actions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_incident ON automated_actions(incident_id)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			event_type TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			resource TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping verifies the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var (
	_ detect.ThreatStore    = (*SQLite)(nil)
	_ respond.IncidentStore = (*SQLite)(nil)
	_ respond.ActionStore   = (*SQLite)(nil)
	_ respond.PlaybookStore = (*SQLite)(nil)
	_ core.AuditSink        = (*SQLite)(nil)
)
