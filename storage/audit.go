package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sentinel/core"
)

// Record appends one entry to the audit log. The log is append-only; there
// is no update or delete path.
func (s *SQLite) Record(ctx context.Context, record *core.AuditRecord) error {
	details, err := json.Marshal(record.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, event_type, actor, resource, action, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Timestamp.UTC().Format(timeFormat),
		record.EventType, record.Actor, record.Resource, record.Action,
		string(details))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListAuditRecords returns the most recent audit entries, newest first.
func (s *SQLite) ListAuditRecords(ctx context.Context, limit int) ([]*core.AuditRecord, error) {
	query := `
		SELECT id, timestamp, event_type, actor, resource, action, details
		FROM audit_log ORDER BY timestamp DESC, id`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []*core.AuditRecord
	for rows.Next() {
		var (
			record  core.AuditRecord
			ts      string
			details string
		)
		if err := rows.Scan(&record.ID, &ts, &record.EventType, &record.Actor,
			&record.Resource, &record.Action, &details); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if record.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &record.Details); err != nil {
			return nil, fmt.Errorf("unmarshal audit details: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}
