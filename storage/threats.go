package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sentinel/core"
	"sentinel/detect"
)

// timeFormat is the canonical timestamp encoding for all tables. RFC 3339
// with nanoseconds sorts lexicographically, so timestamp indexes order
// correctly without a native time type.
const timeFormat = time.RFC3339Nano

// SaveThreatEvent inserts a new threat event row.
func (s *SQLite) SaveThreatEvent(ctx context.Context, threat *core.ThreatEvent) error {
	evidence, err := json.Marshal(threat.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threat_events
			(id, threat_type, severity, detection_method, timestamp, source_ip,
			 user_id, session_id, endpoint, risk_score, confidence, evidence,
			 is_blocked, is_resolved, false_positive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		threat.ID, string(threat.ThreatType), string(threat.Severity),
		threat.DetectionMethod, threat.Timestamp.UTC().Format(timeFormat),
		threat.SourceIP, threat.UserID, threat.SessionID, threat.Endpoint,
		threat.RiskScore, threat.Confidence, string(evidence),
		boolToInt(threat.IsBlocked), boolToInt(threat.IsResolved), boolToInt(threat.FalsePositive))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("threat %s: %w", threat.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert threat event: %w", err)
	}
	return nil
}

// UpdateThreatEvent persists the mutable flags of an existing threat event.
// Identity and evidence columns are never rewritten.
func (s *SQLite) UpdateThreatEvent(ctx context.Context, threat *core.ThreatEvent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threat_events
		SET is_blocked = ?, is_resolved = ?, false_positive = ?
		WHERE id = ?`,
		boolToInt(threat.IsBlocked), boolToInt(threat.IsResolved),
		boolToInt(threat.FalsePositive), threat.ID)
	if err != nil {
		return fmt.Errorf("update threat event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("threat %s: %w", threat.ID, ErrThreatNotFound)
	}
	return nil
}

// GetThreatEvent loads one threat event by ID.
func (s *SQLite) GetThreatEvent(ctx context.Context, id string) (*core.ThreatEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, threat_type, severity, detection_method, timestamp, source_ip,
		       user_id, session_id, endpoint, risk_score, confidence, evidence,
		       is_blocked, is_resolved, false_positive
		FROM threat_events WHERE id = ?`, id)

	threat, err := scanThreatEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("threat %s: %w", id, ErrThreatNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get threat event: %w", err)
	}
	return threat, nil
}

// ListThreatEvents returns threat events matching the filter, newest first.
func (s *SQLite) ListThreatEvents(ctx context.Context, filter detect.ThreatFilter) ([]*core.ThreatEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ThreatType != "" {
		where = append(where, "threat_type = ?")
		args = append(args, string(filter.ThreatType))
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.SourceIP != "" {
		where = append(where, "source_ip = ?")
		args = append(args, filter.SourceIP)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(timeFormat))
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, filter.Until.UTC().Format(timeFormat))
	}
	if !filter.IncludeResolved {
		where = append(where, "is_resolved = 0")
	}

	query := `
		SELECT id, threat_type, severity, detection_method, timestamp, source_ip,
		       user_id, session_id, endpoint, risk_score, confidence, evidence,
		       is_blocked, is_resolved, false_positive
		FROM threat_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threat events: %w", err)
	}
	defer rows.Close()

	var threats []*core.ThreatEvent
	for rows.Next() {
		threat, err := scanThreatEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan threat event: %w", err)
		}
		threats = append(threats, threat)
	}
	return threats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanThreatEvent(row rowScanner) (*core.ThreatEvent, error) {
	var (
		threat                           core.ThreatEvent
		threatType, severity, ts         string
		evidence                         string
		blocked, resolved, falsePositive int
	)
	err := row.Scan(&threat.ID, &threatType, &severity, &threat.DetectionMethod,
		&ts, &threat.SourceIP, &threat.UserID, &threat.SessionID, &threat.Endpoint,
		&threat.RiskScore, &threat.Confidence, &evidence,
		&blocked, &resolved, &falsePositive)
	if err != nil {
		return nil, err
	}

	threat.ThreatType = core.ThreatType(threatType)
	threat.Severity = core.Severity(severity)
	if threat.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &threat.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	threat.IsBlocked = blocked != 0
	threat.IsResolved = resolved != 0
	threat.FalsePositive = falsePositive != 0
	return &threat, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
