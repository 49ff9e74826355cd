package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sentinel/core"
)

// CreateAction inserts a new automated action row.
func (s *SQLite) CreateAction(ctx context.Context, action *core.AutomatedAction) error {
	params, result, err := marshalActionJSON(action)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automated_actions
			(id, incident_id, threat_event_id, action_type, parameters, status,
			 created_at, started_at, completed_at, result, error,
			 retry_count, max_retries, timeout_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.IncidentID, action.ThreatEventID,
		string(action.Type), params, string(action.Status),
		action.CreatedAt.UTC().Format(timeFormat),
		nullableTime(action.StartedAt), nullableTime(action.CompletedAt),
		result, action.Error, action.RetryCount, action.MaxRetries,
		int64(action.Timeout))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("action %s: %w", action.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// UpdateAction rewrites the mutable state of an existing action.
func (s *SQLite) UpdateAction(ctx context.Context, action *core.AutomatedAction) error {
	params, result, err := marshalActionJSON(action)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE automated_actions
		SET parameters = ?, status = ?, started_at = ?, completed_at = ?,
		    result = ?, error = ?, retry_count = ?, max_retries = ?, timeout_ns = ?
		WHERE id = ?`,
		params, string(action.Status),
		nullableTime(action.StartedAt), nullableTime(action.CompletedAt),
		result, action.Error, action.RetryCount, action.MaxRetries,
		int64(action.Timeout), action.ID)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action %s: %w", action.ID, ErrActionNotFound)
	}
	return nil
}

// GetAction loads one action by ID.
func (s *SQLite) GetAction(ctx context.Context, id string) (*core.AutomatedAction, error) {
	row := s.db.QueryRowContext(ctx, actionSelect+` WHERE id = ?`, id)

	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", id, ErrActionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return action, nil
}

// ListActionsByStatus returns actions in the given status, oldest first, so
// the execution loop drains the queue in arrival order.
func (s *SQLite) ListActionsByStatus(ctx context.Context, status core.ActionStatus, limit int) ([]*core.AutomatedAction, error) {
	query := actionSelect + ` WHERE status = ? ORDER BY created_at, id`
	args := []interface{}{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions by status: %w", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// ListActionsByIncident returns all actions for an incident, oldest first.
func (s *SQLite) ListActionsByIncident(ctx context.Context, incidentID string) ([]*core.AutomatedAction, error) {
	rows, err := s.db.QueryContext(ctx,
		actionSelect+` WHERE incident_id = ? ORDER BY created_at, id`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list actions by incident: %w", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// CountActionsByStatus counts actions in the given status.
func (s *SQLite) CountActionsByStatus(ctx context.Context, status core.ActionStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM automated_actions WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

const actionSelect = `
	SELECT id, incident_id, threat_event_id, action_type, parameters, status,
	       created_at, started_at, completed_at, result, error,
	       retry_count, max_retries, timeout_ns
	FROM automated_actions`

func collectActions(rows *sql.Rows) ([]*core.AutomatedAction, error) {
	var actions []*core.AutomatedAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

func marshalActionJSON(action *core.AutomatedAction) (params, result string, err error) {
	p, err := json.Marshal(action.Parameters)
	if err != nil {
		return "", "", fmt.Errorf("marshal parameters: %w", err)
	}
	r, err := json.Marshal(action.Result)
	if err != nil {
		return "", "", fmt.Errorf("marshal result: %w", err)
	}
	return string(p), string(r), nil
}

func scanAction(row rowScanner) (*core.AutomatedAction, error) {
	var (
		action                 core.AutomatedAction
		actionType, status     string
		params, result         string
		createdAt              string
		startedAt, completedAt sql.NullString
		timeoutNS              int64
	)
	err := row.Scan(&action.ID, &action.IncidentID, &action.ThreatEventID,
		&actionType, &params, &status, &createdAt, &startedAt, &completedAt,
		&result, &action.Error, &action.RetryCount, &action.MaxRetries, &timeoutNS)
	if err != nil {
		return nil, err
	}

	action.Type = core.ActionType(actionType)
	action.Status = core.ActionStatus(status)
	action.Timeout = time.Duration(timeoutNS)
	if err := json.Unmarshal([]byte(params), &action.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(result), &action.Result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	if action.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if action.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if action.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &action, nil
}
