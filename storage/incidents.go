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
	"sentinel/respond"
)

// SaveIncident inserts a new incident row. The timeline and linked threat
// event IDs are stored as JSON columns; they are always read and written as
// whole values, never queried into.
func (s *SQLite) SaveIncident(ctx context.Context, incident *core.Incident) error {
	threatIDs, timeline, err := marshalIncidentJSON(incident)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents
			(id, title, description, severity, status, assignee_id, playbook_id,
			 threat_event_ids, timeline, created_at, updated_at, resolved_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.ID, incident.Title, incident.Description,
		string(incident.Severity), string(incident.Status),
		incident.AssigneeID, incident.PlaybookID, threatIDs, timeline,
		incident.CreatedAt.UTC().Format(timeFormat),
		incident.UpdatedAt.UTC().Format(timeFormat),
		nullableTime(incident.ResolvedAt), nullableTime(incident.ClosedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("incident %s: %w", incident.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// UpdateIncident rewrites the mutable state of an existing incident.
func (s *SQLite) UpdateIncident(ctx context.Context, incident *core.Incident) error {
	threatIDs, timeline, err := marshalIncidentJSON(incident)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		SET title = ?, description = ?, severity = ?, status = ?, assignee_id = ?,
		    playbook_id = ?, threat_event_ids = ?, timeline = ?, updated_at = ?,
		    resolved_at = ?, closed_at = ?
		WHERE id = ?`,
		incident.Title, incident.Description, string(incident.Severity),
		string(incident.Status), incident.AssigneeID, incident.PlaybookID,
		threatIDs, timeline, incident.UpdatedAt.UTC().Format(timeFormat),
		nullableTime(incident.ResolvedAt), nullableTime(incident.ClosedAt),
		incident.ID)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %s: %w", incident.ID, ErrIncidentNotFound)
	}
	return nil
}

// GetIncident loads one incident by ID.
func (s *SQLite) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, severity, status, assignee_id, playbook_id,
		       threat_event_ids, timeline, created_at, updated_at, resolved_at, closed_at
		FROM incidents WHERE id = ?`, id)

	incident, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %s: %w", id, ErrIncidentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return incident, nil
}

// ListIncidents returns incidents matching the filter, newest first.
func (s *SQLite) ListIncidents(ctx context.Context, filter respond.IncidentFilter) ([]*core.Incident, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.AssigneeID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, filter.AssigneeID)
	}

	query := `
		SELECT id, title, description, severity, status, assignee_id, playbook_id,
		       threat_event_ids, timeline, created_at, updated_at, resolved_at, closed_at
		FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*core.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}
	return incidents, rows.Err()
}

func marshalIncidentJSON(incident *core.Incident) (threatIDs, timeline string, err error) {
	ids, err := json.Marshal(incident.ThreatEventIDs)
	if err != nil {
		return "", "", fmt.Errorf("marshal threat event ids: %w", err)
	}
	tl, err := json.Marshal(incident.Timeline)
	if err != nil {
		return "", "", fmt.Errorf("marshal timeline: %w", err)
	}
	return string(ids), string(tl), nil
}

func scanIncident(row rowScanner) (*core.Incident, error) {
	var (
		incident             core.Incident
		severity, status     string
		threatIDs, timeline  string
		createdAt, updatedAt string
		resolvedAt, closedAt sql.NullString
	)
	err := row.Scan(&incident.ID, &incident.Title, &incident.Description,
		&severity, &status, &incident.AssigneeID, &incident.PlaybookID,
		&threatIDs, &timeline, &createdAt, &updatedAt, &resolvedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	incident.Severity = core.Severity(severity)
	incident.Status = core.IncidentStatus(status)
	if err := json.Unmarshal([]byte(threatIDs), &incident.ThreatEventIDs); err != nil {
		return nil, fmt.Errorf("unmarshal threat event ids: %w", err)
	}
	if err := json.Unmarshal([]byte(timeline), &incident.Timeline); err != nil {
		return nil, fmt.Errorf("unmarshal timeline: %w", err)
	}
	if incident.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if incident.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if incident.ResolvedAt, err = parseNullableTime(resolvedAt); err != nil {
		return nil, fmt.Errorf("parse resolved_at: %w", err)
	}
	if incident.ClosedAt, err = parseNullableTime(closedAt); err != nil {
		return nil, fmt.Errorf("parse closed_at: %w", err)
	}
	return &incident, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
