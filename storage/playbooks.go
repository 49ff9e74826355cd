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

// SavePlaybook inserts a new playbook after validating it. The trigger and
// action templates are stored as JSON columns.
func (s *SQLite) SavePlaybook(ctx context.Context, playbook *core.ResponsePlaybook) error {
	if err := playbook.Validate(); err != nil {
		return err
	}
	trigger, actions, err := marshalPlaybookJSON(playbook)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO playbooks
			(id, name, description, enabled, priority, trigger_condition, actions,
			 created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		playbook.ID, playbook.Name, playbook.Description,
		boolToInt(playbook.Enabled), playbook.Priority, trigger, actions,
		playbook.CreatedBy,
		playbook.CreatedAt.UTC().Format(timeFormat),
		playbook.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("playbook %s: %w", playbook.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert playbook: %w", err)
	}
	return nil
}

// UpdatePlaybook rewrites an existing playbook after validating it.
func (s *SQLite) UpdatePlaybook(ctx context.Context, playbook *core.ResponsePlaybook) error {
	if err := playbook.Validate(); err != nil {
		return err
	}
	trigger, actions, err := marshalPlaybookJSON(playbook)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE playbooks
		SET name = ?, description = ?, enabled = ?, priority = ?,
		    trigger_condition = ?, actions = ?, updated_at = ?
		WHERE id = ?`,
		playbook.Name, playbook.Description, boolToInt(playbook.Enabled),
		playbook.Priority, trigger, actions,
		playbook.UpdatedAt.UTC().Format(timeFormat), playbook.ID)
	if err != nil {
		return fmt.Errorf("update playbook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("playbook %s: %w", playbook.ID, ErrPlaybookNotFound)
	}
	return nil
}

// DeletePlaybook removes a playbook by ID.
func (s *SQLite) DeletePlaybook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM playbooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete playbook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("playbook %s: %w", id, ErrPlaybookNotFound)
	}
	return nil
}

// GetPlaybook loads one playbook by ID.
func (s *SQLite) GetPlaybook(ctx context.Context, id string) (*core.ResponsePlaybook, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, enabled, priority, trigger_condition,
		       actions, created_by, created_at, updated_at
		FROM playbooks WHERE id = ?`, id)

	playbook, err := scanPlaybook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("playbook %s: %w", id, ErrPlaybookNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get playbook: %w", err)
	}
	return playbook, nil
}

// ListPlaybooks returns all playbooks ordered by priority descending, then ID.
func (s *SQLite) ListPlaybooks(ctx context.Context) ([]*core.ResponsePlaybook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, enabled, priority, trigger_condition,
		       actions, created_by, created_at, updated_at
		FROM playbooks ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	var playbooks []*core.ResponsePlaybook
	for rows.Next() {
		playbook, err := scanPlaybook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan playbook: %w", err)
		}
		playbooks = append(playbooks, playbook)
	}
	return playbooks, rows.Err()
}

func marshalPlaybookJSON(playbook *core.ResponsePlaybook) (trigger, actions string, err error) {
	t, err := json.Marshal(playbook.Trigger)
	if err != nil {
		return "", "", fmt.Errorf("marshal trigger: %w", err)
	}
	a, err := json.Marshal(playbook.Actions)
	if err != nil {
		return "", "", fmt.Errorf("marshal actions: %w", err)
	}
	return string(t), string(a), nil
}

func scanPlaybook(row rowScanner) (*core.ResponsePlaybook, error) {
	var (
		playbook             core.ResponsePlaybook
		enabled              int
		trigger, actions     string
		createdAt, updatedAt string
	)
	err := row.Scan(&playbook.ID, &playbook.Name, &playbook.Description,
		&enabled, &playbook.Priority, &trigger, &actions,
		&playbook.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	playbook.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(trigger), &playbook.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &playbook.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	if playbook.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if playbook.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &playbook, nil
}
