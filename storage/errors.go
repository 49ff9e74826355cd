package storage

import "errors"

var (
	// ErrThreatNotFound is returned when a threat event is not found.
	ErrThreatNotFound = errors.New("threat event not found")

	// ErrIncidentNotFound is returned when an incident is not found.
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrPlaybookNotFound is returned when a playbook is not found.
	ErrPlaybookNotFound = errors.New("playbook not found")

	// ErrActionNotFound is returned when an automated action is not found.
	ErrActionNotFound = errors.New("action not found")

	// ErrDuplicateID is returned when inserting a record whose ID already exists.
	ErrDuplicateID = errors.New("record with this id already exists")
)
