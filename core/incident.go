package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IncidentStatus is the incident lifecycle state.
type IncidentStatus string

const (
	IncidentStatusNew           IncidentStatus = "new"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusContaining    IncidentStatus = "containing"
	IncidentStatusEradicating   IncidentStatus = "eradicating"
	IncidentStatusRecovering    IncidentStatus = "recovering"
	IncidentStatusResolved      IncidentStatus = "resolved"
	IncidentStatusClosed        IncidentStatus = "closed"
)

// IsValid reports whether s is a known incident status.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusNew, IncidentStatusInvestigating, IncidentStatusContaining,
		IncidentStatusEradicating, IncidentStatusRecovering, IncidentStatusResolved,
		IncidentStatusClosed:
		return true
	}
	return false
}

// TimelineEntry is one append-only record on an incident timeline.
type TimelineEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	EventType string                 `json:"event_type"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Incident groups one or more threat events under a response workflow.
// The timeline is append-only and ordered by timestamp; all state changes go
// through Transition so every change leaves a timeline record.
type Incident struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Severity       Severity        `json:"severity"`
	Status         IncidentStatus  `json:"status"`
	ThreatEventIDs []string        `json:"threat_event_ids"`
	AssigneeID     string          `json:"assignee_id,omitempty"`
	PlaybookID     string          `json:"playbook_id,omitempty"`
	Timeline       []TimelineEntry `json:"timeline"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// NewIncident creates an Incident in the "new" state with an opening timeline entry.
func NewIncident(title, description string, severity Severity, actor string) *Incident {
	now := time.Now().UTC()
	inc := &Incident{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Severity:    severity,
		Status:      IncidentStatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	inc.AppendTimeline(actor, "incident_created", fmt.Sprintf("incident created with severity %s", severity), nil)
	return inc
}

// AppendTimeline appends an entry to the incident timeline.
func (i *Incident) AppendTimeline(actor, eventType, message string, details map[string]interface{}) {
	i.Timeline = append(i.Timeline, TimelineEntry{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
	i.UpdatedAt = time.Now().UTC()
}

// Transition moves the incident to a new status, recording the change on the
// timeline. Re-opening a resolved or closed incident is allowed; doing so
// clears the corresponding resolution timestamp.
func (i *Incident) Transition(to IncidentStatus, actor string) error {
	if !to.IsValid() {
		return fmt.Errorf("invalid incident status %q", to)
	}
	if actor == "" {
		return fmt.Errorf("transition requires an actor id")
	}

	from := i.Status
	i.Status = to
	now := time.Now().UTC()

	switch to {
	case IncidentStatusResolved:
		i.ResolvedAt = &now
	case IncidentStatusClosed:
		i.ClosedAt = &now
	default:
		// Re-entering an active state clears resolution stamps.
		i.ResolvedAt = nil
		i.ClosedAt = nil
	}

	i.AppendTimeline(actor, "status_changed",
		fmt.Sprintf("status changed from %s to %s", from, to),
		map[string]interface{}{"from": string(from), "to": string(to)})
	return nil
}

// Assign sets the assignee and records the assignment on the timeline.
func (i *Incident) Assign(assigneeID, actor string) {
	i.AssigneeID = assigneeID
	i.AppendTimeline(actor, "assigned", fmt.Sprintf("assigned to %s", assigneeID), nil)
}

// AddThreatEvent links a threat event to the incident, ignoring duplicates.
func (i *Incident) AddThreatEvent(threatEventID string) {
	for _, id := range i.ThreatEventIDs {
		if id == threatEventID {
			return
		}
	}
	i.ThreatEventIDs = append(i.ThreatEventIDs, threatEventID)
}
