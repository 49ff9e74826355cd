package respond

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/metrics"
)

// IncidentStore persists incidents. Implemented by the storage package.
type IncidentStore interface {
	SaveIncident(ctx context.Context, incident *core.Incident) error
	UpdateIncident(ctx context.Context, incident *core.Incident) error
	GetIncident(ctx context.Context, id string) (*core.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*core.Incident, error)
}

// IncidentFilter narrows incident queries. Zero-value fields match everything.
type IncidentFilter struct {
	Status     core.IncidentStatus
	Severity   core.Severity
	AssigneeID string
	Limit      int
}

// ActionStore persists queued automated actions.
type ActionStore interface {
	CreateAction(ctx context.Context, action *core.AutomatedAction) error
	UpdateAction(ctx context.Context, action *core.AutomatedAction) error
	GetAction(ctx context.Context, id string) (*core.AutomatedAction, error)
	ListActionsByStatus(ctx context.Context, status core.ActionStatus, limit int) ([]*core.AutomatedAction, error)
	ListActionsByIncident(ctx context.Context, incidentID string) ([]*core.AutomatedAction, error)
	CountActionsByStatus(ctx context.Context, status core.ActionStatus) (int64, error)
}

// PlaybookStore persists response playbooks.
type PlaybookStore interface {
	SavePlaybook(ctx context.Context, playbook *core.ResponsePlaybook) error
	UpdatePlaybook(ctx context.Context, playbook *core.ResponsePlaybook) error
	DeletePlaybook(ctx context.Context, id string) error
	GetPlaybook(ctx context.Context, id string) (*core.ResponsePlaybook, error)
	ListPlaybooks(ctx context.Context) ([]*core.ResponsePlaybook, error)
}

// Incident creation policy: a threat opens an incident when it is severe,
// scored high, or of a type that always warrants response.
var alwaysIncidentTypes = map[core.ThreatType]bool{
	core.ThreatBruteForce:          true,
	core.ThreatPrivilegeEscalation: true,
	core.ThreatDataExfiltration:    true,
}

const incidentRiskThreshold = 7.0

// systemActor is the actor recorded for automated changes.
const systemActor = "system"

// IncidentEngine creates incidents from threats, matches playbooks, and
// queues the expanded actions for the executor.
type IncidentEngine struct {
	incidents      IncidentStore
	actions        ActionStore
	playbooks      PlaybookStore
	matcher        *Matcher
	audit          core.AuditSink
	defaultTimeout time.Duration
	defaultRetries int
	logger         *zap.SugaredLogger
}

func NewIncidentEngine(incidents IncidentStore, actions ActionStore, playbooks PlaybookStore, audit core.AuditSink, defaultTimeout time.Duration, defaultRetries int, logger *zap.SugaredLogger) *IncidentEngine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &IncidentEngine{
		incidents:      incidents,
		actions:        actions,
		playbooks:      playbooks,
		matcher:        NewMatcher(logger),
		audit:          audit,
		defaultTimeout: defaultTimeout,
		defaultRetries: defaultRetries,
		logger:         logger,
	}
}

// ShouldCreateIncident applies the incident creation policy to a threat.
func ShouldCreateIncident(threat *core.ThreatEvent) bool {
	if threat.Severity.Ordinal() >= core.SeverityHigh.Ordinal() {
		return true
	}
	if threat.RiskScore >= incidentRiskThreshold {
		return true
	}
	return alwaysIncidentTypes[threat.ThreatType]
}

// HandleThreat is the detection engine callback. It opens an incident for
// qualifying threats, matches a playbook, and queues its actions. Returns the
// incident, or nil when the threat does not qualify.
func (e *IncidentEngine) HandleThreat(ctx context.Context, threat *core.ThreatEvent) (*core.Incident, error) {
	if !ShouldCreateIncident(threat) {
		return nil, nil
	}

	title := fmt.Sprintf("%s from %s", threat.ThreatType, threat.SourceIP)
	if threat.SourceIP == "" {
		title = string(threat.ThreatType)
	}
	description := fmt.Sprintf("detected via %s with risk score %.1f", threat.DetectionMethod, threat.RiskScore)

	incident := core.NewIncident(title, description, threat.Severity, systemActor)
	incident.AddThreatEvent(threat.ID)

	playbook, err := e.attachPlaybook(ctx, incident, threat)
	if err != nil {
		// Playbook lookup failing must not lose the incident.
		e.logger.Errorw("playbook matching failed", "incident_id", incident.ID, "error", err)
	}

	if err := incident.Transition(core.IncidentStatusInvestigating, systemActor); err != nil {
		return nil, err
	}
	if err := e.incidents.SaveIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("save incident: %w", err)
	}
	metrics.IncidentsCreated.WithLabelValues(string(incident.Severity)).Inc()

	e.recordAudit(ctx, "incident_created", incident.ID, map[string]interface{}{
		"threat_event_id": threat.ID,
		"severity":        string(incident.Severity),
		"playbook_id":     incident.PlaybookID,
	})

	if playbook != nil {
		if err := e.queueActions(ctx, incident, threat, playbook); err != nil {
			e.logger.Errorw("action queueing failed", "incident_id", incident.ID, "error", err)
		}
	}
	return incident, nil
}

func (e *IncidentEngine) attachPlaybook(ctx context.Context, incident *core.Incident, threat *core.ThreatEvent) (*core.ResponsePlaybook, error) {
	all, err := e.playbooks.ListPlaybooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	playbook := e.matcher.Match(threat, all)
	if playbook == nil {
		incident.AppendTimeline(systemActor, "playbook_matched", "no playbook matched", nil)
		return nil, nil
	}

	incident.PlaybookID = playbook.ID
	incident.AppendTimeline(systemActor, "playbook_matched",
		fmt.Sprintf("playbook %s matched", playbook.Name),
		map[string]interface{}{"playbook_id": playbook.ID, "priority": playbook.Priority})
	return playbook, nil
}

func (e *IncidentEngine) queueActions(ctx context.Context, incident *core.Incident, threat *core.ThreatEvent, playbook *core.ResponsePlaybook) error {
	for _, tmpl := range playbook.Actions {
		params := ExpandParameters(tmpl.Parameters, threat, incident.ID)
		action := core.NewAutomatedAction(incident.ID, threat.ID, tmpl.Type, params)
		action.Timeout = tmpl.Timeout
		if action.Timeout <= 0 {
			action.Timeout = e.defaultTimeout
		}
		action.MaxRetries = tmpl.MaxRetries
		if tmpl.MaxRetries == 0 {
			action.MaxRetries = e.defaultRetries
		}

		if err := e.actions.CreateAction(ctx, action); err != nil {
			return fmt.Errorf("queue action %s: %w", tmpl.Type, err)
		}
		incident.AppendTimeline(systemActor, "action_queued",
			fmt.Sprintf("queued %s action", tmpl.Type),
			map[string]interface{}{"action_id": action.ID, "action_type": string(tmpl.Type)})
	}
	return e.incidents.UpdateIncident(ctx, incident)
}

// CreateIncident opens an incident manually through the operator API.
func (e *IncidentEngine) CreateIncident(ctx context.Context, title, description string, severity core.Severity, actor string) (*core.Incident, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if !severity.IsValid() {
		return nil, fmt.Errorf("invalid severity %q", severity)
	}
	if actor == "" {
		actor = systemActor
	}

	incident := core.NewIncident(title, description, severity, actor)
	if err := e.incidents.SaveIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("save incident: %w", err)
	}
	metrics.IncidentsCreated.WithLabelValues(string(severity)).Inc()
	e.recordAudit(ctx, "incident_created", incident.ID, map[string]interface{}{"manual": true, "actor": actor})
	return incident, nil
}

// Transition moves an incident to a new status.
func (e *IncidentEngine) Transition(ctx context.Context, id string, to core.IncidentStatus, actor string) (*core.Incident, error) {
	incident, err := e.incidents.GetIncident(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", id, err)
	}
	if err := incident.Transition(to, actor); err != nil {
		return nil, err
	}
	if err := e.incidents.UpdateIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("update incident %s: %w", id, err)
	}
	e.recordAudit(ctx, "incident_status_changed", id, map[string]interface{}{
		"to":    string(to),
		"actor": actor,
	})
	return incident, nil
}

// Assign sets the incident assignee.
func (e *IncidentEngine) Assign(ctx context.Context, id, assigneeID, actor string) (*core.Incident, error) {
	if assigneeID == "" {
		return nil, fmt.Errorf("assignee id is required")
	}
	incident, err := e.incidents.GetIncident(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", id, err)
	}
	incident.Assign(assigneeID, actor)
	if err := e.incidents.UpdateIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("update incident %s: %w", id, err)
	}
	return incident, nil
}

// Get returns one incident by ID.
func (e *IncidentEngine) Get(ctx context.Context, id string) (*core.Incident, error) {
	return e.incidents.GetIncident(ctx, id)
}

// List queries incidents through the store.
func (e *IncidentEngine) List(ctx context.Context, filter IncidentFilter) ([]*core.Incident, error) {
	return e.incidents.ListIncidents(ctx, filter)
}

// Actions lists the queued actions of an incident.
func (e *IncidentEngine) Actions(ctx context.Context, incidentID string) ([]*core.AutomatedAction, error) {
	return e.actions.ListActionsByIncident(ctx, incidentID)
}

func (e *IncidentEngine) recordAudit(ctx context.Context, eventType, resource string, details map[string]interface{}) {
	if e.audit == nil {
		return
	}
	record := core.NewAuditRecord(eventType, systemActor, resource, eventType)
	record.Details = details
	if err := e.audit.Record(ctx, record); err != nil {
		metrics.AuditWriteFailures.Inc()
		e.logger.Warnw("audit write failed", "event_type", eventType, "error", err)
	}
}
