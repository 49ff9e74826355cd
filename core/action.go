package core

import (
	"time"

	"github.com/google/uuid"
)

// ActionType identifies an automated response action. The set is closed:
// each type has exactly one registered executor, and playbooks referencing
// an unknown type are rejected at creation time.
type ActionType string

const (
	ActionBlockIP      ActionType = "block_ip"
	ActionSuspendUser  ActionType = "suspend_user"
	ActionRevokeTokens ActionType = "revoke_tokens"
	ActionSendAlert    ActionType = "send_alert"
	ActionWebhook      ActionType = "call_webhook"
)

// KnownActionTypes lists every registered action type.
var KnownActionTypes = []ActionType{
	ActionBlockIP,
	ActionSuspendUser,
	ActionRevokeTokens,
	ActionSendAlert,
	ActionWebhook,
}

// IsValid reports whether t is a registered action type.
func (t ActionType) IsValid() bool {
	for _, known := range KnownActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ActionStatus is the execution state of an automated action.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
	ActionStatusSkipped   ActionStatus = "skipped"
)

// AutomatedAction is one queued containment action expanded from a playbook
// template. Status transitions are driven only by the execution loop:
// pending -> running -> completed|failed|skipped, plus running -> pending on
// a bounded retry.
type AutomatedAction struct {
	ID            string                 `json:"id"`
	IncidentID    string                 `json:"incident_id"`
	ThreatEventID string                 `json:"threat_event_id"`
	Type          ActionType             `json:"type"`
	Parameters    map[string]interface{} `json:"parameters"`
	Status        ActionStatus           `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
	Timeout       time.Duration          `json:"timeout"`
}

// NewAutomatedAction creates a pending action with a generated ID.
func NewAutomatedAction(incidentID, threatEventID string, actionType ActionType, params map[string]interface{}) *AutomatedAction {
	if params == nil {
		params = make(map[string]interface{})
	}
	return &AutomatedAction{
		ID:            uuid.New().String(),
		IncidentID:    incidentID,
		ThreatEventID: threatEventID,
		Type:          actionType,
		Parameters:    params,
		Status:        ActionStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

// CanRetry reports whether the action still has retry budget.
func (a *AutomatedAction) CanRetry() bool {
	return a.RetryCount < a.MaxRetries
}
