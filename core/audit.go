package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditRecord captures a security-relevant decision for the audit trail.
type AuditRecord struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Actor     string                 `json:"actor"`
	Resource  string                 `json:"resource"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditSink receives audit records. Sinks must tolerate write failures
// without affecting the calling pipeline.
type AuditSink interface {
	Record(ctx context.Context, record *AuditRecord) error
}

// NewAuditRecord builds a record stamped with the current time.
func NewAuditRecord(eventType, actor, resource, action string) *AuditRecord {
	return &AuditRecord{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Actor:     actor,
		Resource:  resource,
		Action:    action,
		Details:   make(map[string]interface{}),
	}
}
