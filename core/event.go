package core

import (
	"time"

	"github.com/google/uuid"
)

// Event type values produced by the ingestion layer. Detectors key off these.
const (
	EventTypeAuthFailure       = "auth_failure"
	EventTypeAuthSuccess       = "auth_success"
	EventTypeRateLimitExceeded = "rate_limit_exceeded"
	EventTypeHTTPRequest       = "http_request"
)

// SecurityEvent is the common schema for every discrete event fed into the
// detection pipeline: failed logins, rate-limit violations, HTTP requests.
type SecurityEvent struct {
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	SourceIP  string                 `json:"source_ip,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Endpoint  string                 `json:"endpoint,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Country   string                 `json:"country,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewSecurityEvent creates a SecurityEvent with a generated UUID and UTC timestamp.
func NewSecurityEvent(eventType string) *SecurityEvent {
	return &SecurityEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Fields:    make(map[string]interface{}),
	}
}

// IsAuthFailure reports whether the event is a failed authentication attempt.
func (e *SecurityEvent) IsAuthFailure() bool {
	return e.EventType == EventTypeAuthFailure
}

// IsRateLimitHit reports whether the event is a rate-limit violation.
func (e *SecurityEvent) IsRateLimitHit() bool {
	return e.EventType == EventTypeRateLimitExceeded
}
