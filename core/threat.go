package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ThreatType classifies a detected threat.
type ThreatType string

const (
	ThreatBruteForce          ThreatType = "brute_force"
	ThreatSuspiciousIP        ThreatType = "suspicious_ip"
	ThreatRateLimitAbuse      ThreatType = "rate_limit_abuse"
	ThreatAnomalousBehavior   ThreatType = "anomalous_behavior"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatDataExfiltration    ThreatType = "data_exfiltration"
	ThreatMLAnomaly           ThreatType = "ml_anomaly"
)

// Severity is the threat severity level. Ordinal comparisons (minimum
// severity in playbook triggers) use Ordinal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Ordinal returns the severity rank for ordered comparisons. Unknown
// severities rank below low.
func (s Severity) Ordinal() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// IsValid reports whether s is a known severity level.
func (s Severity) IsValid() bool {
	return s.Ordinal() > 0
}

// ParseSeverity converts a string to a Severity, rejecting unknown values.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// ThreatEvent is an immutable detection record. Identifier and evidence never
// change after creation; only the three boolean flags are mutated, and only
// through the engine's resolve/block operations.
type ThreatEvent struct {
	ID              string                 `json:"id"`
	ThreatType      ThreatType             `json:"threat_type"`
	Severity        Severity               `json:"severity"`
	DetectionMethod string                 `json:"detection_method"`
	Timestamp       time.Time              `json:"timestamp"`
	SourceIP        string                 `json:"source_ip,omitempty"`
	UserID          string                 `json:"user_id,omitempty"`
	SessionID       string                 `json:"session_id,omitempty"`
	Endpoint        string                 `json:"endpoint,omitempty"`
	RiskScore       float64                `json:"risk_score"`  // 0-10
	Confidence      float64                `json:"confidence"`  // 0-1
	Evidence        map[string]interface{} `json:"evidence,omitempty"`
	IsBlocked       bool                   `json:"is_blocked"`
	IsResolved      bool                   `json:"is_resolved"`
	FalsePositive   bool                   `json:"false_positive"`
}

// NewThreatEvent creates a ThreatEvent with a generated ID and clamped scores.
func NewThreatEvent(threatType ThreatType, severity Severity, method string) *ThreatEvent {
	return &ThreatEvent{
		ID:              uuid.New().String(),
		ThreatType:      threatType,
		Severity:        severity,
		DetectionMethod: method,
		Timestamp:       time.Now().UTC(),
		Evidence:        make(map[string]interface{}),
	}
}

// ClampRiskScore bounds a risk score to the 0-10 scale.
func ClampRiskScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}
