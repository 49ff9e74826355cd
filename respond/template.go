package respond

import (
	"fmt"
	"strings"
	"time"

	"sentinel/core"
)

// placeholderValues builds the substitution set available to playbook action
// parameters.
func placeholderValues(threat *core.ThreatEvent, incidentID string) map[string]string {
	return map[string]string{
		"{threat_event_id}": threat.ID,
		"{incident_id}":     incidentID,
		"{source_ip}":       threat.SourceIP,
		"{user_id}":         threat.UserID,
		"{threat_type}":     string(threat.ThreatType),
		"{risk_score}":      fmt.Sprintf("%.1f", threat.RiskScore),
		"{timestamp}":       threat.Timestamp.Format(time.RFC3339),
	}
}

// ExpandParameters substitutes {placeholder} variables in all string values
// of the parameter tree, descending into nested maps and slices. Unknown
// placeholders are left as-is so typos surface in the action record instead
// of vanishing.
func ExpandParameters(params map[string]interface{}, threat *core.ThreatEvent, incidentID string) map[string]interface{} {
	values := placeholderValues(threat, incidentID)
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = expandValue(v, values)
	}
	return out
}

func expandValue(v interface{}, values map[string]string) interface{} {
	switch typed := v.(type) {
	case string:
		for placeholder, value := range values {
			typed = strings.ReplaceAll(typed, placeholder, value)
		}
		return typed
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, inner := range typed {
			out[k] = expandValue(inner, values)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, inner := range typed {
			out[i] = expandValue(inner, values)
		}
		return out
	default:
		return v
	}
}
