package core

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var playbookValidator = validator.New()

// TriggerCondition decides whether a playbook applies to a threat event.
// Empty fields are wildcards; SourcePatterns are regular expressions matched
// against the event source address.
type TriggerCondition struct {
	ThreatTypes    []ThreatType `json:"threat_types,omitempty" yaml:"threat_types"`
	MinSeverity    Severity     `json:"min_severity,omitempty" yaml:"min_severity"`
	MinRiskScore   float64      `json:"min_risk_score,omitempty" yaml:"min_risk_score" validate:"gte=0,lte=10"`
	MinConfidence  float64      `json:"min_confidence,omitempty" yaml:"min_confidence" validate:"gte=0,lte=1"`
	SourcePatterns []string     `json:"source_patterns,omitempty" yaml:"source_patterns"`
}

// ActionTemplate is one action of a playbook before expansion. String-valued
// parameters may contain {placeholder} variables substituted at expansion
// time: {threat_event_id}, {incident_id}, {source_ip}, {user_id},
// {threat_type}, {risk_score}, {timestamp}.
type ActionTemplate struct {
	Type       ActionType             `json:"type" yaml:"type" validate:"required"`
	Parameters map[string]interface{} `json:"parameters" yaml:"parameters"`
	Timeout    time.Duration          `json:"timeout" yaml:"timeout"`
	MaxRetries int                    `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
}

// UnmarshalYAML accepts durations as strings ("30s", "5m") since YAML has no
// native duration type.
func (a *ActionTemplate) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Type       ActionType             `yaml:"type"`
		Parameters map[string]interface{} `yaml:"parameters"`
		Timeout    string                 `yaml:"timeout"`
		MaxRetries int                    `yaml:"max_retries"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	a.Type = raw.Type
	a.Parameters = raw.Parameters
	a.MaxRetries = raw.MaxRetries
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("action timeout %q: %w", raw.Timeout, err)
		}
		a.Timeout = d
	}
	return nil
}

// ResponsePlaybook is an operator-authored containment workflow. Matched
// read-only at runtime; authored and updated only through the operator API
// or the YAML loader.
type ResponsePlaybook struct {
	ID          string           `json:"id" yaml:"id" validate:"required"`
	Name        string           `json:"name" yaml:"name" validate:"required,min=1,max=200"`
	Description string           `json:"description" yaml:"description" validate:"max=2000"`
	Enabled     bool             `json:"enabled" yaml:"enabled"`
	Priority    int              `json:"priority" yaml:"priority"`
	Trigger     TriggerCondition `json:"trigger" yaml:"trigger"`
	Actions     []ActionTemplate `json:"actions" yaml:"actions" validate:"required,min=1,dive"`
	CreatedBy   string           `json:"created_by" yaml:"created_by"`
	CreatedAt   time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time        `json:"updated_at" yaml:"-"`
}

// Validate rejects playbooks with unknown action types or malformed trigger
// bounds. Configuration errors surface here, at creation time, never at
// match time.
func (p *ResponsePlaybook) Validate() error {
	if err := playbookValidator.Struct(p); err != nil {
		return fmt.Errorf("playbook %s: %w", p.ID, err)
	}
	for idx, tmpl := range p.Actions {
		if !tmpl.Type.IsValid() {
			return fmt.Errorf("playbook %s: action %d has unknown type %q", p.ID, idx, tmpl.Type)
		}
	}
	if p.Trigger.MinSeverity != "" && !p.Trigger.MinSeverity.IsValid() {
		return fmt.Errorf("playbook %s: unknown min_severity %q", p.ID, p.Trigger.MinSeverity)
	}
	for _, tt := range p.Trigger.ThreatTypes {
		if tt == "" {
			return fmt.Errorf("playbook %s: empty threat type in trigger", p.ID)
		}
	}
	return nil
}
