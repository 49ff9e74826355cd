package detect

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/profile"
)

// Per-mismatch anomaly weights. A new country outweighs a new address since
// address churn within a region is routine; a new client signature sits
// exactly at the flag threshold, so it flags alone at the lowest risk.
const (
	weightNewOrigin    = 0.7
	weightNewCountry   = 0.8
	weightNewSignature = 0.5

	// anomalyFlagThreshold keeps small off-hours drift from raising
	// threats on its own.
	anomalyFlagThreshold = 0.5
)

// AnomalousBehaviorDetector compares events against the principal's learned
// behavior profile. Principals with empty profiles are exempt so first-time
// users are not flagged for being unknown.
type AnomalousBehaviorDetector struct {
	profiles *profile.Store
	logger   *zap.SugaredLogger
}

func NewAnomalousBehaviorDetector(profiles *profile.Store, logger *zap.SugaredLogger) *AnomalousBehaviorDetector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AnomalousBehaviorDetector{profiles: profiles, logger: logger}
}

func (d *AnomalousBehaviorDetector) Name() string { return "anomalous_behavior" }

func (d *AnomalousBehaviorDetector) Detect(ctx context.Context, event *core.SecurityEvent) (*core.ThreatEvent, error) {
	if event.UserID == "" {
		return nil, nil
	}

	p, err := d.profiles.Get(ctx, event.UserID)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", event.UserID, err)
	}

	var threat *core.ThreatEvent
	if p.HasSamples() {
		threat = d.compare(p, event)
	}

	// The event always feeds the profile, anomalous or not, so the
	// baseline tracks the principal's real behavior.
	p.Observe(event)
	if err := d.profiles.Save(ctx, p); err != nil {
		d.logger.Warnw("profile save failed", "user_id", event.UserID, "error", err)
	}
	return threat, nil
}

func (d *AnomalousBehaviorDetector) compare(p *core.UserBehaviorProfile, event *core.SecurityEvent) *core.ThreatEvent {
	score := 0.0
	evidence := make(map[string]interface{})

	if event.SourceIP != "" && !p.KnowsIP(event.SourceIP) {
		score += weightNewOrigin
		evidence["new_source_ip"] = event.SourceIP
	}
	if event.Country != "" && !p.KnowsCountry(event.Country) {
		score += weightNewCountry
		evidence["new_country"] = event.Country
	}
	if event.UserAgent != "" && !p.KnowsUserAgent(event.UserAgent) {
		score += weightNewSignature
		evidence["new_user_agent"] = event.UserAgent
	}
	// Profiles record hours in UTC, so the event hour must be normalized
	// before the distance check.
	if dist := p.HourDistance(event.Timestamp.UTC().Hour()); dist > 0 {
		score += float64(dist) / 12
		evidence["off_hours_distance"] = dist
	}

	if score < anomalyFlagThreshold {
		return nil
	}

	risk := core.ClampRiskScore(score * 3)
	severity := core.SeverityLow
	switch {
	case risk >= 7:
		severity = core.SeverityHigh
	case risk >= 4:
		severity = core.SeverityMedium
	}

	threat := core.NewThreatEvent(core.ThreatAnomalousBehavior, severity, "behavior_profile")
	threat.SourceIP = event.SourceIP
	threat.UserID = event.UserID
	threat.SessionID = event.SessionID
	threat.Endpoint = event.Endpoint
	threat.RiskScore = risk
	threat.Confidence = minFloat(score/2, 1)
	threat.Evidence = evidence
	threat.Evidence["anomaly_score"] = score
	threat.Evidence["profile_requests"] = p.TotalRequests
	return threat
}
