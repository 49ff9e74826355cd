package detect

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/reputation"
)

// SuspiciousIPDetector checks event origins against an operator-managed
// denylist and an external reputation source. The denylist is authoritative;
// the reputation lookup is best effort and the detector degrades to
// denylist-only when the source is unavailable or unconfigured.
type SuspiciousIPDetector struct {
	mu       sync.RWMutex
	denySet  map[string]struct{}
	source   reputation.Source // nil when unconfigured
	highThr  float64
	medThr   float64
	logger   *zap.SugaredLogger
}

func NewSuspiciousIPDetector(denylist []string, source reputation.Source, highThr, medThr float64, logger *zap.SugaredLogger) *SuspiciousIPDetector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	denySet := make(map[string]struct{}, len(denylist))
	for _, ip := range denylist {
		denySet[ip] = struct{}{}
	}
	return &SuspiciousIPDetector{
		denySet: denySet,
		source:  source,
		highThr: highThr,
		medThr:  medThr,
		logger:  logger,
	}
}

func (d *SuspiciousIPDetector) Name() string { return "suspicious_ip" }

// Deny adds an address to the denylist. Used by the block_ip response action.
func (d *SuspiciousIPDetector) Deny(ip string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denySet[ip] = struct{}{}
}

// Allow removes an address from the denylist.
func (d *SuspiciousIPDetector) Allow(ip string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.denySet, ip)
}

// Denied reports whether an address is currently denylisted.
func (d *SuspiciousIPDetector) Denied(ip string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.denySet[ip]
	return ok
}

func (d *SuspiciousIPDetector) Detect(ctx context.Context, event *core.SecurityEvent) (*core.ThreatEvent, error) {
	if event.SourceIP == "" {
		return nil, nil
	}

	if d.Denied(event.SourceIP) {
		threat := d.newThreat(event, core.SeverityHigh, "denylist")
		threat.RiskScore = 9
		threat.Confidence = 0.95
		threat.Evidence["denylisted"] = true
		return threat, nil
	}

	if d.source == nil {
		return nil, nil
	}

	score, err := d.source.Lookup(ctx, event.SourceIP)
	if err != nil {
		// Reputation outage is not a detection failure; the denylist
		// check above already ran.
		d.logger.Debugw("reputation lookup failed", "source_ip", event.SourceIP, "error", err)
		return nil, nil
	}

	switch {
	case score >= d.highThr:
		threat := d.newThreat(event, core.SeverityHigh, "reputation")
		threat.RiskScore = core.ClampRiskScore(score * 10)
		threat.Confidence = score
		threat.Evidence["reputation_score"] = score
		return threat, nil
	case score >= d.medThr:
		threat := d.newThreat(event, core.SeverityMedium, "reputation")
		threat.RiskScore = core.ClampRiskScore(score * 10)
		threat.Confidence = score
		threat.Evidence["reputation_score"] = score
		return threat, nil
	}
	return nil, nil
}

func (d *SuspiciousIPDetector) newThreat(event *core.SecurityEvent, severity core.Severity, method string) *core.ThreatEvent {
	threat := core.NewThreatEvent(core.ThreatSuspiciousIP, severity, method)
	threat.SourceIP = event.SourceIP
	threat.UserID = event.UserID
	threat.SessionID = event.SessionID
	threat.Endpoint = event.Endpoint
	return threat
}
