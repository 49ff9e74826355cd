package detect

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
)

// RateLimitAbuseDetector flags addresses that keep slamming into rate limits.
// A client that trips a limit occasionally is normal; one that trips it ten
// times an hour is probing or scripted.
type RateLimitAbuseDetector struct {
	store     *core.CounterStore
	threshold int
	window    time.Duration
	logger    *zap.SugaredLogger
}

func NewRateLimitAbuseDetector(store *core.CounterStore, threshold int, window time.Duration, logger *zap.SugaredLogger) *RateLimitAbuseDetector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RateLimitAbuseDetector{
		store:     store,
		threshold: threshold,
		window:    window,
		logger:    logger,
	}
}

func (d *RateLimitAbuseDetector) Name() string { return "rate_limit_abuse" }

func (d *RateLimitAbuseDetector) Detect(ctx context.Context, event *core.SecurityEvent) (*core.ThreatEvent, error) {
	if !event.IsRateLimitHit() || event.SourceIP == "" {
		return nil, nil
	}

	key := core.KeyPrefixAbuse + event.SourceIP
	hits, err := d.store.WindowObserve(ctx, key, event.EventID, event.Timestamp, d.window)
	if err != nil {
		return nil, fmt.Errorf("abuse count for %s: %w", event.SourceIP, err)
	}
	if hits < int64(d.threshold) {
		return nil, nil
	}

	threat := core.NewThreatEvent(core.ThreatRateLimitAbuse, core.SeverityMedium, "sliding_window_counter")
	threat.SourceIP = event.SourceIP
	threat.UserID = event.UserID
	threat.SessionID = event.SessionID
	threat.Endpoint = event.Endpoint
	threat.RiskScore = core.ClampRiskScore(float64(hits) / float64(d.threshold) * 5)
	threat.Confidence = minFloat(float64(hits)/float64(d.threshold)*0.8, 1)
	threat.Evidence["limit_hits"] = hits
	threat.Evidence["threshold"] = d.threshold
	threat.Evidence["window_seconds"] = d.window.Seconds()

	d.logger.Infow("rate limit abuse detected",
		"source_ip", event.SourceIP,
		"hits", hits)
	return threat, nil
}
