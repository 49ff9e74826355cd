package detect

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
)

// BruteForceDetector flags repeated authentication failures from one source
// address. The per-address failure count lives in the shared counter store so
// attempts spread across instances still add up.
type BruteForceDetector struct {
	store     *core.CounterStore
	threshold int
	window    time.Duration
	logger    *zap.SugaredLogger
}

// NewBruteForceDetector creates the detector. threshold failures inside
// window trigger a high-severity threat.
func NewBruteForceDetector(store *core.CounterStore, threshold int, window time.Duration, logger *zap.SugaredLogger) *BruteForceDetector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &BruteForceDetector{
		store:     store,
		threshold: threshold,
		window:    window,
		logger:    logger,
	}
}

func (d *BruteForceDetector) Name() string { return "brute_force" }

func (d *BruteForceDetector) Detect(ctx context.Context, event *core.SecurityEvent) (*core.ThreatEvent, error) {
	if !event.IsAuthFailure() || event.SourceIP == "" {
		return nil, nil
	}

	key := core.KeyPrefixBruteForce + event.SourceIP
	attempts, err := d.store.WindowObserve(ctx, key, event.EventID, event.Timestamp, d.window)
	if err != nil {
		return nil, fmt.Errorf("brute force count for %s: %w", event.SourceIP, err)
	}
	if attempts < int64(d.threshold) {
		return nil, nil
	}

	threat := core.NewThreatEvent(core.ThreatBruteForce, core.SeverityHigh, "sliding_window_counter")
	threat.SourceIP = event.SourceIP
	threat.UserID = event.UserID
	threat.SessionID = event.SessionID
	threat.Endpoint = event.Endpoint
	threat.RiskScore = core.ClampRiskScore(float64(attempts) / float64(d.threshold) * 10)
	threat.Confidence = minFloat(float64(attempts)/float64(d.threshold), 1)
	threat.Evidence["failed_attempts"] = attempts
	threat.Evidence["threshold"] = d.threshold
	threat.Evidence["window_seconds"] = d.window.Seconds()

	d.logger.Warnw("brute force threshold crossed",
		"source_ip", event.SourceIP,
		"attempts", attempts,
		"window", d.window)
	return threat, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
