package detect

import (
	"context"
	"testing"
	"time"

	"sentinel/core"
	"sentinel/profile"
	"sentinel/reputation"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCounterStore(t *testing.T) *core.CounterStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store := core.NewCounterStore(mr.Addr(), "", 0, 10, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { store.Close() })
	return store
}

func authFailure(ip, user string) *core.SecurityEvent {
	event := core.NewSecurityEvent(core.EventTypeAuthFailure)
	event.SourceIP = ip
	event.UserID = user
	event.Endpoint = "/api/login"
	return event
}

func TestBruteForce_FiresAtThreshold(t *testing.T) {
	store := newTestCounterStore(t)
	d := NewBruteForceDetector(store, 5, 5*time.Minute, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		threat, err := d.Detect(ctx, authFailure("203.0.113.7", "alice"))
		require.NoError(t, err)
		assert.Nil(t, threat, "attempt %d is below threshold", i+1)
	}

	threat, err := d.Detect(ctx, authFailure("203.0.113.7", "alice"))
	require.NoError(t, err)
	require.NotNil(t, threat)
	assert.Equal(t, core.ThreatBruteForce, threat.ThreatType)
	assert.Equal(t, core.SeverityHigh, threat.Severity)
	assert.Equal(t, 10.0, threat.RiskScore)
	assert.Equal(t, "203.0.113.7", threat.SourceIP)
	assert.Equal(t, int64(5), threat.Evidence["failed_attempts"])
}

func TestBruteForce_IgnoresOtherEventTypes(t *testing.T) {
	store := newTestCounterStore(t)
	d := NewBruteForceDetector(store, 2, 5*time.Minute, zaptest.NewLogger(t).Sugar())

	event := core.NewSecurityEvent(core.EventTypeAuthSuccess)
	event.SourceIP = "203.0.113.7"
	for i := 0; i < 5; i++ {
		threat, err := d.Detect(context.Background(), event)
		require.NoError(t, err)
		assert.Nil(t, threat)
	}
}

func TestBruteForce_CountsPerAddress(t *testing.T) {
	store := newTestCounterStore(t)
	d := NewBruteForceDetector(store, 3, 5*time.Minute, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := d.Detect(ctx, authFailure("198.51.100.1", "alice"))
		require.NoError(t, err)
	}
	// A different address has its own counter.
	threat, err := d.Detect(ctx, authFailure("198.51.100.2", "alice"))
	require.NoError(t, err)
	assert.Nil(t, threat)
}

func TestRateLimitAbuse_FiresAtThreshold(t *testing.T) {
	store := newTestCounterStore(t)
	d := NewRateLimitAbuseDetector(store, 10, time.Hour, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	var threat *core.ThreatEvent
	for i := 0; i < 10; i++ {
		event := core.NewSecurityEvent(core.EventTypeRateLimitExceeded)
		event.SourceIP = "203.0.113.9"
		var err error
		threat, err = d.Detect(ctx, event)
		require.NoError(t, err)
		if i < 9 {
			assert.Nil(t, threat, "hit %d is below threshold", i+1)
		}
	}

	require.NotNil(t, threat)
	assert.Equal(t, core.ThreatRateLimitAbuse, threat.ThreatType)
	assert.Equal(t, core.SeverityMedium, threat.Severity)
	assert.Equal(t, int64(10), threat.Evidence["limit_hits"])
}

func TestSuspiciousIP_Denylist(t *testing.T) {
	d := NewSuspiciousIPDetector([]string{"192.0.2.66"}, nil, 0.9, 0.7, zaptest.NewLogger(t).Sugar())

	event := core.NewSecurityEvent(core.EventTypeHTTPRequest)
	event.SourceIP = "192.0.2.66"
	threat, err := d.Detect(context.Background(), event)
	require.NoError(t, err)
	require.NotNil(t, threat)
	assert.Equal(t, core.SeverityHigh, threat.Severity)
	assert.Equal(t, 0.95, threat.Confidence)
	assert.Equal(t, "denylist", threat.DetectionMethod)

	// No partial or prefix matching.
	event.SourceIP = "192.0.2.6"
	threat, err = d.Detect(context.Background(), event)
	require.NoError(t, err)
	assert.Nil(t, threat)
}

func TestSuspiciousIP_ReputationThresholds(t *testing.T) {
	source := &reputation.StaticSource{Scores: map[string]float64{
		"203.0.113.1": 0.95,
		"203.0.113.2": 0.75,
		"203.0.113.3": 0.2,
	}}
	d := NewSuspiciousIPDetector(nil, source, 0.9, 0.7, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	event := core.NewSecurityEvent(core.EventTypeHTTPRequest)

	event.SourceIP = "203.0.113.1"
	threat, err := d.Detect(ctx, event)
	require.NoError(t, err)
	require.NotNil(t, threat)
	assert.Equal(t, core.SeverityHigh, threat.Severity)
	assert.InDelta(t, 9.5, threat.RiskScore, 0.001)

	event.SourceIP = "203.0.113.2"
	threat, err = d.Detect(ctx, event)
	require.NoError(t, err)
	require.NotNil(t, threat)
	assert.Equal(t, core.SeverityMedium, threat.Severity)

	event.SourceIP = "203.0.113.3"
	threat, err = d.Detect(ctx, event)
	require.NoError(t, err)
	assert.Nil(t, threat)
}

func TestSuspiciousIP_DenyAndAllow(t *testing.T) {
	d := NewSuspiciousIPDetector(nil, nil, 0.9, 0.7, zaptest.NewLogger(t).Sugar())

	assert.False(t, d.Denied("10.1.2.3"))
	d.Deny("10.1.2.3")
	assert.True(t, d.Denied("10.1.2.3"))
	d.Allow("10.1.2.3")
	assert.False(t, d.Denied("10.1.2.3"))
}

func newTestProfileStore(t *testing.T) *profile.Store {
	t.Helper()
	s, err := profile.NewStore(newTestCounterStore(t), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return s
}

func TestAnomalousBehavior_ColdStartExemption(t *testing.T) {
	d := NewAnomalousBehaviorDetector(newTestProfileStore(t), zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	event := core.NewSecurityEvent(core.EventTypeHTTPRequest)
	event.UserID = "bob"
	event.SourceIP = "198.51.100.5"
	event.Country = "DE"
	event.UserAgent = "Mozilla/5.0"

	// First event ever for this principal: everything is new, nothing flags.
	threat, err := d.Detect(ctx, event)
	require.NoError(t, err)
	assert.Nil(t, threat)
}

func TestAnomalousBehavior_FlagsNewOrigin(t *testing.T) {
	d := NewAnomalousBehaviorDetector(newTestProfileStore(t), zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	seed := core.NewSecurityEvent(core.EventTypeHTTPRequest)
	seed.UserID = "bob"
	seed.SourceIP = "198.51.100.5"
	seed.Country = "DE"
	seed.UserAgent = "Mozilla/5.0"
	_, err := d.Detect(ctx, seed)
	require.NoError(t, err)

	moved := core.NewSecurityEvent(core.EventTypeHTTPRequest)
	moved.Timestamp = seed.Timestamp // same hour, no off-hours weight
	moved.UserID = "bob"
	moved.SourceIP = "203.0.113.99" // new
	moved.Country = "DE"
	moved.UserAgent = "Mozilla/5.0"

	threat, err := d.Detect(ctx, moved)
	require.NoError(t, err)
	require.NotNil(t, threat)
	assert.Equal(t, core.ThreatAnomalousBehavior, threat.ThreatType)
	assert.InDelta(t, 0.7*3, threat.RiskScore, 0.001)
	assert.Equal(t, "203.0.113.99", threat.Evidence["new_source_ip"])
}

func TestAnomalousBehavior_HourComparisonIgnoresZoneOffset(t *testing.T) {
	d := NewAnomalousBehaviorDetector(newTestProfileStore(t), zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	zone := time.FixedZone("UTC+2", 2*60*60)
	at := time.Date(2026, 3, 10, 14, 0, 0, 0, zone)

	seed := core.NewSecurityEvent(core.EventTypeHTTPRequest)
	seed.Timestamp = at
	seed.UserID = "dave"
	seed.SourceIP = "198.51.100.9"
	seed.Country = "PL"
	seed.UserAgent = "Mozilla/5.0"
	_, err := d.Detect(ctx, seed)
	require.NoError(t, err)

	// Same wall-clock hour in the same zone. Only the client signature is
	// new; the usual hour must not add off-hours weight.
	next := core.NewSecurityEvent(core.EventTypeHTTPRequest)
	next.Timestamp = at.Add(5 * time.Minute)
	next.UserID = "dave"
	next.SourceIP = "198.51.100.9"
	next.Country = "PL"
	next.UserAgent = "curl/8.0"

	threat, err := d.Detect(ctx, next)
	require.NoError(t, err)
	require.NotNil(t, threat)
	assert.NotContains(t, threat.Evidence, "off_hours_distance")
	assert.InDelta(t, 0.5*3, threat.RiskScore, 0.001)
}

func TestAnomalousBehavior_KnownBehaviorIsQuiet(t *testing.T) {
	d := NewAnomalousBehaviorDetector(newTestProfileStore(t), zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	event := core.NewSecurityEvent(core.EventTypeHTTPRequest)
	event.UserID = "carol"
	event.SourceIP = "198.51.100.8"
	event.Country = "FR"
	event.UserAgent = "Mozilla/5.0"

	_, err := d.Detect(ctx, event)
	require.NoError(t, err)

	repeat := core.NewSecurityEvent(core.EventTypeHTTPRequest)
	repeat.Timestamp = event.Timestamp
	repeat.UserID = "carol"
	repeat.SourceIP = "198.51.100.8"
	repeat.Country = "FR"
	repeat.UserAgent = "Mozilla/5.0"

	threat, err := d.Detect(ctx, repeat)
	require.NoError(t, err)
	assert.Nil(t, threat)
}
