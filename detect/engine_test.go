package detect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sentinel/core"
	"sentinel/ml"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memoryThreatStore struct {
	mu      sync.Mutex
	threats map[string]*core.ThreatEvent
	saveErr error
}

func newMemoryThreatStore() *memoryThreatStore {
	return &memoryThreatStore{threats: make(map[string]*core.ThreatEvent)}
}

func (m *memoryThreatStore) SaveThreatEvent(_ context.Context, threat *core.ThreatEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.threats[threat.ID] = threat
	return nil
}

func (m *memoryThreatStore) UpdateThreatEvent(ctx context.Context, threat *core.ThreatEvent) error {
	return m.SaveThreatEvent(ctx, threat)
}

func (m *memoryThreatStore) GetThreatEvent(_ context.Context, id string) (*core.ThreatEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threat, ok := m.threats[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return threat, nil
}

func (m *memoryThreatStore) ListThreatEvents(_ context.Context, filter ThreatFilter) ([]*core.ThreatEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.ThreatEvent
	for _, t := range m.threats {
		if filter.ThreatType != "" && t.ThreatType != filter.ThreatType {
			continue
		}
		if !filter.IncludeResolved && t.IsResolved {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

type memoryAuditSink struct {
	mu      sync.Mutex
	records []*core.AuditRecord
}

func (m *memoryAuditSink) Record(_ context.Context, record *core.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memoryAuditSink) byType(eventType string) []*core.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.AuditRecord
	for _, r := range m.records {
		if r.EventType == eventType {
			out = append(out, r)
		}
	}
	return out
}

type stubDetector struct {
	name   string
	threat *core.ThreatEvent
	err    error
	panics bool
	slow   time.Duration
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Detect(ctx context.Context, _ *core.SecurityEvent) (*core.ThreatEvent, error) {
	if s.panics {
		panic("detector bug")
	}
	if s.slow > 0 {
		select {
		case <-time.After(s.slow):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.threat, s.err
}

func newStubThreat(threatType core.ThreatType, severity core.Severity) *core.ThreatEvent {
	threat := core.NewThreatEvent(threatType, severity, "stub")
	threat.SourceIP = "203.0.113.50"
	return threat
}

func TestEngine_ProcessEventCollectsAllDetectors(t *testing.T) {
	store := newMemoryThreatStore()
	audit := &memoryAuditSink{}
	detectors := []Detector{
		&stubDetector{name: "a", threat: newStubThreat(core.ThreatBruteForce, core.SeverityHigh)},
		&stubDetector{name: "b"},
		&stubDetector{name: "c", threat: newStubThreat(core.ThreatSuspiciousIP, core.SeverityMedium)},
	}
	e := NewEngine(detectors, store, audit, time.Second, zaptest.NewLogger(t).Sugar())

	threats, err := e.ProcessEvent(context.Background(), core.NewSecurityEvent(core.EventTypeHTTPRequest))
	require.NoError(t, err)
	require.Len(t, threats, 2)
	assert.Len(t, store.threats, 2, "both threats persisted")
	assert.Len(t, audit.byType("threat_detected"), 2)
	assert.Len(t, e.ActiveThreats(), 2)
}

func TestEngine_PanickingDetectorIsIsolated(t *testing.T) {
	store := newMemoryThreatStore()
	detectors := []Detector{
		&stubDetector{name: "broken", panics: true},
		&stubDetector{name: "ok", threat: newStubThreat(core.ThreatBruteForce, core.SeverityHigh)},
	}
	e := NewEngine(detectors, store, nil, time.Second, zaptest.NewLogger(t).Sugar())

	threats, err := e.ProcessEvent(context.Background(), core.NewSecurityEvent(core.EventTypeHTTPRequest))
	require.NoError(t, err)
	assert.Len(t, threats, 1, "healthy detector still reports")
}

func TestEngine_FailingDetectorIsIsolated(t *testing.T) {
	store := newMemoryThreatStore()
	detectors := []Detector{
		&stubDetector{name: "erroring", err: errors.New("backend down")},
		&stubDetector{name: "ok", threat: newStubThreat(core.ThreatSuspiciousIP, core.SeverityLow)},
	}
	e := NewEngine(detectors, store, nil, time.Second, zaptest.NewLogger(t).Sugar())

	threats, err := e.ProcessEvent(context.Background(), core.NewSecurityEvent(core.EventTypeHTTPRequest))
	require.NoError(t, err)
	assert.Len(t, threats, 1)
}

func TestEngine_SlowDetectorHitsBudget(t *testing.T) {
	store := newMemoryThreatStore()
	detectors := []Detector{
		&stubDetector{name: "slow", slow: time.Second, threat: newStubThreat(core.ThreatMLAnomaly, core.SeverityLow)},
		&stubDetector{name: "fast", threat: newStubThreat(core.ThreatBruteForce, core.SeverityHigh)},
	}
	e := NewEngine(detectors, store, nil, 50*time.Millisecond, zaptest.NewLogger(t).Sugar())

	threats, err := e.ProcessEvent(context.Background(), core.NewSecurityEvent(core.EventTypeHTTPRequest))
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, core.ThreatBruteForce, threats[0].ThreatType)
}

func TestEngine_CallbacksRunPerType(t *testing.T) {
	store := newMemoryThreatStore()
	e := NewEngine([]Detector{
		&stubDetector{name: "bf", threat: newStubThreat(core.ThreatBruteForce, core.SeverityHigh)},
	}, store, nil, time.Second, zaptest.NewLogger(t).Sugar())

	var calls int
	e.RegisterCallback([]core.ThreatType{core.ThreatBruteForce}, func(_ context.Context, threat *core.ThreatEvent) error {
		calls++
		assert.Equal(t, core.ThreatBruteForce, threat.ThreatType)
		return nil
	})
	e.RegisterCallback([]core.ThreatType{core.ThreatSuspiciousIP}, func(context.Context, *core.ThreatEvent) error {
		t.Fatal("callback for a different type must not run")
		return nil
	})

	_, err := e.ProcessEvent(context.Background(), core.NewSecurityEvent(core.EventTypeHTTPRequest))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestEngine_CallbackFailureDoesNotFailPipeline(t *testing.T) {
	store := newMemoryThreatStore()
	e := NewEngine([]Detector{
		&stubDetector{name: "bf", threat: newStubThreat(core.ThreatBruteForce, core.SeverityHigh)},
	}, store, nil, time.Second, zaptest.NewLogger(t).Sugar())

	e.RegisterCallback([]core.ThreatType{core.ThreatBruteForce}, func(context.Context, *core.ThreatEvent) error {
		return errors.New("responder down")
	})

	threats, err := e.ProcessEvent(context.Background(), core.NewSecurityEvent(core.EventTypeHTTPRequest))
	require.NoError(t, err)
	assert.Len(t, threats, 1)
}

func TestEngine_ResolveIsIdempotent(t *testing.T) {
	store := newMemoryThreatStore()
	audit := &memoryAuditSink{}
	threat := newStubThreat(core.ThreatBruteForce, core.SeverityHigh)
	e := NewEngine([]Detector{&stubDetector{name: "bf", threat: threat}}, store, audit, time.Second, zaptest.NewLogger(t).Sugar())

	_, err := e.ProcessEvent(context.Background(), core.NewSecurityEvent(core.EventTypeHTTPRequest))
	require.NoError(t, err)

	resolved, err := e.Resolve(context.Background(), threat.ID, true, "analyst")
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)
	assert.True(t, resolved.FalsePositive)
	assert.Empty(t, e.ActiveThreats())

	// Second resolve is a no-op with no second audit record.
	_, err = e.Resolve(context.Background(), threat.ID, true, "analyst")
	require.NoError(t, err)
	assert.Len(t, audit.byType("threat_resolved"), 1)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.FalsePositives)
	assert.Equal(t, 1.0, stats.FalsePositiveRate)
}

func TestEngine_BlockIsIdempotent(t *testing.T) {
	store := newMemoryThreatStore()
	audit := &memoryAuditSink{}
	threat := newStubThreat(core.ThreatSuspiciousIP, core.SeverityHigh)
	e := NewEngine([]Detector{&stubDetector{name: "sip", threat: threat}}, store, audit, time.Second, zaptest.NewLogger(t).Sugar())

	_, err := e.ProcessEvent(context.Background(), core.NewSecurityEvent(core.EventTypeHTTPRequest))
	require.NoError(t, err)

	blocked, err := e.Block(context.Background(), threat.ID, "analyst")
	require.NoError(t, err)
	assert.True(t, blocked.IsBlocked)

	_, err = e.Block(context.Background(), threat.ID, "analyst")
	require.NoError(t, err)
	assert.Len(t, audit.byType("threat_blocked"), 1)
}

func TestEngine_ActiveThreatsSnapshotIsIsolated(t *testing.T) {
	store := newMemoryThreatStore()
	threat := newStubThreat(core.ThreatSuspiciousIP, core.SeverityHigh)
	e := NewEngine([]Detector{&stubDetector{name: "sip", threat: threat}}, store, nil, time.Second, zaptest.NewLogger(t).Sugar())

	_, err := e.ProcessEvent(context.Background(), core.NewSecurityEvent(core.EventTypeHTTPRequest))
	require.NoError(t, err)

	before := e.ActiveThreats()
	require.Len(t, before, 1)

	_, err = e.Block(context.Background(), threat.ID, "analyst")
	require.NoError(t, err)

	assert.False(t, before[0].IsBlocked, "earlier snapshot must not change")
	after := e.ActiveThreats()
	require.Len(t, after, 1)
	assert.True(t, after[0].IsBlocked)
}

func TestEngine_ConcurrentSnapshotAndFlagWrites(t *testing.T) {
	store := newMemoryThreatStore()
	detectors := []Detector{
		&stubDetector{name: "bf", threat: newStubThreat(core.ThreatBruteForce, core.SeverityHigh)},
		&stubDetector{name: "sip", threat: newStubThreat(core.ThreatSuspiciousIP, core.SeverityMedium)},
	}
	e := NewEngine(detectors, store, nil, time.Second, zaptest.NewLogger(t).Sugar())

	threats, err := e.ProcessEvent(context.Background(), core.NewSecurityEvent(core.EventTypeHTTPRequest))
	require.NoError(t, err)
	require.Len(t, threats, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for _, snap := range e.ActiveThreats() {
					_ = snap.IsBlocked
					_ = snap.IsResolved
				}
			}
		}()
	}
	for _, threat := range threats {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := e.Block(context.Background(), id, "analyst")
			assert.NoError(t, err)
			_, err = e.Resolve(context.Background(), id, false, "analyst")
			assert.NoError(t, err)
		}(threat.ID)
	}
	wg.Wait()

	assert.Empty(t, e.ActiveThreats())
}

func TestEngine_StatsCountByTypeAndSeverity(t *testing.T) {
	store := newMemoryThreatStore()
	e := NewEngine([]Detector{
		&stubDetector{name: "bf", threat: newStubThreat(core.ThreatBruteForce, core.SeverityHigh)},
		&stubDetector{name: "sip", threat: newStubThreat(core.ThreatSuspiciousIP, core.SeverityMedium)},
	}, store, nil, time.Second, zaptest.NewLogger(t).Sugar())

	_, err := e.ProcessEvent(context.Background(), core.NewSecurityEvent(core.EventTypeHTTPRequest))
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.EventsProcessed)
	assert.Equal(t, int64(2), stats.ThreatsDetected)
	assert.Equal(t, int64(1), stats.ByType[core.ThreatBruteForce])
	assert.Equal(t, int64(1), stats.BySeverity[core.SeverityMedium])
	assert.Equal(t, 2, stats.ActiveThreats)
}

func TestMLAnomaly_SilentUntilTrained(t *testing.T) {
	model := ml.NewIsolationForest(ml.IsolationForestConfig{NumTrees: 20, Seed: 7})
	d := NewMLAnomalyDetector(model, 50, 1000, time.Hour, zaptest.NewLogger(t).Sugar())

	event := core.NewSecurityEvent(core.EventTypeHTTPRequest)
	event.SourceIP = "255.255.255.255"
	threat, err := d.Detect(context.Background(), event)
	require.NoError(t, err)
	assert.Nil(t, threat)
	assert.Equal(t, 1, d.SampleCount())
}

func TestMLAnomaly_RetrainGating(t *testing.T) {
	model := ml.NewIsolationForest(ml.IsolationForestConfig{NumTrees: 20, SubsampleSize: 32, Seed: 7})
	d := NewMLAnomalyDetector(model, 50, 100, time.Hour, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	// Below minimum: retrain is a no-op.
	require.NoError(t, d.MaybeRetrain(ctx))
	assert.False(t, model.Trained())

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		event := core.NewSecurityEvent(core.EventTypeHTTPRequest)
		event.Timestamp = base.Add(time.Duration(i) * time.Minute)
		event.SourceIP = "10.0.0.4"
		event.UserAgent = "Mozilla/5.0"
		event.Endpoint = "/api/data"
		_, err := d.Detect(ctx, event)
		require.NoError(t, err)
	}

	require.NoError(t, d.MaybeRetrain(ctx))
	assert.True(t, model.Trained())
}

func TestMLAnomaly_BufferIsBounded(t *testing.T) {
	model := ml.NewIsolationForest(ml.IsolationForestConfig{NumTrees: 10, Seed: 7})
	d := NewMLAnomalyDetector(model, 50, 100, time.Hour, zaptest.NewLogger(t).Sugar())

	for i := 0; i < 250; i++ {
		event := core.NewSecurityEvent(core.EventTypeHTTPRequest)
		_, err := d.Detect(context.Background(), event)
		require.NoError(t, err)
	}
	assert.Equal(t, 100, d.SampleCount())
}
