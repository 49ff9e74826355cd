package detect

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/metrics"
)

// ThreatStore persists threat events. Implemented by the storage package.
type ThreatStore interface {
	SaveThreatEvent(ctx context.Context, threat *core.ThreatEvent) error
	UpdateThreatEvent(ctx context.Context, threat *core.ThreatEvent) error
	GetThreatEvent(ctx context.Context, id string) (*core.ThreatEvent, error)
	ListThreatEvents(ctx context.Context, filter ThreatFilter) ([]*core.ThreatEvent, error)
}

// ThreatFilter narrows threat event queries. Zero-value fields match
// everything.
type ThreatFilter struct {
	ThreatType      core.ThreatType
	Severity        core.Severity
	SourceIP        string
	UserID          string
	Since           time.Time
	Until           time.Time
	IncludeResolved bool
	Limit           int
}

// ThreatCallback is invoked synchronously for each detected threat of a
// registered type. Callback failures are logged and never fail the pipeline.
type ThreatCallback func(ctx context.Context, threat *core.ThreatEvent) error

// Statistics summarizes engine activity since start.
type Statistics struct {
	EventsProcessed   int64                      `json:"events_processed"`
	ThreatsDetected   int64                      `json:"threats_detected"`
	ByType            map[core.ThreatType]int64  `json:"by_type"`
	BySeverity        map[core.Severity]int64    `json:"by_severity"`
	FalsePositives    int64                      `json:"false_positives"`
	FalsePositiveRate float64                    `json:"false_positive_rate"`
	ActiveThreats     int                        `json:"active_threats"`
}

// Engine fans each event out to all detectors, persists whatever they find,
// and drives the registered response callbacks.
type Engine struct {
	detectors       []Detector
	store           ThreatStore
	audit           core.AuditSink
	detectorTimeout time.Duration
	logger          *zap.SugaredLogger

	mu         sync.RWMutex
	active     map[string]*core.ThreatEvent
	callbacks  map[core.ThreatType][]ThreatCallback
	processed  int64
	detected   int64
	byType     map[core.ThreatType]int64
	bySeverity map[core.Severity]int64
	falsePos   int64
}

// NewEngine creates a detection engine. audit may be nil.
func NewEngine(detectors []Detector, store ThreatStore, audit core.AuditSink, detectorTimeout time.Duration, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if detectorTimeout <= 0 {
		detectorTimeout = time.Second
	}
	return &Engine{
		detectors:       detectors,
		store:           store,
		audit:           audit,
		detectorTimeout: detectorTimeout,
		logger:          logger,
		active:          make(map[string]*core.ThreatEvent),
		callbacks:       make(map[core.ThreatType][]ThreatCallback),
		byType:          make(map[core.ThreatType]int64),
		bySeverity:      make(map[core.Severity]int64),
	}
}

// RegisterCallback attaches cb to the given threat types.
func (e *Engine) RegisterCallback(types []core.ThreatType, cb ThreatCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range types {
		e.callbacks[t] = append(e.callbacks[t], cb)
	}
}

// ProcessEvent runs every detector against the event concurrently and returns
// the threats found. A failing or panicking detector is skipped; the others
// still report.
func (e *Engine) ProcessEvent(ctx context.Context, event *core.SecurityEvent) ([]*core.ThreatEvent, error) {
	if event == nil {
		return nil, fmt.Errorf("nil event")
	}
	metrics.EventsProcessed.WithLabelValues(event.EventType).Inc()

	results := make(chan *core.ThreatEvent, len(e.detectors))
	var wg sync.WaitGroup
	for _, d := range e.detectors {
		wg.Add(1)
		go func(d Detector) {
			defer wg.Done()
			results <- e.runDetector(ctx, d, event)
		}(d)
	}
	wg.Wait()
	close(results)

	var threats []*core.ThreatEvent
	for t := range results {
		if t != nil {
			threats = append(threats, t)
		}
	}
	// Deterministic output order regardless of goroutine scheduling.
	sort.Slice(threats, func(i, j int) bool {
		if threats[i].ThreatType != threats[j].ThreatType {
			return threats[i].ThreatType < threats[j].ThreatType
		}
		return threats[i].ID < threats[j].ID
	})

	for _, threat := range threats {
		e.handleThreat(ctx, threat)
	}

	e.mu.Lock()
	e.processed++
	e.mu.Unlock()
	return threats, nil
}

func (e *Engine) runDetector(ctx context.Context, d Detector, event *core.SecurityEvent) (threat *core.ThreatEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DetectorErrors.WithLabelValues(d.Name()).Inc()
			e.logger.Errorw("detector panicked", "detector", d.Name(), "panic", r)
			threat = nil
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, e.detectorTimeout)
	defer cancel()

	start := time.Now()
	threat, err := d.Detect(dctx, event)
	metrics.DetectorDuration.WithLabelValues(d.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DetectorErrors.WithLabelValues(d.Name()).Inc()
		e.logger.Warnw("detector failed", "detector", d.Name(), "error", err)
		return nil
	}
	return threat
}

func (e *Engine) handleThreat(ctx context.Context, threat *core.ThreatEvent) {
	metrics.ThreatsDetected.WithLabelValues(string(threat.ThreatType), string(threat.Severity)).Inc()

	if err := e.store.SaveThreatEvent(ctx, threat); err != nil {
		e.logger.Errorw("threat persist failed", "threat_id", threat.ID, "error", err)
	}

	e.mu.Lock()
	e.active[threat.ID] = threat
	e.detected++
	e.byType[threat.ThreatType]++
	e.bySeverity[threat.Severity]++
	cbs := append([]ThreatCallback(nil), e.callbacks[threat.ThreatType]...)
	e.mu.Unlock()

	e.recordAudit(ctx, "threat_detected", "engine", threat.ID, "detect", map[string]interface{}{
		"threat_type": string(threat.ThreatType),
		"severity":    string(threat.Severity),
		"risk_score":  threat.RiskScore,
		"source_ip":   threat.SourceIP,
	})

	for _, cb := range cbs {
		if err := cb(ctx, threat); err != nil {
			e.logger.Warnw("threat callback failed", "threat_id", threat.ID, "error", err)
		}
	}
}

// Resolve marks a threat handled. Resolving an already-resolved threat is a
// no-op and does not produce a second audit record.
func (e *Engine) Resolve(ctx context.Context, id string, falsePositive bool, actor string) (*core.ThreatEvent, error) {
	threat, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if threat.IsResolved {
		return threat, nil
	}

	threat.IsResolved = true
	threat.FalsePositive = falsePositive
	if err := e.store.UpdateThreatEvent(ctx, threat); err != nil {
		return nil, fmt.Errorf("update threat %s: %w", id, err)
	}

	e.mu.Lock()
	delete(e.active, id)
	if falsePositive {
		e.falsePos++
	}
	e.mu.Unlock()

	e.recordAudit(ctx, "threat_resolved", actor, id, "resolve", map[string]interface{}{
		"false_positive": falsePositive,
	})
	return threat, nil
}

// Block marks the threat's origin as blocked. Idempotent.
func (e *Engine) Block(ctx context.Context, id, actor string) (*core.ThreatEvent, error) {
	threat, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if threat.IsBlocked {
		return threat, nil
	}

	threat.IsBlocked = true
	if err := e.store.UpdateThreatEvent(ctx, threat); err != nil {
		return nil, fmt.Errorf("update threat %s: %w", id, err)
	}

	e.mu.Lock()
	if cached, ok := e.active[id]; ok {
		cached.IsBlocked = true
	}
	e.mu.Unlock()

	e.recordAudit(ctx, "threat_blocked", actor, id, "block", map[string]interface{}{
		"source_ip": threat.SourceIP,
	})
	return threat, nil
}

// lookup returns a private copy so callers can mutate flags without racing
// snapshot readers.
func (e *Engine) lookup(ctx context.Context, id string) (*core.ThreatEvent, error) {
	e.mu.RLock()
	threat, ok := e.active[id]
	if ok {
		c := *threat
		e.mu.RUnlock()
		return &c, nil
	}
	e.mu.RUnlock()
	threat, err := e.store.GetThreatEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get threat %s: %w", id, err)
	}
	return threat, nil
}

// ActiveThreats returns a snapshot of unresolved in-memory threats. Entries
// are copies; later resolve/block calls do not show through them.
func (e *Engine) ActiveThreats() []*core.ThreatEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*core.ThreatEvent, 0, len(e.active))
	for _, t := range e.active {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ListThreats queries persisted threats through the store.
func (e *Engine) ListThreats(ctx context.Context, filter ThreatFilter) ([]*core.ThreatEvent, error) {
	return e.store.ListThreatEvents(ctx, filter)
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := Statistics{
		EventsProcessed: e.processed,
		ThreatsDetected: e.detected,
		ByType:          make(map[core.ThreatType]int64, len(e.byType)),
		BySeverity:      make(map[core.Severity]int64, len(e.bySeverity)),
		FalsePositives:  e.falsePos,
		ActiveThreats:   len(e.active),
	}
	for k, v := range e.byType {
		stats.ByType[k] = v
	}
	for k, v := range e.bySeverity {
		stats.BySeverity[k] = v
	}
	if e.detected > 0 {
		stats.FalsePositiveRate = float64(e.falsePos) / float64(e.detected)
	}
	return stats
}

func (e *Engine) recordAudit(ctx context.Context, eventType, actor, resource, action string, details map[string]interface{}) {
	if e.audit == nil {
		return
	}
	record := core.NewAuditRecord(eventType, actor, resource, action)
	record.Details = details
	if err := e.audit.Record(ctx, record); err != nil {
		metrics.AuditWriteFailures.Inc()
		e.logger.Warnw("audit write failed", "event_type", eventType, "error", err)
	}
}
