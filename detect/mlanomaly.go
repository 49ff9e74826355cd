package detect

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/ml"
)

// MLAnomalyDetector scores events with an unsupervised outlier model trained
// on recent traffic. It stays silent until the sample buffer reaches
// minSamples and the first fit completes; the buffer is a bounded ring so
// memory stays flat under load.
type MLAnomalyDetector struct {
	model ml.OutlierModel

	mu          sync.Mutex
	samples     [][]float64
	next        int
	filled      bool
	lastRetrain time.Time

	minSamples      int
	maxSamples      int
	retrainInterval time.Duration
	logger          *zap.SugaredLogger
}

func NewMLAnomalyDetector(model ml.OutlierModel, minSamples, maxSamples int, retrainInterval time.Duration, logger *zap.SugaredLogger) *MLAnomalyDetector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MLAnomalyDetector{
		model:           model,
		samples:         make([][]float64, 0, maxSamples),
		minSamples:      minSamples,
		maxSamples:      maxSamples,
		retrainInterval: retrainInterval,
		logger:          logger,
	}
}

func (d *MLAnomalyDetector) Name() string { return "ml_anomaly" }

func (d *MLAnomalyDetector) Detect(ctx context.Context, event *core.SecurityEvent) (*core.ThreatEvent, error) {
	vector := ml.ExtractFeatures(event)
	d.buffer(vector)

	if !d.model.Trained() || !d.model.IsOutlier(vector) {
		return nil, nil
	}

	score := d.model.Score(vector)
	risk := core.ClampRiskScore(score * 10)
	severity := core.SeverityLow
	switch {
	case risk >= 7:
		severity = core.SeverityHigh
	case risk >= 4:
		severity = core.SeverityMedium
	}

	threat := core.NewThreatEvent(core.ThreatMLAnomaly, severity, "isolation_forest")
	threat.SourceIP = event.SourceIP
	threat.UserID = event.UserID
	threat.SessionID = event.SessionID
	threat.Endpoint = event.Endpoint
	threat.RiskScore = risk
	threat.Confidence = score
	threat.Evidence["anomaly_score"] = score
	return threat, nil
}

func (d *MLAnomalyDetector) buffer(vector []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.samples) < d.maxSamples {
		d.samples = append(d.samples, vector)
		return
	}
	d.samples[d.next] = vector
	d.next = (d.next + 1) % d.maxSamples
	d.filled = true
}

// MaybeRetrain refits the model when enough samples have accumulated and the
// retrain interval has elapsed. Safe to call from a background ticker.
func (d *MLAnomalyDetector) MaybeRetrain(ctx context.Context) error {
	d.mu.Lock()
	if len(d.samples) < d.minSamples {
		d.mu.Unlock()
		return nil
	}
	if !d.lastRetrain.IsZero() && time.Since(d.lastRetrain) < d.retrainInterval {
		d.mu.Unlock()
		return nil
	}
	batch := make([][]float64, len(d.samples))
	copy(batch, d.samples)
	d.lastRetrain = time.Now()
	d.mu.Unlock()

	if err := d.model.Fit(batch); err != nil {
		return err
	}
	metrics.ModelRetrains.Inc()
	d.logger.Infow("outlier model retrained", "samples", len(batch))
	return nil
}

// SampleCount returns the number of buffered feature vectors.
func (d *MLAnomalyDetector) SampleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.samples)
}
