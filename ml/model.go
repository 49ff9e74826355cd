// Package ml provides the unsupervised outlier model behind the anomaly
// detector. The model contract is deliberately small so the isolation forest
// could be swapped for any equivalent method (k-NN distance, z-score
// ensemble) without touching the detector.
package ml

// OutlierModel scores feature vectors against a trained baseline.
type OutlierModel interface {
	// Fit trains the model on a batch of samples, replacing any prior fit.
	Fit(samples [][]float64) error

	// Score returns an anomaly score in [0,1]; higher is more anomalous.
	Score(vector []float64) float64

	// IsOutlier reports whether the score exceeds the contamination-derived
	// threshold.
	IsOutlier(vector []float64) bool

	// Trained reports whether Fit has completed at least once.
	Trained() bool
}
