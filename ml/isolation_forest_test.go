package ml

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/core"
)

func newTestForest(t *testing.T) *IsolationForest {
	t.Helper()
	return NewIsolationForest(IsolationForestConfig{
		NumTrees:      50,
		SubsampleSize: 64,
		Contamination: 0.1,
		Seed:          42,
	})
}

func clusteredSamples(n int) [][]float64 {
	samples := make([][]float64, 0, n)
	for i := 0; i < n; i++ {
		samples = append(samples, []float64{
			float64(9 + i%8), // working hours
			float64(1 + i%5), // weekdays
			1, 0, 0,
			0, 0, 60,
			0, 0, 12,
		})
	}
	return samples
}

func TestIsolationForest_SeparatesOutlier(t *testing.T) {
	forest := newTestForest(t)
	require.NoError(t, forest.Fit(clusteredSamples(200)))
	require.True(t, forest.Trained())

	inlier := []float64{12, 3, 1, 0, 0, 0, 0, 60, 0, 0, 12}
	outlier := []float64{3, 0, 0, 0, 1, 0, 1, 400, 1, 1, 180}

	assert.Greater(t, forest.Score(outlier), forest.Score(inlier))
	assert.True(t, forest.IsOutlier(outlier))
	assert.False(t, forest.IsOutlier(inlier))
}

func TestIsolationForest_UntrainedScoresZero(t *testing.T) {
	forest := newTestForest(t)

	assert.False(t, forest.Trained())
	assert.Zero(t, forest.Score([]float64{1, 2, 3}))
	assert.False(t, forest.IsOutlier([]float64{1, 2, 3}))
}

func TestIsolationForest_FitValidatesInput(t *testing.T) {
	forest := newTestForest(t)

	assert.Error(t, forest.Fit(nil))
	assert.Error(t, forest.Fit([][]float64{{}}))
	assert.Error(t, forest.Fit([][]float64{{1, 2}, {1}}))
}

func TestIsolationForest_RefitReplacesModel(t *testing.T) {
	forest := newTestForest(t)
	require.NoError(t, forest.Fit(clusteredSamples(100)))
	first := forest.Threshold()

	shifted := clusteredSamples(100)
	for _, s := range shifted {
		s[7] = 500
	}
	require.NoError(t, forest.Fit(shifted))

	assert.True(t, forest.Trained())
	// Threshold is recomputed from the new training scores.
	assert.NotPanics(t, func() { forest.Score(shifted[0]) })
	_ = first
}

func TestExtractFeatures(t *testing.T) {
	event := core.NewSecurityEvent(core.EventTypeAuthFailure)
	event.Timestamp = time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC) // Wednesday
	event.SourceIP = "10.0.0.5"
	event.UserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)"
	event.Endpoint = "/api/login"

	v := ExtractFeatures(event)
	require.Len(t, v, FeatureDim)
	assert.Equal(t, 14.0, v[0])
	assert.Equal(t, 3.0, v[1])
	assert.Equal(t, 1.0, v[2], "10.0.0.5 is private")
	assert.Equal(t, 0.0, v[3])
	assert.Equal(t, 1.0, v[5], "iPhone agent is mobile")
	assert.Equal(t, 0.0, v[6])
	assert.Equal(t, 1.0, v[8])
	assert.Equal(t, float64(len("/api/login")), v[10])
}

func TestExtractFeatures_UnparseableAddress(t *testing.T) {
	event := core.NewSecurityEvent(core.EventTypeHTTPRequest)
	event.SourceIP = "not-an-ip"
	event.UserAgent = "curl/8.0"

	v := ExtractFeatures(event)
	assert.Equal(t, 0.0, v[2])
	assert.Equal(t, 0.0, v[3])
	assert.Equal(t, 0.0, v[4])
	assert.Equal(t, 1.0, v[6], "curl agent is automated")
}
