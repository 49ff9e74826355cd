package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// isolationNode is a node in a single isolation tree. Internal nodes split on
// one feature index; leaves record how many training samples they isolated.
type isolationNode struct {
	left    *isolationNode
	right   *isolationNode
	feature int
	value   float64
	size    int
	isLeaf  bool
}

// IsolationForestConfig holds the forest hyperparameters.
type IsolationForestConfig struct {
	NumTrees      int     // number of trees (default 100)
	SubsampleSize int     // subsample size per tree (default 256)
	MaxDepth      int     // maximum tree depth (default 8)
	Contamination float64 // expected proportion of anomalies (default 0.1)
	Seed          int64   // RNG seed, 0 means non-deterministic
	Logger        *zap.SugaredLogger
}

// IsolationForest isolates anomalies by random recursive partitioning.
// Points that need fewer splits to isolate receive higher scores. The outlier
// threshold is set from the training scores so that roughly Contamination of
// the training set falls above it.
type IsolationForest struct {
	mu        sync.RWMutex
	trees     []*isolationNode
	config    IsolationForestConfig
	rng       *rand.Rand
	threshold float64
	trained   bool
	logger    *zap.SugaredLogger
}

var _ OutlierModel = (*IsolationForest)(nil)

// NewIsolationForest creates a forest with defaults filled in for any zero
// config field.
func NewIsolationForest(config IsolationForestConfig) *IsolationForest {
	if config.NumTrees == 0 {
		config.NumTrees = 100
	}
	if config.SubsampleSize == 0 {
		config.SubsampleSize = 256
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 8
	}
	if config.Contamination == 0 {
		config.Contamination = 0.1
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}

	seed := config.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	return &IsolationForest{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
		logger: config.Logger,
	}
}

// Fit rebuilds the forest from samples and recomputes the outlier threshold.
// All vectors must share the same dimensionality.
func (f *IsolationForest) Fit(samples [][]float64) error {
	if len(samples) == 0 {
		return fmt.Errorf("no training samples")
	}
	dim := len(samples[0])
	if dim == 0 {
		return fmt.Errorf("zero-dimensional samples")
	}
	for i, s := range samples {
		if len(s) != dim {
			return fmt.Errorf("sample %d has dimension %d, want %d", i, len(s), dim)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.trees = make([]*isolationNode, 0, f.config.NumTrees)
	for i := 0; i < f.config.NumTrees; i++ {
		sub := f.subsample(samples, f.config.SubsampleSize)
		f.trees = append(f.trees, f.buildTree(sub, 0))
	}

	// Threshold at the (1 - contamination) quantile of training scores.
	scores := make([]float64, len(samples))
	for i, s := range samples {
		scores[i] = f.scoreLocked(s)
	}
	sort.Float64s(scores)
	idx := int(math.Ceil(float64(len(scores)) * (1 - f.config.Contamination)))
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	f.threshold = scores[idx]
	f.trained = true

	f.logger.Debugw("isolation forest trained",
		"samples", len(samples),
		"trees", len(f.trees),
		"threshold", f.threshold)
	return nil
}

// Score returns the anomaly score for vector in [0,1]. An untrained forest
// scores everything 0.
func (f *IsolationForest) Score(vector []float64) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.trained {
		return 0
	}
	return f.scoreLocked(vector)
}

// IsOutlier reports whether vector scores above the trained threshold.
func (f *IsolationForest) IsOutlier(vector []float64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.trained {
		return false
	}
	return f.scoreLocked(vector) > f.threshold
}

// Trained reports whether Fit has completed at least once.
func (f *IsolationForest) Trained() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.trained
}

// Threshold returns the current outlier cutoff score.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

func (f *IsolationForest) scoreLocked(vector []float64) float64 {
	total := 0.0
	for _, root := range f.trees {
		total += pathLength(root, vector, 0)
	}
	avgPath := total / float64(len(f.trees))

	c := averagePathLength(f.config.SubsampleSize)
	score := math.Pow(2, -avgPath/c)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (f *IsolationForest) subsample(data [][]float64, size int) [][]float64 {
	if len(data) <= size {
		return data
	}
	result := make([][]float64, size)
	for i := range result {
		result[i] = data[f.rng.Intn(len(data))]
	}
	return result
}

func (f *IsolationForest) buildTree(data [][]float64, depth int) *isolationNode {
	if len(data) <= 1 || depth >= f.config.MaxDepth {
		return &isolationNode{size: len(data), isLeaf: true}
	}

	feature := f.rng.Intn(len(data[0]))
	minVal, maxVal := data[0][feature], data[0][feature]
	for _, v := range data[1:] {
		if v[feature] < minVal {
			minVal = v[feature]
		}
		if v[feature] > maxVal {
			maxVal = v[feature]
		}
	}
	if minVal == maxVal {
		return &isolationNode{size: len(data), isLeaf: true}
	}

	split := minVal + f.rng.Float64()*(maxVal-minVal)
	var left, right [][]float64
	for _, v := range data {
		if v[feature] <= split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}

	return &isolationNode{
		feature: feature,
		value:   split,
		size:    len(data),
		left:    f.buildTree(left, depth+1),
		right:   f.buildTree(right, depth+1),
	}
}

func pathLength(node *isolationNode, vector []float64, depth float64) float64 {
	if node == nil {
		return depth
	}
	if node.isLeaf {
		if node.size > 1 {
			return depth + averagePathLength(node.size)
		}
		return depth
	}
	if node.feature < len(vector) && vector[node.feature] <= node.value {
		return pathLength(node.left, vector, depth+1)
	}
	return pathLength(node.right, vector, depth+1)
}

// averagePathLength is the expected path length of an unsuccessful BST search
// over n points, the normalization constant from the isolation forest paper.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	harmonic := 0.0
	for i := 1; i <= n-1; i++ {
		harmonic += 1.0 / float64(i)
	}
	return 2*harmonic - 2*float64(n-1)/float64(n)
}
