// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/txguard/pkg/detectors"
)

// maxSubsample caps the rows drawn per tree regardless of the ratio.
const maxSubsample = 256

var (
	// ErrNotTrained is returned when scoring before Fit or Load.
	ErrNotTrained = errors.New("model not trained")
	// ErrEmptyData is returned by Fit when there is nothing to learn from.
	ErrEmptyData = errors.New("empty training data")
)

// IsolationForest implements unsupervised anomaly detection using isolation trees.
// A fitted forest is read-only; Fit replaces it wholesale.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleRatio   float64
	maxSamples    int
	contamination float64
	seed          int64

	// Trained model
	trees         []tree
	nFeatures     int
	threshold     float64
	avgPathLength float64
	trained       bool

	// lower and upper bound the training data per feature.
	lower []float64
	upper []float64
}

// tree is an isolation tree stored as a flat node slice; node 0 is the root.
type tree struct {
	Nodes []node
}

// node is either an internal split or a leaf. Leaves have Left == -1.
type node struct {
	Feature int
	Split   float64
	Left    int32
	Right   int32
	Size    int
}

func (n node) leaf() bool { return n.Left < 0 }

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleRatio sets the fraction of rows drawn for each tree.
func WithSampleRatio(r float64) Option {
	return func(f *IsolationForest) {
		f.sampleRatio = r
	}
}

// WithMaxSamples caps the subsample size for each tree.
func WithMaxSamples(n int) Option {
	return func(f *IsolationForest) {
		f.maxSamples = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed. Every Fit restarts from this seed.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// WithConfig applies a shared detector configuration.
func WithConfig(cfg detectors.Config) Option {
	return func(f *IsolationForest) {
		if cfg.Trees > 0 {
			f.nTrees = cfg.Trees
		}
		if cfg.SampleRatio > 0 {
			f.sampleRatio = cfg.SampleRatio
		}
		f.contamination = cfg.Contamination
		f.seed = cfg.RandomSeed
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	def := detectors.DefaultConfig()
	f := &IsolationForest{
		nTrees:        def.Trees,
		sampleRatio:   def.SampleRatio,
		maxSamples:    maxSubsample,
		contamination: def.Contamination,
		seed:          def.RandomSeed,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

var _ detectors.Detector = (*IsolationForest)(nil)

// Fit trains the forest on data and places the threshold at the
// (1 - contamination) quantile of the training scores.
func (f *IsolationForest) Fit(data [][]float64) error {
	if len(data) == 0 {
		return ErrEmptyData
	}
	nFeatures := len(data[0])
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), nFeatures)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	sampleSize := f.subsampleSize(len(data))
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	rng := rand.New(rand.NewSource(f.seed))

	trees := make([]tree, f.nTrees)
	for i := range trees {
		indices := rng.Perm(len(data))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}
		b := builder{rng: rng, nFeatures: nFeatures, maxDepth: maxDepth}
		b.build(sample, 0)
		trees[i] = tree{Nodes: b.nodes}
	}

	f.trees = trees
	f.nFeatures = nFeatures
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.lower = make([]float64, nFeatures)
	f.upper = make([]float64, nFeatures)
	for col := 0; col < nFeatures; col++ {
		f.lower[col], f.upper[col] = columnRange(data, col)
	}
	f.trained = true

	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = f.score(row)
	}
	f.threshold = quantile(scores, 1-f.contamination)

	return nil
}

func (f *IsolationForest) subsampleSize(n int) int {
	size := int(math.Ceil(f.sampleRatio * float64(n)))
	if size > f.maxSamples {
		size = f.maxSamples
	}
	if size < 2 {
		size = 2
	}
	if size > n {
		size = n
	}
	return size
}

type builder struct {
	rng       *rand.Rand
	nFeatures int
	maxDepth  int
	nodes     []node
}

// build appends the subtree for data and returns its node index.
func (b *builder) build(data [][]float64, depth int) int32 {
	idx := int32(len(b.nodes))
	b.nodes = append(b.nodes, node{Left: -1, Right: -1, Size: len(data)})

	if depth >= b.maxDepth || len(data) <= 1 {
		return idx
	}

	// Isolating on a constant column is impossible; try the others.
	feature, lo, hi := -1, 0.0, 0.0
	for _, candidate := range b.rng.Perm(b.nFeatures) {
		minVal, maxVal := columnRange(data, candidate)
		if minVal < maxVal {
			feature, lo, hi = candidate, minVal, maxVal
			break
		}
	}
	if feature < 0 {
		return idx
	}

	split := lo + b.rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[idx] = node{Feature: feature, Split: split, Left: l, Right: r, Size: len(data)}
	return idx
}

func columnRange(data [][]float64, col int) (float64, float64) {
	minVal, maxVal := data[0][col], data[0][col]
	for _, row := range data[1:] {
		if row[col] < minVal {
			minVal = row[col]
		}
		if row[col] > maxVal {
			maxVal = row[col]
		}
	}
	return minVal, maxVal
}

// Predict returns anomaly scores for the given samples.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, ErrNotTrained
	}

	scores := make([]float64, len(data))
	for i, sample := range data {
		if len(sample) != f.nFeatures {
			return nil, fmt.Errorf("sample %d has %d features, want %d", i, len(sample), f.nFeatures)
		}
		scores[i] = f.score(sample)
	}
	return scores, nil
}

// PredictOne returns the anomaly score for a single sample.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, ErrNotTrained
	}
	if len(sample) != f.nFeatures {
		return 0, fmt.Errorf("sample has %d features, want %d", len(sample), f.nFeatures)
	}
	return f.score(sample), nil
}

// score is 2^(-E[h(x)] / c(n)); higher means easier to isolate.
//
// Trees only see where a value ranks, so any value past the largest
// training value follows the same path as that value. A sample that lies
// further outside the training range than the range is wide counts as
// isolated by the first split of every tree.
func (f *IsolationForest) score(sample []float64) float64 {
	if f.avgPathLength == 0 {
		return 0.5
	}
	avg := 1.0
	if !f.outsideEnvelope(sample) {
		var total float64
		for _, t := range f.trees {
			total += t.pathLength(sample)
		}
		avg = total / float64(len(f.trees))
	}
	return math.Pow(2, -avg/f.avgPathLength)
}

// outsideEnvelope reports whether sample is far outside the training range
// on a feature that varies. Constant features are never split on and are
// ignored.
func (f *IsolationForest) outsideEnvelope(sample []float64) bool {
	if len(f.lower) != len(sample) || len(f.upper) != len(sample) {
		return false
	}
	for i, v := range sample {
		width := f.upper[i] - f.lower[i]
		if width <= 0 {
			continue
		}
		if v < f.lower[i]-width || v > f.upper[i]+width {
			return true
		}
	}
	return false
}

// validate checks that every split refers to a known feature and that
// children come after their parent, so traversal always terminates.
func (t tree) validate(nFeatures int) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.leaf() {
			continue
		}
		if n.Feature < 0 || n.Feature >= nFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, nFeatures)
		}
		for _, child := range []int32{n.Left, n.Right} {
			if int(child) <= i || int(child) >= len(t.Nodes) {
				return fmt.Errorf("node %d has child %d out of range", i, child)
			}
		}
	}
	return nil
}

func (t tree) pathLength(sample []float64) float64 {
	var depth float64
	n := t.Nodes[0]
	for !n.leaf() {
		if sample[n.Feature] < n.Split {
			n = t.Nodes[n.Left]
		} else {
			n = t.Nodes[n.Right]
		}
		depth++
	}
	// Unresolved leaves add the expected depth of a BST over their rows.
	return depth + averagePathLength(float64(n.Size))
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, H(i) ~ ln(i) + Euler-Mascheroni
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// Decide reports whether score lies in the outlier region.
func (f *IsolationForest) Decide(score float64) bool {
	return score >= f.Threshold()
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

// Features returns the number of columns the forest was fitted on.
func (f *IsolationForest) Features() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nFeatures
}

// Trained reports whether the forest can score samples.
func (f *IsolationForest) Trained() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.trained
}

type snapshot struct {
	Trees         []tree
	NFeatures     int
	Contamination float64
	Threshold     float64
	AvgPathLength float64
	Seed          int64
	Lower         []float64
	Upper         []float64
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshot{
		Trees:         f.trees,
		NFeatures:     f.nFeatures,
		Contamination: f.contamination,
		Threshold:     f.threshold,
		AvgPathLength: f.avgPathLength,
		Seed:          f.seed,
		Lower:         f.lower,
		Upper:         f.upper,
	})
	if err != nil {
		return nil, fmt.Errorf("encode forest: %w", err)
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("decode forest: %w", err)
	}
	if len(s.Trees) == 0 || s.NFeatures <= 0 {
		return errors.New("decode forest: empty model")
	}
	for i, t := range s.Trees {
		if err := t.validate(s.NFeatures); err != nil {
			return fmt.Errorf("decode forest: tree %d: %w", i, err)
		}
	}
	if len(s.Lower) != len(s.Upper) || (len(s.Lower) != 0 && len(s.Lower) != s.NFeatures) {
		return errors.New("decode forest: feature range does not match feature count")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.trees = s.Trees
	f.nTrees = len(s.Trees)
	f.nFeatures = s.NFeatures
	f.contamination = s.Contamination
	f.threshold = s.Threshold
	f.avgPathLength = s.AvgPathLength
	f.seed = s.Seed
	f.lower = s.Lower
	f.upper = s.Upper
	f.trained = true

	return nil
}

// quantile returns the q-th quantile (0..1) of data, interpolating
// linearly between the closest ranks.
func quantile(data []float64, q float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)

	pos := float64(len(sorted)-1) * q
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}
