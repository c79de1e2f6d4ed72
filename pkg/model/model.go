// Package model trains and serves the transaction anomaly model: a standard
// scaler feeding an isolation forest, published as an immutable snapshot.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hed1ad/txguard/pkg/detectors"
	"github.com/hed1ad/txguard/pkg/detectors/iforest"
	"github.com/hed1ad/txguard/pkg/features"
	"github.com/hed1ad/txguard/pkg/metrics"
	"github.com/hed1ad/txguard/pkg/modelstore"
	"github.com/hed1ad/txguard/pkg/preprocess"
	"github.com/hed1ad/txguard/pkg/transaction"
)

// DefaultMinSamples is the smallest training set that yields a usable model.
const DefaultMinSamples = 20

// reasonZ is the absolute z-score beyond which a feature is named as a reason.
const reasonZ = 3.0

var (
	// ErrInsufficientHistory is returned when too few rows are eligible for training.
	ErrInsufficientHistory = errors.New("insufficient training history")
	// ErrNotReady is returned by Classify when no model could be trained or loaded.
	ErrNotReady = errors.New("model not ready")
)

// Sample is one historical row used for training.
type Sample struct {
	Vector  features.Vector
	Flagged bool
}

// Verdict is the outcome of classifying one vector.
type Verdict struct {
	Anomalous  bool     `json:"anomalous"`
	Score      float64  `json:"score"`
	Threshold  float64  `json:"threshold"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Info describes the published model.
type Info struct {
	Ready      bool      `json:"ready"`
	ArtifactID uuid.UUID `json:"artifact_id"`
	TrainedAt  time.Time `json:"trained_at"`
	Samples    int       `json:"samples"`
	Threshold  float64   `json:"threshold"`
}

// History supplies the stored transactions the model is retrained from.
type History interface {
	History(ctx context.Context) ([]transaction.Transaction, error)
}

// ArtifactStore persists trained models.
type ArtifactStore interface {
	Save(ctx context.Context, a *modelstore.Artifact) error
	Load(ctx context.Context) (*modelstore.Artifact, error)
}

// Config tunes training.
type Config struct {
	Detector   detectors.Config
	MinSamples int
	// RetryBackoff suppresses repeated just-in-time training attempts after a failure.
	RetryBackoff time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Detector:     detectors.DefaultConfig(),
		MinSamples:   DefaultMinSamples,
		RetryBackoff: 10 * time.Second,
	}
}

// Model holds the current trained state. Classification reads an
// immutable snapshot; training builds a new one and swaps the pointer.
type Model struct {
	cfg     Config
	history History
	store   ArtifactStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	state atomic.Pointer[state]

	trainMu     sync.Mutex
	lastFailure time.Time
	lastErr     error
}

// Option configures a Model.
type Option func(*Model)

// WithHistory sets the source used by Retrain and just-in-time training.
func WithHistory(h History) Option {
	return func(m *Model) { m.history = h }
}

// WithStore sets the artifact store.
func WithStore(s ArtifactStore) Option {
	return func(m *Model) { m.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Model) { m.metrics = mt }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// New returns an unready model.
func New(cfg Config, opts ...Option) *Model {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	m := &Model{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	return m
}

// Ready reports whether a trained model is published.
func (m *Model) Ready() bool {
	return m.state.Load() != nil
}

// Info describes the published model.
func (m *Model) Info() Info {
	st := m.state.Load()
	if st == nil {
		return Info{}
	}
	return Info{
		Ready:      true,
		ArtifactID: st.id,
		TrainedAt:  st.trainedAt,
		Samples:    st.samples,
		Threshold:  st.forest.Threshold(),
	}
}

// Train fits a new model on history and publishes it. Flagged rows are
// excluded unless that would leave too little to train on. On error the
// previously published model, if any, stays in place.
func (m *Model) Train(history []Sample) error {
	m.trainMu.Lock()
	defer m.trainMu.Unlock()

	_, err := m.train(history)
	return err
}

func (m *Model) train(history []Sample) (*state, error) {
	rows := m.eligible(history)
	if len(rows) < m.cfg.MinSamples {
		m.metrics.Trainings.WithLabelValues("insufficient").Inc()
		return nil, fmt.Errorf("%w: %d rows, need %d", ErrInsufficientHistory, len(rows), m.cfg.MinSamples)
	}

	scaler := preprocess.NewStandardScaler()
	scaled, err := scaler.FitTransform(rows)
	if err != nil {
		m.metrics.Trainings.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fit scaler: %w", err)
	}

	forest := iforest.New(iforest.WithConfig(m.cfg.Detector))
	if err := forest.Fit(scaled); err != nil {
		m.metrics.Trainings.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fit forest: %w", err)
	}

	st := &state{
		id:        uuid.New(),
		trainedAt: m.now(),
		samples:   len(rows),
		scaler:    scaler,
		forest:    forest,
	}
	m.state.Store(st)
	m.metrics.Trainings.WithLabelValues("ok").Inc()
	m.logger.Info("model trained",
		zap.Int("samples", len(rows)),
		zap.Int("history", len(history)),
		zap.Float64("threshold", forest.Threshold()),
		zap.String("artifact_id", st.id.String()))
	return st, nil
}

func (m *Model) eligible(history []Sample) [][]float64 {
	all := make([][]float64, 0, len(history))
	clean := make([][]float64, 0, len(history))
	for _, s := range history {
		row := s.Vector.Slice()
		all = append(all, row)
		if !s.Flagged {
			clean = append(clean, row)
		}
	}
	if len(history) < 2*m.cfg.MinSamples || len(clean) < m.cfg.MinSamples {
		return all
	}
	return clean
}

// Retrain pulls the full history, trains and saves the artifact.
func (m *Model) Retrain(ctx context.Context) error {
	m.trainMu.Lock()
	defer m.trainMu.Unlock()
	return m.retrain(ctx)
}

func (m *Model) retrain(ctx context.Context) error {
	if m.history == nil {
		return errors.New("retrain: no history source")
	}
	txs, err := m.history.History(ctx)
	if err != nil {
		m.metrics.Trainings.WithLabelValues("error").Inc()
		return fmt.Errorf("load history: %w", err)
	}

	st, err := m.train(m.Samples(txs))
	if err != nil {
		return err
	}

	if m.store == nil {
		return nil
	}
	a, err := st.artifact()
	if err == nil {
		err = m.store.Save(ctx, a)
	}
	if err != nil {
		// the in-memory model is usable; the next restart retrains
		m.logger.Warn("model artifact not saved", zap.Error(err))
	}
	return nil
}

// Samples converts stored transactions into training rows, skipping any
// whose features cannot be extracted.
func (m *Model) Samples(txs []transaction.Transaction) []Sample {
	out := make([]Sample, 0, len(txs))
	for _, tx := range txs {
		v, err := features.FromTransaction(tx)
		if err != nil {
			m.logger.Warn("skipping transaction in training history",
				zap.Int64("transaction_id", tx.ID), zap.Error(err))
			continue
		}
		out = append(out, Sample{Vector: v, Flagged: tx.Flagged})
	}
	return out
}

// Load restores the model from the artifact store.
func (m *Model) Load(ctx context.Context) error {
	m.trainMu.Lock()
	defer m.trainMu.Unlock()
	return m.load(ctx)
}

func (m *Model) load(ctx context.Context) error {
	if m.store == nil {
		return errors.New("load: no artifact store")
	}
	a, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	st, err := restore(a)
	if err != nil {
		return err
	}
	m.state.Store(st)
	m.logger.Info("model loaded",
		zap.String("artifact_id", st.id.String()),
		zap.Int("samples", st.samples))
	return nil
}

// EnsureReady loads the saved model or, failing that, retrains from history.
func (m *Model) EnsureReady(ctx context.Context) error {
	m.trainMu.Lock()
	defer m.trainMu.Unlock()
	return m.ensureReady(ctx)
}

func (m *Model) ensureReady(ctx context.Context) error {
	if m.state.Load() != nil {
		return nil
	}
	if m.lastErr != nil && m.now().Sub(m.lastFailure) < m.cfg.RetryBackoff {
		return m.lastErr
	}

	if m.store != nil {
		err := m.load(ctx)
		if err == nil {
			m.lastErr = nil
			return nil
		}
		m.logger.Warn("model artifact unusable, retraining", zap.Error(err))
	}

	if err := m.retrain(ctx); err != nil {
		m.lastErr, m.lastFailure = err, m.now()
		return err
	}
	m.lastErr = nil
	return nil
}

// Classify scores v. Without a published model it tries to load or train
// one first; if that fails the verdict is "not anomalous" and the error
// wraps ErrNotReady.
func (m *Model) Classify(ctx context.Context, v features.Vector) (Verdict, error) {
	defer metrics.ObserveSince(m.metrics.ClassifyLatency, time.Now())

	st := m.state.Load()
	if st == nil {
		if err := m.EnsureReady(ctx); err != nil {
			return Verdict{}, fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		st = m.state.Load()
	}
	return st.classify(v)
}

// Scored pairs a streamed vector with its verdict.
type Scored struct {
	Vector  features.Vector
	Verdict Verdict
	Err     error
}

// ClassifyStream scores vectors from in until it is closed or ctx ends.
func (m *Model) ClassifyStream(ctx context.Context, in <-chan features.Vector, out chan<- Scored) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-in:
			if !ok {
				return nil
			}
			verdict, err := m.Classify(ctx, v)
			select {
			case out <- Scored{Vector: v, Verdict: verdict, Err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// state is one trained scaler/forest pair. It is never mutated after
// publication.
type state struct {
	id        uuid.UUID
	trainedAt time.Time
	samples   int
	scaler    *preprocess.StandardScaler
	forest    *iforest.IsolationForest
}

func (s *state) classify(v features.Vector) (Verdict, error) {
	z, err := s.scaler.TransformOne(v.Slice())
	if err != nil {
		return Verdict{}, fmt.Errorf("scale features: %w", err)
	}
	score, err := s.forest.PredictOne(z)
	if err != nil {
		return Verdict{}, fmt.Errorf("score features: %w", err)
	}

	verdict := Verdict{
		Score:      score,
		Threshold:  s.forest.Threshold(),
		Confidence: score,
		Anomalous:  s.forest.Decide(score),
	}
	if verdict.Anomalous {
		verdict.Reasons = reasons(verdict, z)
	}
	return verdict, nil
}

func reasons(v Verdict, z []float64) []string {
	out := []string{fmt.Sprintf("isolation score %.3f at or above threshold %.3f", v.Score, v.Threshold)}
	for i, name := range features.Names() {
		if math.Abs(z[i]) < reasonZ {
			continue
		}
		dir := "above"
		if z[i] < 0 {
			dir = "below"
		}
		out = append(out, fmt.Sprintf("%s is %.1f standard deviations %s the usual", name, math.Abs(z[i]), dir))
	}
	return out
}

func (s *state) artifact() (*modelstore.Artifact, error) {
	forest, err := s.forest.Save()
	if err != nil {
		return nil, err
	}
	return &modelstore.Artifact{
		ID:             s.id,
		CreatedAt:      s.trainedAt,
		Samples:        s.samples,
		Features:       features.Names(),
		Scaler:         s.scaler.Params(),
		Forest:         forest,
		ForestFeatures: s.forest.Features(),
	}, nil
}

func restore(a *modelstore.Artifact) (*state, error) {
	names := features.Names()
	if len(a.Features) != len(names) {
		return nil, fmt.Errorf("%w: artifact has %d features, extractor has %d", modelstore.ErrMismatch, len(a.Features), len(names))
	}
	for i := range names {
		if a.Features[i] != names[i] {
			return nil, fmt.Errorf("%w: feature %d is %q, want %q", modelstore.ErrMismatch, i, a.Features[i], names[i])
		}
	}

	scaler, err := preprocess.FromParams(a.Scaler)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", modelstore.ErrMismatch, err)
	}
	forest := iforest.New()
	if err := forest.Load(a.Forest); err != nil {
		return nil, fmt.Errorf("%w: %w", modelstore.ErrCorrupt, err)
	}
	if forest.Features() != scaler.Dimensions() {
		return nil, fmt.Errorf("%w: forest has %d features, scaler %d", modelstore.ErrMismatch, forest.Features(), scaler.Dimensions())
	}

	return &state{
		id:        a.ID,
		trainedAt: a.CreatedAt,
		samples:   a.Samples,
		scaler:    scaler,
		forest:    forest,
	}, nil
}
