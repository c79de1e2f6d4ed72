package model

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hed1ad/txguard/pkg/detectors"
	"github.com/hed1ad/txguard/pkg/features"
	"github.com/hed1ad/txguard/pkg/internal/testutil"
	"github.com/hed1ad/txguard/pkg/modelstore"
	"github.com/hed1ad/txguard/pkg/transaction"
)

type fakeHistory struct {
	mu    sync.Mutex
	txs   []transaction.Transaction
	err   error
	calls int
}

func (h *fakeHistory) History(context.Context) ([]transaction.Transaction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.txs, h.err
}

func samplesFor(t *testing.T, txs []transaction.Transaction) []Sample {
	t.Helper()
	out := make([]Sample, len(txs))
	for i, tx := range txs {
		v, err := features.FromTransaction(tx)
		require.NoError(t, err)
		out[i] = Sample{Vector: v, Flagged: tx.Flagged}
	}
	return out
}

func vectorAt(t *testing.T, amount decimal.Decimal) features.Vector {
	t.Helper()
	v, err := features.Extract(amount, testutil.BaseTime.Add(30*time.Second))
	require.NoError(t, err)
	return v
}

func testConfig(seed int64) Config {
	cfg := DefaultConfig()
	cfg.Detector = detectors.Config{Contamination: 0.05, Trees: 100, SampleRatio: 0.8, RandomSeed: seed}
	return cfg
}

func TestTrainInsufficientHistory(t *testing.T) {
	m := New(DefaultConfig())

	err := m.Train(samplesFor(t, testutil.Transactions(19, 1)))
	assert.ErrorIs(t, err, ErrInsufficientHistory)
	assert.False(t, m.Ready())

	require.NoError(t, m.Train(samplesFor(t, testutil.Transactions(20, 1))))
	assert.True(t, m.Ready())
	before := m.Info()

	// a failed retrain keeps the previous model
	err = m.Train(samplesFor(t, testutil.Transactions(5, 2)))
	assert.ErrorIs(t, err, ErrInsufficientHistory)
	assert.True(t, m.Ready())
	assert.Equal(t, before.ArtifactID, m.Info().ArtifactID)
}

func TestTrainExcludesFlaggedRows(t *testing.T) {
	txs := testutil.Transactions(100, 3)
	for i := 0; i < 10; i++ {
		txs[i].Flagged = true
	}
	m := New(DefaultConfig())
	require.NoError(t, m.Train(samplesFor(t, txs)))
	assert.Equal(t, 90, m.Info().Samples)
}

func TestTrainFallsBackToFullSetWhenSmall(t *testing.T) {
	txs := testutil.Transactions(30, 3)
	for i := 0; i < 15; i++ {
		txs[i].Flagged = true
	}
	m := New(DefaultConfig())
	require.NoError(t, m.Train(samplesFor(t, txs)))
	assert.Equal(t, 30, m.Info().Samples)
}

func TestClassifyFlagsExtremeOutlier(t *testing.T) {
	tests := []struct {
		name string
		n    int
		step time.Duration
	}{
		{name: "minimum history", n: 20, step: 7 * time.Hour},
		{name: "small history", n: 40, step: 7 * time.Hour},
		{name: "fixed hour", n: 200, step: time.Second},
		{name: "spread history", n: 200, step: 7 * time.Hour},
	}

	const seeds = 20
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flagged := 0
			for seed := int64(1); seed <= seeds; seed++ {
				txs := testutil.TransactionsEvery(tt.n, seed, tt.step)
				mean := testutil.Mean(testutil.Amounts(tt.n, seed))

				cfg := DefaultConfig()
				cfg.Detector.RandomSeed = seed
				m := New(cfg)
				require.NoError(t, m.Train(samplesFor(t, txs)))

				verdict, err := m.Classify(context.Background(), vectorAt(t, mean.Mul(decimal.NewFromInt(100))))
				require.NoError(t, err)
				if verdict.Anomalous {
					flagged++
					assert.NotEmpty(t, verdict.Reasons)
					assert.GreaterOrEqual(t, verdict.Score, verdict.Threshold)
				}

				normal, err := m.Classify(context.Background(), vectorAt(t, decimal.NewFromInt(150)))
				require.NoError(t, err)
				assert.False(t, normal.Anomalous, "seed %d: median amount flagged", seed)
			}
			assert.Equal(t, seeds, flagged, "outlier should be flagged across seeded trainings")
		})
	}
}

func TestTrainIsIdempotent(t *testing.T) {
	history := samplesFor(t, testutil.Transactions(150, 4))
	amounts := []decimal.Decimal{
		decimal.NewFromInt(20), decimal.NewFromInt(150), decimal.NewFromInt(600), decimal.NewFromInt(90000),
	}

	a := New(testConfig(11))
	b := New(testConfig(11))
	require.NoError(t, a.Train(history))
	require.NoError(t, b.Train(history))
	require.NoError(t, b.Train(history))

	for _, amount := range amounts {
		va, err := a.Classify(context.Background(), vectorAt(t, amount))
		require.NoError(t, err)
		vb, err := b.Classify(context.Background(), vectorAt(t, amount))
		require.NoError(t, err)
		assert.Equal(t, va.Anomalous, vb.Anomalous)
		assert.InDelta(t, va.Score, vb.Score, 1e-12)
	}
}

func TestSaveLoadPreservesDecisions(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewFileStore(filepath.Join(t.TempDir(), "model.bin"))
	history := &fakeHistory{txs: testutil.Transactions(120, 5)}

	trained := New(testConfig(5), WithHistory(history), WithStore(store))
	require.NoError(t, trained.Retrain(ctx))

	loaded := New(testConfig(5), WithStore(store))
	require.NoError(t, loaded.Load(ctx))
	assert.Equal(t, trained.Info().ArtifactID, loaded.Info().ArtifactID)

	for _, amount := range []int64{10, 75, 150, 400, 5000, 1000000} {
		v := vectorAt(t, decimal.NewFromInt(amount))
		want, err := trained.Classify(ctx, v)
		require.NoError(t, err)
		got, err := loaded.Classify(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, want.Anomalous, got.Anomalous, "amount %d", amount)
		assert.InDelta(t, want.Score, got.Score, 1e-12, "amount %d", amount)
	}
}

func TestClassifyTrainsJustInTime(t *testing.T) {
	history := &fakeHistory{txs: testutil.Transactions(60, 6)}
	m := New(testConfig(6), WithHistory(history))

	_, err := m.Classify(context.Background(), vectorAt(t, decimal.NewFromInt(120)))
	require.NoError(t, err)
	assert.True(t, m.Ready())
	assert.Equal(t, 1, history.calls)
}

func TestClassifyLoadsBeforeTraining(t *testing.T) {
	ctx := context.Background()
	store := modelstore.NewFileStore(filepath.Join(t.TempDir(), "model.bin"))
	seed := New(testConfig(7), WithHistory(&fakeHistory{txs: testutil.Transactions(80, 7)}), WithStore(store))
	require.NoError(t, seed.Retrain(ctx))

	history := &fakeHistory{}
	m := New(testConfig(7), WithHistory(history), WithStore(store))
	_, err := m.Classify(ctx, vectorAt(t, decimal.NewFromInt(120)))
	require.NoError(t, err)
	assert.Equal(t, 0, history.calls, "a valid artifact must not trigger retraining")
	assert.Equal(t, seed.Info().ArtifactID, m.Info().ArtifactID)
}

func TestClassifyRetrainsOnCorruptArtifact(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(path, []byte("TXGM garbage"), 0o600))

	core, logs := observer.New(zap.WarnLevel)
	history := &fakeHistory{txs: testutil.Transactions(80, 8)}
	m := New(testConfig(8), WithHistory(history), WithStore(modelstore.NewFileStore(path)), WithLogger(zap.New(core)))

	_, err := m.Classify(ctx, vectorAt(t, decimal.NewFromInt(120)))
	require.NoError(t, err)
	assert.Equal(t, 1, history.calls)
	assert.Equal(t, 1, logs.FilterMessage("model artifact unusable, retraining").Len())

	// the retrain replaced the corrupt file with a loadable artifact
	fresh := New(testConfig(8), WithStore(modelstore.NewFileStore(path)))
	require.NoError(t, fresh.Load(ctx))
}

func TestClassifyNotReadyIsConservative(t *testing.T) {
	tests := []struct {
		name    string
		history *fakeHistory
	}{
		{name: "too little history", history: &fakeHistory{txs: testutil.Transactions(5, 9)}},
		{name: "history unavailable", history: &fakeHistory{err: errors.New("db down")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(testConfig(9), WithHistory(tt.history))
			verdict, err := m.Classify(context.Background(), vectorAt(t, decimal.NewFromInt(1000000)))
			assert.ErrorIs(t, err, ErrNotReady)
			assert.False(t, verdict.Anomalous)
			assert.False(t, m.Ready())
		})
	}
}

func TestClassifyBacksOffAfterFailure(t *testing.T) {
	now := testutil.BaseTime
	history := &fakeHistory{txs: testutil.Transactions(5, 10)}
	cfg := testConfig(10)
	cfg.RetryBackoff = time.Minute
	m := New(cfg, WithHistory(history), WithClock(func() time.Time { return now }))

	ctx := context.Background()
	v := vectorAt(t, decimal.NewFromInt(100))
	_, err := m.Classify(ctx, v)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = m.Classify(ctx, v)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 1, history.calls)

	now = now.Add(2 * time.Minute)
	history.txs = testutil.Transactions(40, 10)
	_, err = m.Classify(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, 2, history.calls)
}

func TestClassifyDuringRetrain(t *testing.T) {
	history := &fakeHistory{txs: testutil.Transactions(200, 12)}
	m := New(testConfig(12), WithHistory(history))
	require.NoError(t, m.Retrain(context.Background()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			assert.NoError(t, m.Retrain(context.Background()))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := m.Classify(context.Background(), vectorAt(t, decimal.NewFromInt(140)))
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
}

func TestClassifyStream(t *testing.T) {
	m := New(testConfig(13))
	require.NoError(t, m.Train(samplesFor(t, testutil.Transactions(100, 13))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan features.Vector, 3)
	out := make(chan Scored, 3)
	in <- vectorAt(t, decimal.NewFromInt(150))
	in <- vectorAt(t, decimal.NewFromInt(2000000))
	in <- vectorAt(t, decimal.NewFromInt(120))
	close(in)

	require.NoError(t, m.ClassifyStream(ctx, in, out))
	close(out)

	var results []Scored
	for s := range out {
		require.NoError(t, s.Err)
		results = append(results, s)
	}
	require.Len(t, results, 3)
	assert.True(t, results[1].Verdict.Anomalous)
}
