// Package detectors defines the contract for unsupervised outlier detectors
// used to score transactions.
package detectors

// Detector is the common interface for anomaly detection algorithms.
type Detector interface {
	// Fit trains the detector on historical data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// Predict returns anomaly scores for the given samples.
	// Scores are normalized to [0, 1] where higher values indicate anomalies.
	Predict(data [][]float64) ([]float64, error)

	// PredictOne returns the anomaly score for a single sample.
	PredictOne(sample []float64) (float64, error)

	// Decide reports whether a score lies in the outlier region.
	Decide(score float64) bool

	// Threshold returns the score at which samples become anomalous.
	Threshold() float64

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// Config holds common configuration for detectors.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	// It places the decision threshold; it is not a hard cut on scores.
	Contamination float64
	// Trees is the ensemble size.
	Trees int
	// SampleRatio is the fraction of training rows drawn per tree.
	SampleRatio float64
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns the defaults used for transaction scoring.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.05,
		Trees:         150,
		SampleRatio:   0.8,
		RandomSeed:    42,
	}
}
