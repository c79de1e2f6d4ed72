// Package preprocess provides feature scaling for the detectors.
package preprocess

import (
	"errors"
	"fmt"
	"math"
)

// ErrNotFitted is returned by Transform before Fit.
var ErrNotFitted = errors.New("scaler not fitted")

// Params is the fitted state of a StandardScaler.
type Params struct {
	Mean  []float64
	Scale []float64
}

// StandardScaler centres each column on its mean and divides by its
// population standard deviation. Constant columns are scaled by 1.
type StandardScaler struct {
	mean  []float64
	scale []float64
}

// NewStandardScaler returns an unfitted scaler.
func NewStandardScaler() *StandardScaler {
	return &StandardScaler{}
}

// FromParams restores a fitted scaler.
func FromParams(p Params) (*StandardScaler, error) {
	if len(p.Mean) == 0 || len(p.Mean) != len(p.Scale) {
		return nil, fmt.Errorf("scaler params: %d means, %d scales", len(p.Mean), len(p.Scale))
	}
	s := &StandardScaler{
		mean:  append([]float64(nil), p.Mean...),
		scale: append([]float64(nil), p.Scale...),
	}
	return s, nil
}

// Fit computes column means and deviations.
func (s *StandardScaler) Fit(data [][]float64) error {
	if len(data) == 0 {
		return errors.New("empty data")
	}
	cols := len(data[0])
	mean := make([]float64, cols)
	for _, row := range data {
		if len(row) != cols {
			return fmt.Errorf("ragged row: %d columns, want %d", len(row), cols)
		}
		for j, x := range row {
			mean[j] += x
		}
	}
	n := float64(len(data))
	for j := range mean {
		mean[j] /= n
	}

	scale := make([]float64, cols)
	for _, row := range data {
		for j, x := range row {
			d := x - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}

	s.mean, s.scale = mean, scale
	return nil
}

// Transform scales a batch of rows.
func (s *StandardScaler) Transform(data [][]float64) ([][]float64, error) {
	out := make([][]float64, len(data))
	for i, row := range data {
		scaled, err := s.TransformOne(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}

// TransformOne scales a single row.
func (s *StandardScaler) TransformOne(row []float64) ([]float64, error) {
	if s.mean == nil {
		return nil, ErrNotFitted
	}
	if len(row) != len(s.mean) {
		return nil, fmt.Errorf("row has %d columns, scaler fitted on %d", len(row), len(s.mean))
	}
	out := make([]float64, len(row))
	for j, x := range row {
		out[j] = (x - s.mean[j]) / s.scale[j]
	}
	return out, nil
}

// FitTransform fits the scaler and scales data in one step.
func (s *StandardScaler) FitTransform(data [][]float64) ([][]float64, error) {
	if err := s.Fit(data); err != nil {
		return nil, err
	}
	return s.Transform(data)
}

// Dimensions returns the number of fitted columns, 0 before Fit.
func (s *StandardScaler) Dimensions() int {
	return len(s.mean)
}

// Params returns a copy of the fitted state.
func (s *StandardScaler) Params() Params {
	return Params{
		Mean:  append([]float64(nil), s.mean...),
		Scale: append([]float64(nil), s.scale...),
	}
}
