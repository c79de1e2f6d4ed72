// Package features derives the numeric feature vector scored by the
// anomaly model from a transaction's amount and timestamp.
package features

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hed1ad/txguard/pkg/transaction"
)

// Dimensions is the length of Vector.Slice.
const Dimensions = 4

// TimestampLayout is the wire format used for transaction timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

var (
	// ErrMalformedTimestamp is returned when a timestamp is missing or cannot be parsed.
	ErrMalformedTimestamp = errors.New("malformed timestamp")
	// ErrNonPositiveAmount is returned for amounts that should have been rejected upstream.
	ErrNonPositiveAmount = errors.New("non-positive amount")
)

// Vector is the feature vector for one transaction.
type Vector struct {
	Amount    float64
	LogAmount float64
	Hour      float64
	Weekday   float64
}

// Names returns the feature names in Slice order.
func Names() []string {
	return []string{"amount", "amount_log", "hour_of_day", "day_of_week"}
}

// Slice returns the vector as a row for the detector.
func (v Vector) Slice() []float64 {
	return []float64{v.Amount, v.LogAmount, v.Hour, v.Weekday}
}

// FromSlice is the inverse of Slice.
func FromSlice(row []float64) (Vector, error) {
	if len(row) != Dimensions {
		return Vector{}, fmt.Errorf("feature row has %d columns, want %d", len(row), Dimensions)
	}
	return Vector{Amount: row[0], LogAmount: row[1], Hour: row[2], Weekday: row[3]}, nil
}

// Extract computes the features for an amount and timestamp. Hour and
// weekday are read in the timestamp's own location; Monday is day 0.
func Extract(amount decimal.Decimal, ts time.Time) (Vector, error) {
	if ts.IsZero() {
		return Vector{}, ErrMalformedTimestamp
	}
	if !amount.IsPositive() {
		return Vector{}, fmt.Errorf("%w: %s", ErrNonPositiveAmount, amount)
	}

	a := amount.InexactFloat64()
	return Vector{
		Amount:    a,
		LogAmount: math.Log1p(a),
		Hour:      float64(ts.Hour()),
		Weekday:   float64((int(ts.Weekday()) + 6) % 7),
	}, nil
}

// FromTransaction extracts the features of a stored transaction.
func FromTransaction(tx transaction.Transaction) (Vector, error) {
	return Extract(tx.Amount, tx.Timestamp)
}

// ParseTimestamp accepts TimestampLayout in local time or RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := time.ParseInLocation(TimestampLayout, s, time.Local); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, s)
	}
	return ts, nil
}

// ExtractRaw parses string inputs and extracts their features.
func ExtractRaw(amount, timestamp string) (Vector, error) {
	ts, err := ParseTimestamp(timestamp)
	if err != nil {
		return Vector{}, err
	}
	a, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Vector{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return Extract(a, ts)
}
