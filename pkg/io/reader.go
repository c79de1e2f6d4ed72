// Package io provides transaction import and scoring output.
package io

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hed1ad/txguard/pkg/transaction"
)

// Reader is a source of transactions.
type Reader interface {
	// Read returns every parsable transaction.
	Read() ([]transaction.Transaction, error)

	// Stream yields transactions as they are parsed.
	Stream(ctx context.Context) (<-chan transaction.Transaction, error)

	// Skipped returns how many malformed rows were dropped so far.
	Skipped() int

	// Err returns the failure that ended Stream early, or nil.
	Err() error

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing scoring results.
type Writer interface {
	Write(result Result) error
	WriteAll(results []Result) error
	Close() error
}

// Result is the verdict for one scored transaction.
type Result struct {
	TransactionID int64           `json:"transaction_id,omitempty"`
	OwnerID       int64           `json:"owner_id"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
	Score         float64         `json:"score"`
	Threshold     float64         `json:"threshold"`
	IsAnomaly     bool            `json:"is_anomaly"`
	Confidence    float64         `json:"confidence"`
	Reasons       []string        `json:"reasons,omitempty"`
}

// JSONWriter writes results as JSON lines.
type JSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

// NewJSONWriter writes to w. If w is an io.Closer, Close closes it.
func NewJSONWriter(w io.Writer) *JSONWriter {
	jw := &JSONWriter{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		jw.c = c
	}
	return jw
}

// Write outputs one result.
func (w *JSONWriter) Write(r Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// WriteAll outputs results in order.
func (w *JSONWriter) WriteAll(results []Result) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying writer when it is closable.
func (w *JSONWriter) Close() error {
	if w.c != nil {
		return w.c.Close()
	}
	return nil
}
