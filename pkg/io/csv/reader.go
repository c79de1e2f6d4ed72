// Package csv reads transactions from CSV files.
//
// Columns are owner_id, amount, timestamp, payment_method and an optional
// flagged. With a header row the columns may appear in any order.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hed1ad/txguard/pkg/features"
	"github.com/hed1ad/txguard/pkg/transaction"
)

// ErrMissingColumn is returned when a required header column is absent.
var ErrMissingColumn = errors.New("missing required column")

var required = []string{"owner_id", "amount", "timestamp", "payment_method"}

// Reader reads transactions from a CSV stream.
type Reader struct {
	closer    io.Closer
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	index     map[string]int
	skipped   atomic.Int64

	mu  sync.Mutex
	err error
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithComma sets the field delimiter.
func WithComma(c rune) Option {
	return func(r *Reader) {
		r.reader.Comma = c
	}
}

// NewReader opens filename.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := FromReader(file, opts...)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// FromReader reads from src.
func FromReader(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		reader:    csv.NewReader(src),
		hasHeader: true,
	}
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true

	for _, opt := range opts {
		opt(r)
	}

	r.index = map[string]int{"owner_id": 0, "amount": 1, "timestamp": 2, "payment_method": 3, "flagged": 4}
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		r.headers = headers
		r.index = make(map[string]int, len(headers))
		for i, h := range headers {
			r.index[strings.ToLower(strings.TrimSpace(h))] = i
		}
		for _, col := range required {
			if _, ok := r.index[col]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
			}
		}
	}
	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Skipped returns the number of malformed rows dropped so far.
func (r *Reader) Skipped() int {
	return int(r.skipped.Load())
}

// Err returns the read failure that ended Stream before EOF, if any. Check
// it once the stream channel is closed.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Read returns all parsable transactions. Malformed rows are skipped.
func (r *Reader) Read() ([]transaction.Transaction, error) {
	var out []transaction.Transaction
	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				r.skipped.Add(1)
				continue
			}
			return nil, err
		}

		tx, err := r.parseRow(record)
		if err != nil {
			r.skipped.Add(1)
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// Stream returns a channel of transactions, closed at EOF, on a read
// failure (see Err) or when ctx ends.
func (r *Reader) Stream(ctx context.Context) (<-chan transaction.Transaction, error) {
	out := make(chan transaction.Transaction, 100)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			record, err := r.reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				var pe *csv.ParseError
				if !errors.As(err, &pe) {
					r.mu.Lock()
					r.err = fmt.Errorf("read csv: %w", err)
					r.mu.Unlock()
					return
				}
				r.skipped.Add(1)
				continue
			}

			tx, err := r.parseRow(record)
			if err != nil {
				r.skipped.Add(1)
				continue
			}

			select {
			case out <- tx:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close releases the file opened by NewReader.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) field(record []string, name string) (string, bool) {
	i, ok := r.index[name]
	if !ok || i >= len(record) {
		return "", false
	}
	return strings.TrimSpace(record[i]), true
}

// parseRow converts one record into a transaction.
func (r *Reader) parseRow(record []string) (transaction.Transaction, error) {
	var tx transaction.Transaction
	vals := make(map[string]string, len(required))
	for _, col := range required {
		v, ok := r.field(record, col)
		if !ok || v == "" {
			return tx, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
		vals[col] = v
	}

	owner, err := strconv.ParseInt(vals["owner_id"], 10, 64)
	if err != nil || owner <= 0 {
		return tx, fmt.Errorf("%w: %q", transaction.ErrInvalidOwner, vals["owner_id"])
	}
	amount, err := transaction.ParseAmount(vals["amount"])
	if err != nil {
		return tx, err
	}
	ts, err := features.ParseTimestamp(vals["timestamp"])
	if err != nil {
		return tx, err
	}
	method, err := transaction.ParseMethod(vals["payment_method"])
	if err != nil {
		return tx, err
	}

	tx = transaction.Transaction{OwnerID: owner, Amount: amount, Timestamp: ts, Method: method}
	if v, ok := r.field(record, "flagged"); ok && v != "" {
		flagged, err := strconv.ParseBool(v)
		if err != nil {
			return transaction.Transaction{}, fmt.Errorf("invalid flagged value %q: %w", v, err)
		}
		tx.Flagged = flagged
	}
	return tx, nil
}
