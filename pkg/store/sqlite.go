// Package store is the SQLite-backed transaction store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hed1ad/txguard/pkg/transaction"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrNotFound is returned when a transaction id does not exist.
var ErrNotFound = errors.New("transaction not found")

// SQLiteStore stores transactions in a single SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock sets the clock used to timestamp inserts without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const columns = `id, owner_id, amount, occurred_at, payment_method, flagged`

// Insert stores tx and returns it with its generated id. A zero timestamp is
// replaced by the store clock.
func (s *SQLiteStore) Insert(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error) {
	if tx.Timestamp.IsZero() {
		tx.Timestamp = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (owner_id, amount, occurred_at, payment_method, flagged)
		VALUES (?, ?, ?, ?, ?)`,
		tx.OwnerID, tx.Amount.StringFixed(2), tx.Timestamp.UnixNano(), string(tx.Method), tx.Flagged,
	)
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("failed to read transaction id: %w", err)
	}
	tx.ID = id
	tx.Timestamp = time.Unix(0, tx.Timestamp.UnixNano())
	return tx, nil
}

// Get returns one transaction by id.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (transaction.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return transaction.Transaction{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return tx, err
}

// ByOwner returns an owner's transactions, newest first. limit <= 0 means all.
func (s *SQLiteStore) ByOwner(ctx context.Context, owner int64, limit int) ([]transaction.Transaction, error) {
	query := `SELECT ` + columns + ` FROM transactions WHERE owner_id = ? ORDER BY occurred_at DESC, id DESC`
	args := []any{owner}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// After returns up to limit transactions with id > cursor in ascending id
// order. limit <= 0 means all.
func (s *SQLiteStore) After(ctx context.Context, cursor int64, limit int) ([]transaction.Transaction, error) {
	query := `SELECT ` + columns + ` FROM transactions WHERE id > ? ORDER BY id ASC`
	args := []any{cursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// Latest returns the transaction with the highest id.
func (s *SQLiteStore) Latest(ctx context.Context) (transaction.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM transactions ORDER BY id DESC LIMIT 1`)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return transaction.Transaction{}, ErrNotFound
	}
	return tx, err
}

// LatestID returns the highest id, 0 for an empty store.
func (s *SQLiteStore) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM transactions`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read latest id: %w", err)
	}
	return id.Int64, nil
}

// SetFlagged updates the flagged attribute of one transaction.
func (s *SQLiteStore) SetFlagged(ctx context.Context, id int64, flagged bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE transactions SET flagged = ? WHERE id = ?`, flagged, id)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// RecentByOwnerMethod returns an owner's transactions with method at or after since.
func (s *SQLiteStore) RecentByOwnerMethod(ctx context.Context, owner int64, method transaction.PaymentMethod, since time.Time) ([]transaction.Transaction, error) {
	return s.query(ctx, `
		SELECT `+columns+` FROM transactions
		WHERE owner_id = ? AND payment_method = ? AND occurred_at >= ?
		ORDER BY occurred_at DESC`,
		owner, string(method), since.UnixNano())
}

// History returns every stored transaction in id order, for model training.
func (s *SQLiteStore) History(ctx context.Context) ([]transaction.Transaction, error) {
	return s.After(ctx, 0, 0)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]transaction.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []transaction.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (transaction.Transaction, error) {
	var (
		tx      transaction.Transaction
		amount  string
		nanos   int64
		method  string
		flagged bool
	)
	if err := row.Scan(&tx.ID, &tx.OwnerID, &amount, &nanos, &method, &flagged); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return tx, fmt.Errorf("transaction %d has invalid amount %q: %w", tx.ID, amount, err)
	}
	tx.Amount = d
	tx.Timestamp = time.Unix(0, nanos)
	tx.Method = transaction.PaymentMethod(method)
	tx.Flagged = flagged
	return tx, nil
}
