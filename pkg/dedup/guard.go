// Package dedup rejects near-identical resubmissions of a transaction.
//
// The rule is a heuristic against double submission, not an idempotency
// key: two genuinely distinct transactions of almost the same amount inside
// the window are rejected too.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hed1ad/txguard/pkg/metrics"
	"github.com/hed1ad/txguard/pkg/transaction"
)

// Defaults lifted from the transaction endpoint.
var (
	DefaultTolerance = decimal.RequireFromString("0.05")
	DefaultWindow    = 60 * time.Second
)

// Config is the duplicate policy.
type Config struct {
	// Tolerance is the exclusive bound on the amount difference.
	Tolerance decimal.Decimal
	// Window is the exclusive bound on the age of the earlier transaction.
	Window time.Duration
}

// DefaultConfig returns the 0.05 / 60s policy.
func DefaultConfig() Config {
	return Config{Tolerance: DefaultTolerance, Window: DefaultWindow}
}

// Lookup finds recent transactions for an owner and payment method.
type Lookup interface {
	RecentByOwnerMethod(ctx context.Context, owner int64, method transaction.PaymentMethod, since time.Time) ([]transaction.Transaction, error)
}

// Inserter stores an admitted transaction.
type Inserter interface {
	Insert(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error)
}

// Decision is the outcome of an admission check.
type Decision struct {
	Accepted bool
	Reason   string
	// Age is the time since the conflicting transaction, zero when accepted.
	Age      time.Duration
	Conflict *transaction.Transaction
}

// Guard applies the duplicate policy.
type Guard struct {
	cfg     Config
	lookup  Lookup
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	// mu makes Record's check-then-insert atomic.
	mu sync.Mutex
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// New returns a guard reading recent transactions from lookup. Zero config
// fields take the defaults.
func New(cfg Config, lookup Lookup, opts ...Option) *Guard {
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	g := &Guard{
		cfg:    cfg,
		lookup: lookup,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = metrics.New(nil)
	}
	return g
}

// Admit checks c against recent transactions of the same owner and method.
func (g *Guard) Admit(ctx context.Context, c transaction.Candidate) (Decision, error) {
	now := g.now()
	recent, err := g.lookup.RecentByOwnerMethod(ctx, c.OwnerID, c.Method, now.Add(-g.cfg.Window))
	if err != nil {
		return Decision{}, fmt.Errorf("lookup recent transactions: %w", err)
	}

	var conflict *transaction.Transaction
	for i := range recent {
		tx := recent[i]
		if now.Sub(tx.Timestamp) >= g.cfg.Window {
			continue
		}
		if tx.Amount.Sub(c.Amount).Abs().GreaterThanOrEqual(g.cfg.Tolerance) {
			continue
		}
		if conflict == nil || tx.Timestamp.After(conflict.Timestamp) {
			conflict = &tx
		}
	}

	if conflict == nil {
		g.metrics.Admissions.WithLabelValues("accepted").Inc()
		return Decision{Accepted: true}, nil
	}

	age := now.Sub(conflict.Timestamp)
	if age < 0 {
		age = 0
	}
	g.metrics.Admissions.WithLabelValues("duplicate").Inc()
	g.logger.Info("duplicate submission rejected",
		zap.Int64("owner_id", c.OwnerID),
		zap.String("amount", c.Amount.StringFixed(2)),
		zap.Int64("conflict_id", conflict.ID),
		zap.Duration("age", age))

	return Decision{
		Reason:   fmt.Sprintf("similar transaction recorded %.1f seconds ago", age.Seconds()),
		Age:      age,
		Conflict: conflict,
	}, nil
}

// Record validates and admits c, then inserts it with the admission time
// as its timestamp. Rejections return the decision and no error.
func (g *Guard) Record(ctx context.Context, c transaction.Candidate, store Inserter) (transaction.Transaction, Decision, error) {
	if err := c.Validate(); err != nil {
		g.metrics.Admissions.WithLabelValues("invalid").Inc()
		return transaction.Transaction{}, Decision{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	d, err := g.Admit(ctx, c)
	if err != nil || !d.Accepted {
		return transaction.Transaction{}, d, err
	}

	tx, err := store.Insert(ctx, transaction.Transaction{
		OwnerID:   c.OwnerID,
		Amount:    c.Amount,
		Timestamp: g.now(),
		Method:    c.Method,
	})
	if err != nil {
		return transaction.Transaction{}, d, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, d, nil
}
