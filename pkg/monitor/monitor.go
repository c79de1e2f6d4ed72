// Package monitor polls the transaction store for new rows, scores them and
// raises alerts for the anomalous ones.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/txguard/pkg/alert"
	"github.com/hed1ad/txguard/pkg/features"
	"github.com/hed1ad/txguard/pkg/metrics"
	"github.com/hed1ad/txguard/pkg/model"
	"github.com/hed1ad/txguard/pkg/transaction"
)

// Defaults.
const (
	DefaultInterval  = 60 * time.Second
	DefaultBatchSize = 500
)

// ErrInvalidInterval is returned by New for a non-positive interval.
var ErrInvalidInterval = errors.New("monitor interval must be positive")

// Source is the store the monitor reads from and flags into.
type Source interface {
	After(ctx context.Context, cursor int64, limit int) ([]transaction.Transaction, error)
	LatestID(ctx context.Context) (int64, error)
	SetFlagged(ctx context.Context, id int64, flagged bool) error
}

// Classifier scores one feature vector.
type Classifier interface {
	Classify(ctx context.Context, v features.Vector) (model.Verdict, error)
}

// Dispatcher raises an alert for a flagged transaction.
type Dispatcher interface {
	Dispatch(ctx context.Context, tx transaction.Transaction, d alert.Details) (alert.Result, error)
}

// Clock abstracts waiting between cycles.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Event is delivered to the callback once per evaluated transaction.
// Scored is false when the row was already flagged and was skipped.
type Event struct {
	Transaction transaction.Transaction `json:"transaction"`
	Scored      bool                    `json:"scored"`
	Verdict     model.Verdict           `json:"verdict"`
	Alert       *alert.Result           `json:"alert,omitempty"`
	SeenAt      time.Time               `json:"seen_at"`
}

// Callback observes evaluated transactions.
type Callback func(Event)

// Report summarizes one poll cycle.
type Report struct {
	Fetched int
	Scored  int
	Flagged int
	Alerts  int
	Cursor  int64
}

// Monitor is the polling controller. It is safe for concurrent use.
type Monitor struct {
	source     Source
	classifier Classifier
	dispatcher Dispatcher
	clock      Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics
	interval   time.Duration
	batchSize  int
	bestEffort bool

	// pollMu serializes cycles between the loop and direct Poll calls.
	pollMu sync.Mutex

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	callback  Callback
	cursor    int64
	cursorSet bool
	stats     stats
}

type stats struct {
	cycles        int64
	scanned       int64
	skipped       int64
	flagged       int64
	alerts        int64
	alertFailures int64
	lastErr       string
	lastCycle     time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the wait between cycles.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithBatchSize caps the rows fetched per query.
func WithBatchSize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithCursor fixes the starting cursor instead of the store's latest id.
func WithCursor(id int64) Option {
	return func(m *Monitor) { m.cursor, m.cursorSet = id, true }
}

// WithDispatcher sets the alert dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Monitor) { m.dispatcher = d }
}

// WithBestEffortAlerts dispatches alerts even when persisting the flag failed.
func WithBestEffortAlerts() Option {
	return func(m *Monitor) { m.bestEffort = true }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// New returns an idle monitor.
func New(source Source, classifier Classifier, opts ...Option) (*Monitor, error) {
	if source == nil || classifier == nil {
		return nil, errors.New("monitor needs a source and a classifier")
	}
	m := &Monitor{
		source:     source,
		classifier: classifier,
		clock:      realClock{},
		logger:     zap.NewNop(),
		interval:   DefaultInterval,
		batchSize:  DefaultBatchSize,
		state:      Idle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, m.interval)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	return m, nil
}

// Start launches the polling loop. It returns the status and whether a new
// loop was started; calling it while running is a no-op. The loop lives
// until Stop or until ctx is done, so callers should pass a long-lived
// context.
func (m *Monitor) Start(ctx context.Context, cb Callback) (Status, bool) {
	m.mu.Lock()
	if m.state == Running {
		st := m.statusLocked()
		m.mu.Unlock()
		return st, false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.state = Running
	m.cancel = cancel
	m.done = make(chan struct{})
	m.callback = cb
	done := m.done
	st := m.statusLocked()
	m.mu.Unlock()

	m.metrics.MonitorRunning.Set(1)
	m.logger.Info("monitor started", zap.Duration("interval", m.interval))
	go m.run(loopCtx, done)
	return st, true
}

// Stop cancels the loop and waits for the current cycle to finish.
func (m *Monitor) Stop() Status {
	m.mu.Lock()
	if m.state != Running {
		st := m.statusLocked()
		m.mu.Unlock()
		return st
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	return m.Status()
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Running
}

// ResetCursor moves the cursor. Rows at or below id are not revisited;
// rows above it are evaluated again, flagged ones without rescoring.
func (m *Monitor) ResetCursor(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor, m.cursorSet = id, true
	m.metrics.Cursor.Set(float64(id))
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.state = Stopped
		m.cancel = nil
		m.mu.Unlock()
		m.metrics.MonitorRunning.Set(0)
		m.logger.Info("monitor stopped")
		close(done)
	}()

	for !m.initCursor(ctx) {
		if !m.wait(ctx) {
			return
		}
	}
	for {
		m.safePoll(ctx)
		if !m.wait(ctx) {
			return
		}
	}
}

// wait blocks for one interval and reports whether the loop should continue.
func (m *Monitor) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(m.interval):
		return ctx.Err() == nil
	}
}

func (m *Monitor) initCursor(ctx context.Context) bool {
	m.mu.Lock()
	set := m.cursorSet
	m.mu.Unlock()
	if set {
		return true
	}

	id, err := m.source.LatestID(ctx)
	if err != nil {
		m.metrics.ScanErrors.WithLabelValues("fetch").Inc()
		m.logger.Error("failed to read latest transaction id", zap.Error(err))
		m.recordError(err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cursorSet {
		m.cursor, m.cursorSet = id, true
		m.metrics.Cursor.Set(float64(id))
	}
	return true
}

func (m *Monitor) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
			m.recordError(fmt.Errorf("panic: %v", r))
		}
	}()
	if _, err := m.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("monitor cycle failed", zap.Error(err))
	}
}

// Poll runs one cycle: every row above the cursor is evaluated in ascending
// id order. A fetch failure leaves the cursor where it was. Cancelling ctx
// stops draining further pages; rows already fetched are still scored and
// flagged, but alert delivery observes ctx so a stop is not held up by a
// slow mail server.
func (m *Monitor) Poll(ctx context.Context) (Report, error) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	defer metrics.ObserveSince(m.metrics.PollDuration, time.Now())

	m.mu.Lock()
	cursor := m.cursor
	cb := m.callback
	m.mu.Unlock()

	work := context.WithoutCancel(ctx)
	rep := Report{Cursor: cursor}
	var cycleErr error
	for {
		if err := ctx.Err(); err != nil {
			cycleErr = err
			break
		}
		batch, err := m.source.After(work, rep.Cursor, m.batchSize)
		if err != nil {
			m.metrics.ScanErrors.WithLabelValues("fetch").Inc()
			m.logger.Error("failed to fetch transactions", zap.Int64("cursor", rep.Cursor), zap.Error(err))
			cycleErr = fmt.Errorf("fetch transactions after %d: %w", rep.Cursor, err)
			break
		}
		for _, tx := range batch {
			ev := m.evaluate(ctx, work, tx)
			rep.Fetched++
			if ev.Scored {
				rep.Scored++
			}
			if ev.Verdict.Anomalous {
				rep.Flagged++
			}
			if ev.Alert != nil {
				rep.Alerts++
			}
			m.notify(cb, ev)
			if tx.ID > rep.Cursor {
				rep.Cursor = tx.ID
			}
			m.advance(rep.Cursor, ev)
		}
		if len(batch) < m.batchSize {
			break
		}
	}

	m.mu.Lock()
	m.stats.cycles++
	m.stats.lastCycle = m.clock.Now()
	if cycleErr != nil && !errors.Is(cycleErr, context.Canceled) {
		m.stats.lastErr = cycleErr.Error()
	}
	m.mu.Unlock()

	if rep.Fetched > 0 {
		m.logger.Debug("monitor cycle complete",
			zap.Int("fetched", rep.Fetched),
			zap.Int("flagged", rep.Flagged),
			zap.Int64("cursor", rep.Cursor))
	}
	return rep, cycleErr
}

// evaluate scores one row and handles flagging and alerting. Scoring and
// the flag write run under work; dispatch runs under ctx. Panics are
// contained to the row so the cursor still moves past it.
func (m *Monitor) evaluate(ctx, work context.Context, tx transaction.Transaction) (ev Event) {
	ev = Event{Transaction: tx, SeenAt: m.clock.Now()}
	defer func() {
		if r := recover(); r != nil {
			m.metrics.ScanErrors.WithLabelValues("panic").Inc()
			m.logger.Error("panic while evaluating transaction",
				zap.Int64("transaction_id", tx.ID), zap.Any("panic", r))
			ev.Verdict = model.Verdict{}
		}
	}()

	if tx.Flagged {
		return ev
	}
	ev.Scored = true
	m.metrics.Scanned.Inc()

	v, err := features.FromTransaction(tx)
	if err != nil {
		m.metrics.ScanErrors.WithLabelValues("extract").Inc()
		m.logger.Warn("failed to extract features",
			zap.Int64("transaction_id", tx.ID), zap.Error(err))
		return ev
	}
	verdict, err := m.classifier.Classify(work, v)
	if err != nil {
		m.metrics.ScanErrors.WithLabelValues("classify").Inc()
		m.logger.Warn("failed to classify transaction, treating as normal",
			zap.Int64("transaction_id", tx.ID), zap.Error(err))
		return ev
	}
	ev.Verdict = verdict
	if !verdict.Anomalous {
		return ev
	}

	m.metrics.Flagged.Inc()
	persisted := true
	if err := m.source.SetFlagged(work, tx.ID, true); err != nil {
		persisted = false
		m.metrics.ScanErrors.WithLabelValues("flag").Inc()
		m.logger.Error("failed to persist flag",
			zap.Int64("transaction_id", tx.ID), zap.Error(err))
	} else {
		ev.Transaction.Flagged = true
	}
	m.logger.Info("transaction flagged",
		zap.Int64("transaction_id", tx.ID),
		zap.Int64("owner_id", tx.OwnerID),
		zap.String("amount", tx.Amount.StringFixed(2)),
		zap.Float64("score", verdict.Score))

	if m.dispatcher == nil || (!persisted && !m.bestEffort) {
		return ev
	}
	flagged := ev.Transaction
	flagged.Flagged = true
	res, err := m.dispatcher.Dispatch(ctx, flagged, alert.Details{
		Confidence: verdict.Confidence,
		Reasons:    verdict.Reasons,
	})
	if err != nil {
		m.metrics.ScanErrors.WithLabelValues("alert").Inc()
		m.logger.Error("alert dispatch failed",
			zap.Int64("transaction_id", tx.ID), zap.Error(err))
	}
	ev.Alert = &res
	return ev
}

func (m *Monitor) notify(cb Callback, ev Event) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor callback panicked",
				zap.Int64("transaction_id", ev.Transaction.ID), zap.Any("panic", r))
		}
	}()
	cb(ev)
}

func (m *Monitor) advance(cursor int64, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cursor > m.cursor {
		m.cursor = cursor
	}
	if ev.Scored {
		m.stats.scanned++
	} else {
		m.stats.skipped++
	}
	if ev.Verdict.Anomalous {
		m.stats.flagged++
	}
	if ev.Alert != nil {
		if ev.Alert.Outcome == alert.Failed {
			m.stats.alertFailures++
		} else {
			m.stats.alerts++
		}
	}
	m.metrics.Cursor.Set(float64(m.cursor))
}

func (m *Monitor) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.lastErr = err.Error()
}
