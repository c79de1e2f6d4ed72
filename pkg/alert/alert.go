// Package alert delivers fraud alerts and keeps a durable journal of every
// dispatch attempt.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hed1ad/txguard/pkg/metrics"
	"github.com/hed1ad/txguard/pkg/transaction"
)

// Outcome is the delivery result of one dispatch.
type Outcome string

const (
	Delivered     Outcome = "delivered"
	Failed        Outcome = "failed"
	NotConfigured Outcome = "not_configured"
)

// Config is the mail setup. Field names follow the JSON alert config file.
type Config struct {
	SenderEmail  string   `json:"sender_email" mapstructure:"sender_email"`
	SMTPServer   string   `json:"smtp_server" mapstructure:"smtp_server"`
	SMTPPort     int      `json:"smtp_port" mapstructure:"smtp_port"`
	Username     string   `json:"username" mapstructure:"username"`
	Password     string   `json:"password" mapstructure:"password"`
	Recipients   []string `json:"recipients" mapstructure:"recipients"`
	DashboardURL string   `json:"dashboard_url" mapstructure:"dashboard_url"`
}

// Configured reports whether mail delivery can be attempted.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.SenderEmail) != "" &&
		strings.TrimSpace(c.SMTPServer) != "" &&
		c.SMTPPort > 0 &&
		len(c.Recipients) > 0
}

// LoadConfig reads a JSON alert config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read alert config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse alert config %s: %w", path, err)
	}
	return cfg, nil
}

// Details is the detector's explanation for a flagged transaction.
type Details struct {
	Confidence float64
	Reasons    []string
}

// Record is one journal entry.
type Record struct {
	ID            uuid.UUID       `json:"id"`
	TransactionID int64           `json:"transaction_id"`
	OwnerID       int64           `json:"owner_id"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
	Confidence    float64         `json:"confidence"`
	Reasons       []string        `json:"reasons"`
	DispatchedAt  time.Time       `json:"dispatched_at"`
	Outcome       Outcome         `json:"outcome"`
}

// Result reports what happened to one dispatch.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	Journaled bool    `json:"journaled"`
	Record    Record  `json:"record"`
}

// Message is a rendered alert.
type Message struct {
	Subject string
	HTML    string
}

// Notifier delivers a rendered alert to its recipients.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Journal stores alert records.
type Journal interface {
	Append(ctx context.Context, r Record) error
	List(ctx context.Context) ([]Record, error)
}

// Dispatcher sends alerts and journals them.
type Dispatcher struct {
	cfg      Config
	notifier Notifier
	journal  Journal
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	timeout  time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNotifier replaces the SMTP notifier.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTimeout bounds each delivery attempt. The journal record is written
// after the attempt ends either way.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithClock overrides time.Now for DispatchedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher returns a dispatcher writing to journal. With an
// unconfigured cfg and no explicit notifier it runs in log-only mode.
func NewDispatcher(cfg Config, journal Journal, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		journal: journal,
		logger:  zap.NewNop(),
		now:     time.Now,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.notifier == nil && cfg.Configured() {
		d.notifier = NewSMTPNotifier(cfg).WithTimeout(d.timeout)
	}
	if d.metrics == nil {
		d.metrics = metrics.New(nil)
	}
	return d
}

// Mode is "smtp" when delivery is attempted, "log-only" otherwise.
func (d *Dispatcher) Mode() string {
	if d.notifier == nil {
		return "log-only"
	}
	return "smtp"
}

// Dispatch delivers an alert for tx and appends a journal record. Both are
// always attempted; their errors are combined. Delivery is bounded by the
// dispatcher timeout and by ctx. The record is appended even when ctx has
// been cancelled meanwhile.
func (d *Dispatcher) Dispatch(ctx context.Context, tx transaction.Transaction, details Details) (Result, error) {
	rec := Record{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		OwnerID:       tx.OwnerID,
		Amount:        tx.Amount,
		Timestamp:     tx.Timestamp,
		Confidence:    details.Confidence,
		Reasons:       details.Reasons,
		DispatchedAt:  d.now(),
	}

	var errs error
	switch {
	case d.notifier == nil:
		rec.Outcome = NotConfigured
		d.logger.Warn("alert system not configured, journaling only",
			zap.Int64("transaction_id", tx.ID))
	default:
		msg, err := Render(tx, details, d.cfg.DashboardURL)
		if err == nil {
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			err = d.notifier.Notify(sendCtx, msg)
			cancel()
		}
		if err != nil {
			rec.Outcome = Failed
			errs = multierr.Append(errs, fmt.Errorf("deliver alert: %w", err))
			d.logger.Error("failed to send alert",
				zap.Int64("transaction_id", tx.ID), zap.Error(err))
		} else {
			rec.Outcome = Delivered
			d.logger.Info("alert sent",
				zap.Int64("transaction_id", tx.ID),
				zap.Int("recipients", len(d.cfg.Recipients)))
		}
	}
	d.metrics.Alerts.WithLabelValues(string(rec.Outcome)).Inc()

	res := Result{Outcome: rec.Outcome, Record: rec}
	if d.journal == nil {
		errs = multierr.Append(errs, errors.New("no alert journal"))
		return res, errs
	}
	if err := d.journal.Append(context.WithoutCancel(ctx), rec); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("journal alert: %w", err))
		d.logger.Error("failed to journal alert",
			zap.Int64("transaction_id", tx.ID), zap.Error(err))
	} else {
		res.Journaled = true
	}
	return res, errs
}

// Records returns the journal contents.
func (d *Dispatcher) Records(ctx context.Context) ([]Record, error) {
	if d.journal == nil {
		return nil, nil
	}
	return d.journal.List(ctx)
}
