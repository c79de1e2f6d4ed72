package alert

import (
	"context"
	"errors"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hed1ad/txguard/pkg/metrics"
	"github.com/hed1ad/txguard/pkg/transaction"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

type failingJournal struct{}

func (failingJournal) Append(context.Context, Record) error  { return errors.New("disk full") }
func (failingJournal) List(context.Context) ([]Record, error) { return nil, nil }

func flaggedTx() transaction.Transaction {
	return transaction.Transaction{
		ID:        42,
		OwnerID:   7,
		Amount:    decimal.RequireFromString("9999.5"),
		Timestamp: time.Date(2024, 3, 6, 3, 15, 0, 0, time.Local),
		Method:    transaction.Transfer,
		Flagged:   true,
	}
}

func details() Details {
	return Details{Confidence: 0.873, Reasons: []string{"unusual amount", "<script>"}}
}

func configured() Config {
	return Config{
		SenderEmail:  "alerts@example.com",
		SMTPServer:   "smtp.example.com",
		SMTPPort:     587,
		Username:     "alerts",
		Password:     "secret",
		Recipients:   []string{"ops@example.com", "risk@example.com"},
		DashboardURL: "https://dash.example.com",
	}
}

func TestConfigured(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   bool
	}{
		{name: "complete", mutate: func(*Config) {}, want: true},
		{name: "missing sender", mutate: func(c *Config) { c.SenderEmail = "" }},
		{name: "missing server", mutate: func(c *Config) { c.SMTPServer = " " }},
		{name: "missing port", mutate: func(c *Config) { c.SMTPPort = 0 }},
		{name: "no recipients", mutate: func(c *Config) { c.Recipients = nil }},
		{name: "no credentials", mutate: func(c *Config) { c.Username, c.Password = "", "" }, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := configured()
			tt.mutate(&cfg)
			assert.Equal(t, tt.want, cfg.Configured())
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "email_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"sender_email": "a@example.com",
		"smtp_server": "smtp.example.com",
		"smtp_port": 25,
		"recipients": ["b@example.com"]
	}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Configured())
	assert.Equal(t, 25, cfg.SMTPPort)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDispatchLogOnly(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	journal := NewFileJournal(filepath.Join(t.TempDir(), "fraud_alerts.log"))
	m := metrics.New(prometheus.NewRegistry())
	d := NewDispatcher(Config{}, journal, WithLogger(zap.New(core)), WithMetrics(m))
	assert.Equal(t, "log-only", d.Mode())

	res, err := d.Dispatch(context.Background(), flaggedTx(), details())
	require.NoError(t, err)
	assert.Equal(t, NotConfigured, res.Outcome)
	assert.True(t, res.Journaled)
	assert.Equal(t, 1, logs.FilterMessage("alert system not configured, journaling only").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Alerts.WithLabelValues("not_configured")))

	records, err := d.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, int64(42), r.TransactionID)
	assert.Equal(t, int64(7), r.OwnerID)
	assert.True(t, r.Amount.Equal(decimal.RequireFromString("9999.50")))
	assert.InDelta(t, 0.873, r.Confidence, 1e-9)
	assert.Equal(t, details().Reasons, r.Reasons)
	assert.Equal(t, NotConfigured, r.Outcome)
}

func TestDispatchDelivered(t *testing.T) {
	notifier := &fakeNotifier{}
	journal := NewFileJournal(filepath.Join(t.TempDir(), "alerts.log"))
	d := NewDispatcher(configured(), journal, WithNotifier(notifier))
	assert.Equal(t, "smtp", d.Mode())

	res, err := d.Dispatch(context.Background(), flaggedTx(), details())
	require.NoError(t, err)
	assert.Equal(t, Delivered, res.Outcome)
	assert.True(t, res.Journaled)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "FRAUD ALERT: transaction #42 - $9999.50", notifier.sent[0].Subject)
}

func TestDispatchDeliveryFailureStillJournals(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("connection refused")}
	journal := NewFileJournal(filepath.Join(t.TempDir(), "alerts.log"))
	d := NewDispatcher(configured(), journal, WithNotifier(notifier))

	res, err := d.Dispatch(context.Background(), flaggedTx(), details())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, res.Journaled)

	records, err := journal.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, Failed, records[0].Outcome)
}

func TestDispatchCombinesErrors(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("connection refused")}
	d := NewDispatcher(configured(), failingJournal{}, WithNotifier(notifier))

	res, err := d.Dispatch(context.Background(), flaggedTx(), details())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, res.Journaled)
}

func TestRenderEscapesReasons(t *testing.T) {
	msg, err := Render(flaggedTx(), details(), "")
	require.NoError(t, err)

	assert.Contains(t, msg.HTML, "<p><strong>Amount:</strong> $9999.50</p>")
	assert.Contains(t, msg.HTML, "2024-03-06 03:15:00")
	assert.Contains(t, msg.HTML, "87.3%")
	assert.Contains(t, msg.HTML, `href="#"`)
	assert.Contains(t, msg.HTML, "&lt;script&gt;")
	assert.NotContains(t, msg.HTML, "<script>")
}

func TestSMTPNotifierSendsPerRecipient(t *testing.T) {
	type call struct {
		addr string
		from string
		to   []string
		msg  string
	}
	var calls []call
	n := NewSMTPNotifier(configured()).WithSender(func(_ context.Context, addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		calls = append(calls, call{addr: addr, from: from, to: to, msg: string(msg)})
		if to[0] == "ops@example.com" {
			return errors.New("mailbox unavailable")
		}
		return nil
	})

	err := n.Notify(context.Background(), Message{Subject: "FRAUD ALERT", HTML: "<p>x</p>"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ops@example.com")

	require.Len(t, calls, 2, "a failed recipient must not stop the rest")
	assert.Equal(t, "smtp.example.com:587", calls[1].addr)
	assert.Equal(t, "alerts@example.com", calls[1].from)
	assert.Equal(t, []string{"risk@example.com"}, calls[1].to)
	assert.True(t, strings.HasPrefix(calls[1].msg, "From: alerts@example.com\r\nTo: risk@example.com\r\n"))
	assert.Contains(t, calls[1].msg, "Content-Type: text/html")
}

func TestJournalSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.log")
	j := NewFileJournal(path)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, Record{TransactionID: 1, Outcome: Delivered}))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, j.Append(ctx, Record{TransactionID: 2, Outcome: Failed}))

	records, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].TransactionID)
	assert.Equal(t, int64(2), records[1].TransactionID)
}

func TestJournalListMissingFile(t *testing.T) {
	records, err := NewFileJournal(filepath.Join(t.TempDir(), "none.log")).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestJournalConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alerts.log")
	j := NewFileJournal(path)
	assert.Equal(t, path, j.Path())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, j.Append(ctx, Record{TransactionID: id, Reasons: []string{"r"}}))
		}(int64(i))
	}
	wg.Wait()

	records, err := j.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 50)
}
