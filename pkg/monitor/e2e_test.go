package monitor_test

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hed1ad/txguard/pkg/alert"
	"github.com/hed1ad/txguard/pkg/detectors"
	"github.com/hed1ad/txguard/pkg/features"
	"github.com/hed1ad/txguard/pkg/internal/testutil"
	"github.com/hed1ad/txguard/pkg/model"
	"github.com/hed1ad/txguard/pkg/monitor"
	"github.com/hed1ad/txguard/pkg/store"
	"github.com/hed1ad/txguard/pkg/transaction"
)

type tickClock struct{ ticks chan time.Time }

func (c tickClock) Now() time.Time                       { return time.Now() }
func (c tickClock) After(time.Duration) <-chan time.Time { return c.ticks }

func TestMonitorEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "txguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	for _, tx := range testutil.Transactions(200, 21) {
		tx.ID = 0
		_, err := db.Insert(ctx, tx)
		require.NoError(t, err)
	}

	cfg := model.DefaultConfig()
	cfg.Detector = detectors.Config{Contamination: 0.1, Trees: 100, SampleRatio: 0.8, RandomSeed: 21}
	mdl := model.New(cfg, model.WithHistory(db), model.WithLogger(logger))
	require.NoError(t, mdl.Retrain(ctx))

	journal := alert.NewFileJournal(filepath.Join(dir, "fraud_alerts.log"))
	disp := alert.NewDispatcher(alert.Config{}, journal, alert.WithLogger(logger))

	clk := tickClock{ticks: make(chan time.Time)}
	mon, err := monitor.New(db, mdl,
		monitor.WithDispatcher(disp),
		monitor.WithClock(clk),
		monitor.WithLogger(logger))
	require.NoError(t, err)

	feed := monitor.NewFeed(10)
	_, started := mon.Start(ctx, feed.Push)
	require.True(t, started)
	t.Cleanup(func() { mon.Stop() })

	// first cycle starts at the latest id; history rows are not rescanned
	require.Eventually(t, func() bool { return mon.Status().Cycles >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(200), mon.Status().Cursor)

	outlier, err := db.Insert(ctx, transaction.Transaction{
		OwnerID:   1,
		Amount:    decimal.RequireFromString("25000.00"),
		Timestamp: testutil.BaseTime.Add(10 * time.Minute),
		Method:    transaction.Transfer,
	})
	require.NoError(t, err)
	clk.ticks <- time.Now()

	require.Eventually(t, func() bool {
		got, err := db.Get(ctx, outlier.ID)
		return err == nil && got.Flagged
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		records, err := journal.List(ctx)
		return err == nil && len(records) == 1
	}, 5*time.Second, 10*time.Millisecond)

	records, err := journal.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, outlier.ID, records[0].TransactionID)
	assert.Equal(t, alert.NotConfigured, records[0].Outcome)
	assert.NotEmpty(t, records[0].Reasons)

	events := feed.Since(200)
	require.Len(t, events, 1)
	assert.True(t, events[0].Verdict.Anomalous)
	assert.True(t, events[0].Transaction.Flagged)

	st := mon.Stop()
	assert.Equal(t, monitor.Stopped, st.State)
	assert.Equal(t, outlier.ID, st.Cursor)
	assert.Equal(t, int64(1), st.Flagged)
}

type flagAll struct{}

func (flagAll) Classify(context.Context, features.Vector) (model.Verdict, error) {
	return model.Verdict{Anomalous: true, Score: 0.9, Threshold: 0.6, Confidence: 0.9, Reasons: []string{"test"}}, nil
}

// mutedMailServer accepts SMTP connections and never greets.
func mutedMailServer(t *testing.T) alert.Config {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	held := make(chan net.Conn, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			held <- c
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		for {
			select {
			case c := <-held:
				_ = c.Close()
			default:
				return
			}
		}
	})

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return alert.Config{
		SenderEmail: "alerts@example.com",
		SMTPServer:  host,
		SMTPPort:    p,
		Recipients:  []string{"ops@example.com"},
	}
}

func TestMonitorStopsWhileMailServerHangs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "txguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	tx, err := db.Insert(ctx, transaction.Transaction{
		OwnerID:   3,
		Amount:    decimal.RequireFromString("9000.00"),
		Timestamp: testutil.BaseTime,
		Method:    transaction.Transfer,
	})
	require.NoError(t, err)

	journal := alert.NewFileJournal(filepath.Join(dir, "fraud_alerts.log"))
	disp := alert.NewDispatcher(mutedMailServer(t), journal, alert.WithTimeout(time.Minute))
	require.Equal(t, "smtp", disp.Mode())

	mon, err := monitor.New(db, flagAll{},
		monitor.WithCursor(0),
		monitor.WithDispatcher(disp),
		monitor.WithClock(tickClock{ticks: make(chan time.Time)}),
		monitor.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	_, started := mon.Start(ctx, nil)
	require.True(t, started)
	require.Eventually(t, func() bool {
		got, err := db.Get(ctx, tx.ID)
		return err == nil && got.Flagged
	}, 5*time.Second, 10*time.Millisecond)

	stopped := make(chan monitor.Status, 1)
	go func() { stopped <- mon.Stop() }()
	select {
	case st := <-stopped:
		assert.Equal(t, monitor.Stopped, st.State)
		assert.Equal(t, tx.ID, st.Cursor)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on a mail server that never answers")
	}

	records, err := journal.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, tx.ID, records[0].TransactionID)
	assert.Equal(t, alert.Failed, records[0].Outcome)
}
