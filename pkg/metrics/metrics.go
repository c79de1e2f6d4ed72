// Package metrics holds the Prometheus collectors for admission, scoring,
// monitoring and alerting.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "txguard"

// Metrics groups every collector the service exports.
type Metrics struct {
	Admissions      *prometheus.CounterVec
	Scanned         prometheus.Counter
	Flagged         prometheus.Counter
	ScanErrors      *prometheus.CounterVec
	Alerts          *prometheus.CounterVec
	Trainings       *prometheus.CounterVec
	Cursor          prometheus.Gauge
	MonitorRunning  prometheus.Gauge
	PollDuration    prometheus.Histogram
	ClassifyLatency prometheus.Histogram
}

// New registers the collectors with reg. A nil reg gets a private registry,
// which keeps tests and multiple instances from colliding.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "admissions_total",
			Help:      "Admission decisions by result",
		}, []string{"result"}),
		Scanned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "transactions_scanned_total",
			Help:      "Transactions evaluated by the monitor loop",
		}),
		Flagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "transactions_flagged_total",
			Help:      "Transactions flagged as anomalous",
		}),
		ScanErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "errors_total",
			Help:      "Monitor failures by stage",
		}, []string{"stage"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "dispatched_total",
			Help:      "Alert dispatches by outcome",
		}, []string{"outcome"}),
		Trainings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "trainings_total",
			Help:      "Model training attempts by result",
		}, []string{"result"}),
		Cursor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cursor",
			Help:      "Highest transaction id evaluated",
		}),
		MonitorRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "running",
			Help:      "1 while the monitor loop is running",
		}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "poll_duration_seconds",
			Help:      "Duration of one poll cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		ClassifyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "classify_duration_seconds",
			Help:      "Duration of a single classification",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
	}
}

// ObserveSince records the time elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
