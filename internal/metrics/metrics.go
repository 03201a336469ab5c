package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Prefix = "isolator_"

type ReportOutcome string

const (
	ReportOutcomeSent    ReportOutcome = "sent"
	ReportOutcomeFailed  ReportOutcome = "failed"
	ReportOutcomeAborted ReportOutcome = "aborted"
)

type Metrics struct {
	registry         *prometheus.Registry
	reports          *prometheus.CounterVec
	stopTimeouts     *prometheus.CounterVec
	stopLatency      prometheus.Histogram
	recordsIngested  *prometheus.CounterVec
	activePartitions prometheus.Gauge
	bindAttempts     prometheus.Counter
}

// New registers the collectors on a fresh registry, served by Registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := newWith(reg)
	m.registry = reg
	return m
}

// NewWith registers the collectors on reg.
func NewWith(reg prometheus.Registerer) *Metrics { return newWith(reg) }

func newWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reports: f.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "reports_total",
			Help: "Number of lifecycle reports grouped by kind and outcome",
		}, []string{"kind", "outcome"}),
		stopTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "stop_confirmation_timeouts_total",
			Help: "Number of partitions closed without a confirmed consumption stop",
		}, []string{"kind"}),
		stopLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    Prefix + "stop_confirmation_seconds",
			Help:    "Time spent waiting for consumption to stop",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		recordsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: Prefix + "records_ingested_total",
			Help: "Number of records applied to local storage grouped by stream",
		}, []string{"stream"}),
		activePartitions: f.NewGauge(prometheus.GaugeOpts{
			Name: Prefix + "active_partitions",
			Help: "Number of partitions currently consuming",
		}),
		bindAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: Prefix + "bind_attempts_total",
			Help: "Number of control listener bind attempts",
		}),
	}
}

// Registry is nil unless the metrics were built with New.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordReport(kind string, outcome ReportOutcome) {
	m.reports.With(prometheus.Labels{"kind": kind, "outcome": string(outcome)}).Inc()
}

func (m *Metrics) RecordStopTimeout(kind string) {
	m.stopTimeouts.With(prometheus.Labels{"kind": kind}).Inc()
}

func (m *Metrics) ObserveStopLatency(d time.Duration) { m.stopLatency.Observe(d.Seconds()) }

func (m *Metrics) RecordIngested(stream string, n int) {
	m.recordsIngested.With(prometheus.Labels{"stream": stream}).Add(float64(n))
}

func (m *Metrics) PartitionStarted() { m.activePartitions.Inc() }
func (m *Metrics) PartitionStopped() { m.activePartitions.Dec() }

func (m *Metrics) RecordBindAttempt() { m.bindAttempts.Inc() }
