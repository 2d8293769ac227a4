// Package telemetry exposes engine measurements as Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"rewardkit/core"
)

// Collector implements engine.Recorder on a private registry.
type Collector struct {
	registry *prometheus.Registry

	ledgerAppends   *prometheus.CounterVec
	ledgerVolume    *prometheus.CounterVec
	grantResults    *prometheus.CounterVec
	grantTransition *prometheus.CounterVec
	questReveals    *prometheus.CounterVec
	evaluation      prometheus.Histogram
	sweepRuns       *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
}

// NewCollector creates a collector. An empty namespace defaults to "rewardkit".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "rewardkit"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.ledgerAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Ledger append attempts by outcome",
		},
		[]string{"outcome"},
	)
	c.ledgerVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "volume_ggg_total",
			Help:      "Absolute GGG moved by created entries, split by direction",
		},
		[]string{"direction"},
	)
	c.grantResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "badges",
			Name:      "grant_results_total",
			Help:      "Grant attempts by badge and result",
		},
		[]string{"badge", "result"},
	)
	c.grantTransition = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "badges",
			Name:      "transitions_total",
			Help:      "Grant lifecycle transitions by badge and target status",
		},
		[]string{"badge", "status"},
	)
	c.questReveals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quests",
			Name:      "reveals_total",
			Help:      "Quests revealed by quest id",
		},
		[]string{"quest"},
	)
	c.evaluation = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "badges",
			Name:      "evaluation_duration_seconds",
			Help:      "Time to build a snapshot and evaluate one badge",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
	)
	c.sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Scheduled evaluation sweeps by result",
		},
		[]string{"result"},
	)
	c.sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of a full evaluation sweep",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
	)

	c.registry.MustRegister(
		c.ledgerAppends,
		c.ledgerVolume,
		c.grantResults,
		c.grantTransition,
		c.questReveals,
		c.evaluation,
		c.sweepRuns,
		c.sweepDuration,
	)
	return c
}

// CollectSystem adds the Go runtime and process collectors.
func (c *Collector) CollectSystem() {
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// GaugeFunc registers a gauge sampled from fn at scrape time, e.g. dropped
// event counts.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (c *Collector) LedgerAppend(outcome string, delta decimal.Decimal) {
	c.ledgerAppends.WithLabelValues(outcome).Inc()
	if outcome != "created" {
		return
	}
	dir := "credit"
	if delta.IsNegative() {
		dir = "debit"
	}
	c.ledgerVolume.WithLabelValues(dir).Add(delta.Abs().InexactFloat64())
}

func (c *Collector) GrantResult(badge core.BadgeID, result core.GrantResult) {
	c.grantResults.WithLabelValues(string(badge), string(result)).Inc()
}

func (c *Collector) GrantTransition(badge core.BadgeID, to core.GrantStatus) {
	c.grantTransition.WithLabelValues(string(badge), string(to)).Inc()
}

func (c *Collector) QuestRevealed(quest core.QuestID) {
	c.questReveals.WithLabelValues(string(quest)).Inc()
}

func (c *Collector) Evaluation(d time.Duration) {
	c.evaluation.Observe(d.Seconds())
}

// SweepRun records one sweeper pass.
func (c *Collector) SweepRun(d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.sweepRuns.WithLabelValues(result).Inc()
	c.sweepDuration.Observe(d.Seconds())
}
