package perf

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of one engine. A nil *Metrics
// records nothing.
type Metrics struct {
	submissionLatency  *prometheus.HistogramVec
	submissionOutcomes *prometheus.CounterVec
	poolRemaining      *prometheus.GaugeVec
	refills            *prometheus.CounterVec
	signed             *prometheus.CounterVec
	nonceResyncs       *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Registering twice with the
// same registerer panics, so each engine brings its own.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submissionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txaccel_submission_latency_seconds",
			Help:    "Latency of each submission attempt",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}, []string{"chainID"}),
		submissionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "txaccel_submission_outcomes_total",
			Help: "Submission attempts by outcome",
		}, []string{"chainID", "outcome"}),
		poolRemaining: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txaccel_pool_remaining",
			Help: "Pre-signed transactions left in the pool",
		}, []string{"chainID"}),
		refills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "txaccel_pool_refills_total",
			Help: "Completed refill batches by result",
		}, []string{"chainID", "result"}),
		signed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "txaccel_pool_signed_total",
			Help: "Transactions signed and appended to the pool",
		}, []string{"chainID"}),
		nonceResyncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "txaccel_nonce_resyncs_total",
			Help: "Nonce resyncs triggered by conflicts or fee rejections",
		}, []string{"chainID"}),
	}
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

// CountOutcome records a submission attempt outcome, "ok", "reverted" or
// an error kind name, along with its latency.
func (m *Metrics) CountOutcome(chainID uint64, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	label := chainLabel(chainID)
	m.submissionOutcomes.WithLabelValues(label, outcome).Inc()
	m.submissionLatency.WithLabelValues(label).Observe(latency.Seconds())
}

func (m *Metrics) SetPoolRemaining(chainID uint64, remaining int) {
	if m == nil {
		return
	}
	m.poolRemaining.WithLabelValues(chainLabel(chainID)).Set(float64(remaining))
}

func (m *Metrics) CountRefill(chainID uint64, result string) {
	if m == nil {
		return
	}
	m.refills.WithLabelValues(chainLabel(chainID), result).Inc()
}

func (m *Metrics) CountSigned(chainID uint64) {
	if m == nil {
		return
	}
	m.signed.WithLabelValues(chainLabel(chainID)).Inc()
}

func (m *Metrics) CountResync(chainID uint64) {
	if m == nil {
		return
	}
	m.nonceResyncs.WithLabelValues(chainLabel(chainID)).Inc()
}
