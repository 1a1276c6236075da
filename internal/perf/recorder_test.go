package perf

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentStats(t *testing.T) {
	r := NewRecorder(10)
	for i := 1; i <= 10; i++ {
		r.Record(1, time.Duration(i)*100*time.Millisecond, i != 3)
	}
	st := r.RecentStats(1, 0)
	assert.Equal(t, 10, st.Count)
	assert.Equal(t, 9, st.Successes)
	assert.InDelta(t, 0.9, st.SuccessRate, 1e-9)
	assert.Equal(t, 550*time.Millisecond, st.AverageLatency)
	assert.Equal(t, time.Second, st.P95Latency)
	assert.Equal(t, GradeInstant, st.Grade())

	window := r.RecentStats(1, 2)
	assert.Equal(t, 2, window.Count)
	assert.Equal(t, 950*time.Millisecond, window.AverageLatency)
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRecorder(3)
	r.Record(7, 1*time.Second, false)
	for i := 0; i < 3; i++ {
		r.Record(7, 4*time.Second, true)
	}
	samples := r.Samples(7, 0)
	require.Len(t, samples, 3)
	for _, s := range samples {
		assert.True(t, s.Success)
	}
	st := r.RecentStats(7, 0)
	assert.Equal(t, 1.0, st.SuccessRate)
	assert.Equal(t, GradeGood, st.Grade())
}

func TestStatsIsolatedPerChain(t *testing.T) {
	r := NewRecorder(5)
	r.Record(1, time.Second, true)
	assert.Zero(t, r.RecentStats(2, 0).Count)
	assert.Equal(t, GradeUnknown, r.RecentStats(2, 0).Grade())

	r.Reset(1)
	assert.Zero(t, r.RecentStats(1, 0).Count)
}

func TestGrades(t *testing.T) {
	cases := []struct {
		avg  time.Duration
		want Grade
	}{
		{500 * time.Millisecond, GradeInstant},
		{2 * time.Second, GradeFast},
		{4 * time.Second, GradeGood},
		{6 * time.Second, GradeSlow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Stats{Count: 1, AverageLatency: tc.avg}.Grade())
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.CountOutcome(99, "ok", 20*time.Millisecond)
	m.CountOutcome(99, "ok", 30*time.Millisecond)
	m.CountOutcome(99, "fee_too_low", 10*time.Millisecond)
	require.InEpsilon(t, 2, testutil.ToFloat64(m.submissionOutcomes.WithLabelValues("99", "ok")), 0.01)
	require.InEpsilon(t, 1, testutil.ToFloat64(m.submissionOutcomes.WithLabelValues("99", "fee_too_low")), 0.01)
	require.Equal(t, 1, testutil.CollectAndCount(m.submissionLatency, "txaccel_submission_latency_seconds"))

	m.SetPoolRemaining(99, 7)
	require.InEpsilon(t, 7, testutil.ToFloat64(m.poolRemaining.WithLabelValues("99")), 0.01)

	m.CountResync(99)
	count, err := testutil.GatherAndCount(reg, "txaccel_nonce_resyncs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsPerRegistry(t *testing.T) {
	a, b := NewMetrics(prometheus.NewRegistry()), NewMetrics(prometheus.NewRegistry())
	a.CountSigned(5)
	a.CountSigned(5)
	b.CountSigned(5)
	assert.InEpsilon(t, 2, testutil.ToFloat64(a.signed.WithLabelValues("5")), 0.01)
	assert.InEpsilon(t, 1, testutil.ToFloat64(b.signed.WithLabelValues("5")), 0.01)

	var none *Metrics
	assert.NotPanics(t, func() {
		none.CountOutcome(5, "ok", time.Second)
		none.SetPoolRemaining(5, 1)
		none.CountRefill(5, "ok")
		none.CountSigned(5)
		none.CountResync(5)
	})
}
