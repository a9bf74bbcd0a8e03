package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gaugeValue sums every sample of the named family.
func gaugeValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		sum := 0.0
		for _, s := range mf.GetMetric() {
			switch {
			case s.GetGauge() != nil:
				sum += s.GetGauge().GetValue()
			case s.GetCounter() != nil:
				sum += s.GetCounter().GetValue()
			}
		}
		return sum
	}
	return 0
}

func TestRunningGauges(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMetrics(time.Minute)
	m.now = func() time.Time { return now }

	endA := m.begin("a", "default", "reports")
	now = now.Add(90 * time.Second)
	endB := m.begin("b", "batch", "")
	now = now.Add(10 * time.Second)

	assert.Equal(t, 2.0, gaugeValue(t, m, "clusterjobs_jobs_running"))
	assert.Equal(t, 100.0, gaugeValue(t, m, "clusterjobs_oldest_running_job_seconds"))
	assert.Equal(t, 1.0, gaugeValue(t, m, "clusterjobs_slow_jobs_running"))
	assert.Equal(t, 110.0, gaugeValue(t, m, "clusterjobs_oldest_running_job_seconds_by_pool"), "100s default + 10s batch")
	assert.Equal(t, 1.0, gaugeValue(t, m, "clusterjobs_jobs_running_by_filter"))

	running := m.Running()
	require.Len(t, running, 2)
	assert.Equal(t, "a", running[0].Name)

	endA()
	endB()
	assert.Zero(t, gaugeValue(t, m, "clusterjobs_jobs_running"))
	assert.Zero(t, gaugeValue(t, m, "clusterjobs_oldest_running_job_seconds"))
}

func TestObserveOutcomes(t *testing.T) {
	t.Parallel()

	m := NewMetrics(0)
	m.observe("x", OutcomeRan, time.Second)
	m.observe("x", OutcomeFailed, time.Second)
	m.observe("x", OutcomeSkipped, 0)
	assert.Equal(t, 3.0, gaugeValue(t, m, "clusterjobs_job_runs_total"))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "clusterjobs_job_duration_seconds" {
			assert.Equal(t, uint64(2), mf.GetMetric()[0].GetHistogram().GetSampleCount(), "skips are not timed")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.begin("a", "p", "")()
	m.observe("a", OutcomeRan, time.Second)
	m.setJobs(3)
	assert.Nil(t, m.Running())
	assert.Nil(t, m.Registry())
}
