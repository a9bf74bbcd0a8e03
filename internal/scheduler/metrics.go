package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "clusterjobs"

// Metrics records job timings and exposes gauges over the jobs currently
// running. All methods are safe on a nil *Metrics.
type Metrics struct {
	reg *prometheus.Registry

	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
	jobs     prometheus.Gauge

	slow time.Duration
	now  func() time.Time

	mu      sync.Mutex
	seq     uint64
	running map[uint64]runningJob

	descRunning       *prometheus.Desc
	descRunningPool   *prometheus.Desc
	descRunningFilter *prometheus.Desc
	descOldest        *prometheus.Desc
	descOldestPool    *prometheus.Desc
	descOldestFilter  *prometheus.Desc
	descSlow          *prometheus.Desc
}

type runningJob struct {
	name    string
	pool    string
	filter  string
	started time.Time
}

// RunningJob is a diagnostics view of an executing job.
type RunningJob struct {
	Name    string    `json:"name"`
	Pool    string    `json:"pool"`
	Filter  string    `json:"filter,omitempty"`
	Started time.Time `json:"started"`
}

// NewMetrics builds the collectors on a private registry. Jobs running longer
// than slow are counted by the slow gauge; 0 disables it.
func NewMetrics(slow time.Duration) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "job_duration_seconds",
				Help:      "Execution time of jobs that ran, by filter label or shortened job name.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "job_runs_total",
				Help:      "Fires handled by the executor, by outcome.",
			},
			[]string{"job", "outcome"},
		),
		jobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_registered",
			Help:      "Jobs currently registered with the scheduler.",
		}),
		slow:    slow,
		now:     time.Now,
		running: map[uint64]runningJob{},

		descRunning:       prometheus.NewDesc(metricsNamespace+"_jobs_running", "Jobs executing right now.", nil, nil),
		descRunningPool:   prometheus.NewDesc(metricsNamespace+"_jobs_running_by_pool", "Jobs executing right now, by pool.", []string{"pool"}, nil),
		descRunningFilter: prometheus.NewDesc(metricsNamespace+"_jobs_running_by_filter", "Jobs executing right now, by filter label.", []string{"filter"}, nil),
		descOldest:        prometheus.NewDesc(metricsNamespace+"_oldest_running_job_seconds", "Age of the longest running job.", nil, nil),
		descOldestPool:    prometheus.NewDesc(metricsNamespace+"_oldest_running_job_seconds_by_pool", "Age of the longest running job, by pool.", []string{"pool"}, nil),
		descOldestFilter:  prometheus.NewDesc(metricsNamespace+"_oldest_running_job_seconds_by_filter", "Age of the longest running job, by filter label.", []string{"filter"}, nil),
		descSlow:          prometheus.NewDesc(metricsNamespace+"_slow_jobs_running", "Jobs running longer than the slow threshold.", nil, nil),
	}
	m.reg.MustRegister(m.duration, m.runs, m.jobs, runningCollector{m})
	return m
}

// Registry is what /metrics serves.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// begin marks a job as running and returns the function ending it.
func (m *Metrics) begin(name, pool, filter string) func() {
	if m == nil {
		return func() {}
	}
	m.mu.Lock()
	m.seq++
	id := m.seq
	m.running[id] = runningJob{name: name, pool: pool, filter: filter, started: m.now()}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
	}
}

func (m *Metrics) observe(label string, outcome Outcome, took time.Duration) {
	if m == nil {
		return
	}
	// GetMetricWithLabelValues errors where WithLabelValues would panic.
	if c, err := m.runs.GetMetricWithLabelValues(label, string(outcome)); err == nil {
		c.Inc()
	}
	if outcome == OutcomeSkipped {
		return
	}
	if h, err := m.duration.GetMetricWithLabelValues(label); err == nil {
		h.Observe(took.Seconds())
	}
}

func (m *Metrics) setJobs(n int) {
	if m == nil {
		return
	}
	m.jobs.Set(float64(n))
}

// Running lists executing jobs, oldest first.
func (m *Metrics) Running() []RunningJob {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunningJob, 0, len(m.running))
	for _, r := range m.running {
		out = append(out, RunningJob{Name: r.name, Pool: r.pool, Filter: r.filter, Started: r.started})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// runningCollector computes the running-job gauges at scrape time.
type runningCollector struct{ m *Metrics }

func (c runningCollector) Describe(ch chan<- *prometheus.Desc) {
	m := c.m
	for _, d := range []*prometheus.Desc{m.descRunning, m.descRunningPool, m.descRunningFilter, m.descOldest, m.descOldestPool, m.descOldestFilter, m.descSlow} {
		ch <- d
	}
}

type agg struct {
	n      int
	oldest time.Time
}

func (a *agg) add(t time.Time) {
	a.n++
	if a.oldest.IsZero() || t.Before(a.oldest) {
		a.oldest = t
	}
}

func (a agg) age(now time.Time) float64 {
	if a.oldest.IsZero() {
		return 0
	}
	return now.Sub(a.oldest).Seconds()
}

func (c runningCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.m
	now := m.now()

	var total agg
	byPool := map[string]*agg{}
	byFilter := map[string]*agg{}
	slow := 0

	m.mu.Lock()
	for _, r := range m.running {
		total.add(r.started)
		if byPool[r.pool] == nil {
			byPool[r.pool] = &agg{}
		}
		byPool[r.pool].add(r.started)
		if r.filter != "" {
			if byFilter[r.filter] == nil {
				byFilter[r.filter] = &agg{}
			}
			byFilter[r.filter].add(r.started)
		}
		if m.slow > 0 && now.Sub(r.started) > m.slow {
			slow++
		}
	}
	m.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(m.descRunning, prometheus.GaugeValue, float64(total.n))
	ch <- prometheus.MustNewConstMetric(m.descOldest, prometheus.GaugeValue, total.age(now))
	ch <- prometheus.MustNewConstMetric(m.descSlow, prometheus.GaugeValue, float64(slow))
	for pool, a := range byPool {
		ch <- prometheus.MustNewConstMetric(m.descRunningPool, prometheus.GaugeValue, float64(a.n), pool)
		ch <- prometheus.MustNewConstMetric(m.descOldestPool, prometheus.GaugeValue, a.age(now), pool)
	}
	for filter, a := range byFilter {
		ch <- prometheus.MustNewConstMetric(m.descRunningFilter, prometheus.GaugeValue, float64(a.n), filter)
		ch <- prometheus.MustNewConstMetric(m.descOldestFilter, prometheus.GaugeValue, a.age(now), filter)
	}
}
