package scheduler

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"clusterjobs/internal/cluster"
	"clusterjobs/internal/eventbus"
	"clusterjobs/internal/pool"
	"clusterjobs/internal/trigger"
	logx "clusterjobs/pkg/logx"
)

const (
	// DefaultPoolName is used when Config.PoolName is empty.
	DefaultPoolName = "default"

	generatedNamePrefix = "clusterjobs.job."
	poolWarnThrottle    = time.Minute
)

// Owner identifies who registered a job. Zero fields mean "none".
type Owner struct {
	UnitID    string `json:"unit,omitempty"`
	ServiceID int64  `json:"service_id,omitempty"`
}

// PoolProvider hands out worker pools. *pool.Manager satisfies it.
type PoolProvider interface {
	Get(name string) (*pool.Pool, error)
	Release(ctx context.Context, p *pool.Pool)
}

// Config is read at activation.
type Config struct {
	PoolName         string
	AllowedPoolNames []string
	Timezone         string
	MetricsFilters   []FilterRule
}

type jobRecord struct {
	name         string
	owner        Owner
	target       any
	config       map[string]any
	runOn        []string
	concurrent   bool
	pool         string
	trig         trigger.Trigger
	registeredAt time.Time

	filter string
	label  string

	// retired is set when the job is removed or replaced. Fires still queued
	// for it are dropped. Exhaustion does not retire: the last fire runs.
	retired atomic.Bool
}

// JobInfo is a read-only description of a registered job.
type JobInfo struct {
	Name         string    `json:"name"`
	Owner        Owner     `json:"owner"`
	Trigger      string    `json:"trigger"`
	Pool         string    `json:"pool"`
	RunOn        []string  `json:"run_on,omitempty"`
	Concurrent   bool      `json:"concurrent"`
	Filter       string    `json:"filter,omitempty"`
	Next         time.Time `json:"next,omitempty"`
	Prev         time.Time `json:"prev,omitempty"`
	Fired        int       `json:"fired"`
	RegisteredAt time.Time `json:"registered_at"`
}

type Option func(*Service)

// WithBus publishes registry changes and fire outcomes.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRecorder persists every fire outcome.
func WithRecorder(r RunRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// Service is the scheduling facade. It is usable between Activate and
// Deactivate; outside that window mutating calls fail with ErrUnavailable.
type Service struct {
	log      logx.Logger
	state    *cluster.State
	bus      eventbus.Bus
	metrics  *Metrics
	recorder RunRecorder
	exec     *Executor
	poolWarn *logx.Throttle

	mu      sync.RWMutex
	active  bool
	cfg     Config
	holder  *ConfigHolder
	engine  *trigger.Engine
	pools   PoolProvider
	defPool *pool.Pool
	allowed map[string]*pool.Pool
	jobs    map[string]*jobRecord

	// run after each Deactivate, outside mu
	hookMu       sync.Mutex
	deactivateFn []func()
}

// New creates an inactive service bound to state.
func New(state *cluster.State, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if state == nil {
		state = cluster.NewState("")
	}
	s := &Service{
		log:      log.With(logx.Component("scheduler")),
		state:    state,
		poolWarn: logx.NewThrottle(poolWarnThrottle, 1),
		jobs:     map[string]*jobRecord{},
	}
	for _, o := range opts {
		o(s)
	}
	s.exec = newExecutor(state, s.log)
	s.exec.bus = s.bus
	s.exec.metrics = s.metrics
	s.exec.recorder = s.recorder
	return s
}

// Activate starts a fresh trigger engine dispatching into the configured
// default pool. Allow-listed pools are acquired up front.
func (s *Service) Activate(ctx context.Context, pools PoolProvider, cfg Config) error {
	if pools == nil {
		return errors.New("pool provider required")
	}
	cfg.PoolName = strings.TrimSpace(cfg.PoolName)
	if cfg.PoolName == "" {
		cfg.PoolName = DefaultPoolName
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return errors.New("scheduler already active")
	}

	def, err := pools.Get(cfg.PoolName)
	if err != nil {
		return errors.Wrapf(err, "default pool %q", cfg.PoolName)
	}
	allowed := map[string]*pool.Pool{}
	for _, name := range cfg.AllowedPoolNames {
		name = strings.TrimSpace(name)
		if name == "" || name == cfg.PoolName || allowed[name] != nil {
			continue
		}
		p, err := pools.Get(name)
		if err != nil {
			for _, ap := range allowed {
				pools.Release(ctx, ap)
			}
			pools.Release(ctx, def)
			return errors.Wrapf(err, "pool %q", name)
		}
		allowed[name] = p
	}

	s.cfg = cfg
	s.holder = NewConfigHolder(cfg.MetricsFilters)
	s.pools = pools
	s.defPool = def
	s.allowed = allowed
	s.jobs = map[string]*jobRecord{}
	s.engine = trigger.New(trigger.Config{Timezone: cfg.Timezone}, def, s.log)
	s.engine.OnExhausted(s.onExhausted)
	s.engine.Start(ctx)
	s.active = true
	s.metrics.setJobs(0)

	s.log.Info("scheduler activated",
		logx.String("pool", cfg.PoolName),
		logx.Int("allowed_pools", len(allowed)),
		logx.Int("filters", len(s.holder.Rules())),
	)
	return nil
}

// Deactivate stops triggering, drops every job and releases the pools.
// Running executions finish; queued fires are dropped.
func (s *Service) Deactivate(ctx context.Context) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	engine := s.engine
	pools := s.pools
	held := make([]*pool.Pool, 0, len(s.allowed)+1)
	held = append(held, s.defPool)
	for _, p := range s.allowed {
		held = append(held, p)
	}
	dropped := len(s.jobs)
	for _, r := range s.jobs {
		r.retired.Store(true)
	}
	s.jobs = map[string]*jobRecord{}
	s.engine, s.pools, s.defPool, s.allowed = nil, nil, nil, nil
	s.mu.Unlock()

	engine.Stop(ctx)
	for _, p := range held {
		pools.Release(ctx, p)
	}
	s.metrics.setJobs(0)
	s.log.Info("scheduler deactivated", logx.Int("dropped_jobs", dropped))

	s.hookMu.Lock()
	hooks := slices.Clone(s.deactivateFn)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// onDeactivate registers fn to run after every Deactivate.
func (s *Service) onDeactivate(fn func()) {
	s.hookMu.Lock()
	s.deactivateFn = append(s.deactivateFn, fn)
	s.hookMu.Unlock()
}

func (s *Service) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// AddJob registers target under a cron expression, replacing any job of the
// same name. An empty name is generated.
func (s *Service) AddJob(owner Owner, name string, target any, config map[string]any, cronExpr string, canRunConcurrently bool) error {
	if err := checkTarget(target); err != nil {
		return err
	}
	opts := Expr(cronExpr)
	if err := opts.Err(); err != nil {
		return err
	}
	opts.Name(name).Config(config).CanRunConcurrently(canRunConcurrently)
	return s.register(owner, target, opts)
}

// AddPeriodicJob registers target to fire every period seconds, the first
// fire now when startImmediate, else one period out.
func (s *Service) AddPeriodicJob(owner Owner, name string, target any, config map[string]any, period int64, canRunConcurrently, startImmediate bool) error {
	if err := checkTarget(target); err != nil {
		return err
	}
	opts := Periodic(period, startImmediate)
	if err := opts.Err(); err != nil {
		return err
	}
	opts.Name(name).Config(config).CanRunConcurrently(canRunConcurrently)
	return s.register(owner, target, opts)
}

// Schedule registers target with opts. It returns false without error when
// opts carries a validation failure; the failure is logged.
func (s *Service) Schedule(owner Owner, target any, opts *Options) (bool, error) {
	if err := checkTarget(target); err != nil {
		return false, err
	}
	if opts == nil {
		return false, argErr(msgOptions)
	}
	if err := opts.Err(); err != nil {
		s.log.Warn("job not scheduled: invalid options",
			logx.Job(opts.JobName()),
			logx.Unit(owner.UnitID),
			logx.Err(err),
		)
		return false, nil
	}
	if err := s.register(owner, target, opts); err != nil {
		return false, err
	}
	return true, nil
}

// FireJob runs target once, as soon as possible.
func (s *Service) FireJob(owner Owner, target any, config map[string]any) (bool, error) {
	return s.Schedule(owner, target, Now().Config(config))
}

// FireJobAt runs target once at date under name.
func (s *Service) FireJobAt(owner Owner, name string, target any, config map[string]any, date time.Time) (bool, error) {
	return s.Schedule(owner, target, At(date).Name(name).Config(config))
}

// Unschedule removes the job called name. It reports false for an empty or
// unknown name and while inactive.
func (s *Service) Unschedule(owner Owner, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	if !s.removeLocked(name) {
		return false
	}
	s.log.Debug("job unscheduled", logx.Job(name), logx.Unit(owner.UnitID))
	return true
}

// RemoveJob is Unschedule under its older name.
func (s *Service) RemoveJob(owner Owner, name string) bool { return s.Unschedule(owner, name) }

func (s *Service) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[strings.TrimSpace(name)]
	return ok
}

// Jobs lists registered jobs sorted by name.
func (s *Service) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return nil
	}
	entries := map[string]trigger.EntryInfo{}
	for _, e := range s.engine.Entries() {
		entries[e.Name] = e
	}
	out := make([]JobInfo, 0, len(s.jobs))
	for name, r := range s.jobs {
		e := entries[name]
		out = append(out, JobInfo{
			Name:         name,
			Owner:        r.owner,
			Trigger:      r.trig.String(),
			Pool:         r.pool,
			RunOn:        append([]string(nil), r.runOn...),
			Concurrent:   r.concurrent,
			Filter:       r.filter,
			Next:         e.Next,
			Prev:         e.Prev,
			Fired:        e.Fired,
			RegisteredAt: r.registeredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Engine exposes the trigger engine for diagnostics; nil while inactive.
func (s *Service) Engine() *trigger.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Metrics returns the metrics sink, possibly nil.
func (s *Service) Metrics() *Metrics { return s.metrics }

func (s *Service) register(owner Owner, target any, opts *Options) error {
	name := strings.TrimSpace(opts.JobName())
	if name == "" {
		name = generatedNamePrefix + uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrUnavailable
	}

	p := s.poolLocked(name, opts.Pool())
	rec := &jobRecord{
		name:         name,
		owner:        owner,
		target:       target,
		config:       opts.Configuration(),
		runOn:        opts.RunOn(),
		concurrent:   opts.Concurrent(),
		pool:         p.Name(),
		trig:         opts.Trigger(),
		registeredAt: time.Now(),
	}
	rec.filter = DeriveFilterName(s.holder, target)
	rec.label = rec.filter
	if rec.label == "" {
		rec.label = MetricsSuffix(name)
	}

	overlap := pool.OverlapSkipIfRunning
	if rec.concurrent {
		overlap = pool.OverlapAllow
	}
	err := s.engine.Schedule(trigger.Job{
		Name:    name,
		Pool:    p,
		Overlap: overlap,
		Run:     func(ctx context.Context) error { s.run(ctx, rec); return nil },
	}, rec.trig)
	if err != nil {
		return errors.Wrapf(err, "schedule %q", name)
	}
	if old, ok := s.jobs[name]; ok {
		old.retired.Store(true)
	}
	s.jobs[name] = rec
	s.metrics.setJobs(len(s.jobs))
	s.publish(eventbus.TopicJobScheduled, rec)

	s.log.Debug("job scheduled",
		logx.Job(name),
		logx.Unit(owner.UnitID),
		logx.String("trigger", rec.trig.String()),
		logx.String("pool", rec.pool),
		logx.Any("run_on", rec.runOn),
	)
	return nil
}

// run executes one fire unless rec was replaced or removed after the fire
// was queued.
func (s *Service) run(ctx context.Context, rec *jobRecord) {
	if rec.retired.Load() {
		return
	}
	s.exec.Execute(ctx, rec)
}

// poolLocked resolves a requested pool name against the allow-list.
func (s *Service) poolLocked(job, requested string) *pool.Pool {
	if requested == "" || requested == s.cfg.PoolName {
		return s.defPool
	}
	if p, ok := s.allowed[requested]; ok {
		return p
	}
	if s.poolWarn.Allow(requested) {
		s.log.Warn("pool not allowed; using default",
			logx.Job(job),
			logx.String("pool", requested),
			logx.String("default", s.cfg.PoolName),
		)
	}
	return s.defPool
}

func (s *Service) removeLocked(name string) bool {
	rec, ok := s.jobs[name]
	if !ok {
		return false
	}
	rec.retired.Store(true)
	s.engine.Delete(name)
	delete(s.jobs, name)
	s.metrics.setJobs(len(s.jobs))
	s.publish(eventbus.TopicJobRemoved, rec)
	return true
}

func (s *Service) onExhausted(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.engine.Exists(name) {
		// Re-registered under the same name since the last fire.
		return
	}
	if rec, ok := s.jobs[name]; ok {
		delete(s.jobs, name)
		s.metrics.setJobs(len(s.jobs))
		s.publish(eventbus.TopicJobRemoved, rec)
	}
}

func (s *Service) publish(topic string, rec *jobRecord) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Data: eventbus.JobData{Name: rec.name, Unit: rec.owner.UnitID}})
}
