package trigger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"clusterjobs/internal/pool"
	logx "clusterjobs/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// Config controls the trigger engine.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Job is what the engine dispatches on each fire.
type Job struct {
	Name    string
	Pool    *pool.Pool // nil means the engine default pool
	Overlap pool.OverlapPolicy
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// EntryInfo is a read-only view of a registered job.
type EntryInfo struct {
	Name       string    `json:"name"`
	Trigger    string    `json:"trigger"`
	Pool       string    `json:"pool"`
	Next       time.Time `json:"next,omitempty"`
	Prev       time.Time `json:"prev,omitempty"`
	Fired      int       `json:"fired"`
	Registered time.Time `json:"registered"`
}

type entryDef struct {
	job        Job
	trig       Trigger
	state      *pool.RunState
	entryID    cron.EntryID
	fired      int
	registered time.Time
}

type Engine struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	pool *pool.Pool

	c    *cron.Cron
	defs map[string]*entryDef

	onExhausted func(name string)
	warn        *logx.Throttle
}

// New creates a stopped engine dispatching to def unless a job names its own pool.
func New(cfg Config, def *pool.Pool, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:  cfg,
		log:  log.With(logx.Component("trigger")),
		pool: def,
		defs: map[string]*entryDef{},
		warn: logx.NewThrottle(enqueueWarnThrottle, 1),
	}
}

// OnExhausted registers a callback invoked (outside engine locks) after the
// last fire of a bounded trigger. The entry is already removed by then.
func (e *Engine) OnExhausted(fn func(name string)) {
	e.mu.Lock()
	e.onExhausted = fn
	e.mu.Unlock()
}

// Start starts cron triggering and registers every stored definition.
func (e *Engine) Start(ctx context.Context) {
	_ = ctx

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c != nil {
		return
	}
	e.loc = e.loadLocationLocked()
	e.c = cron.New(cron.WithParser(Parser), cron.WithLocation(e.loc))
	for name, d := range e.defs {
		e.addLocked(name, d)
	}
	e.c.Start()
	e.log.Info("engine started", logx.String("tz", e.loc.String()), logx.Int("jobs", len(e.defs)))
}

// Stop stops triggering. Jobs already enqueued keep running in their pools.
// Definitions are dropped.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	c := e.c
	e.c = nil
	e.defs = map[string]*entryDef{}
	e.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
		e.log.Info("engine stopped")
	}
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c != nil
}

// Schedule registers job under trig, replacing any job with the same name.
func (e *Engine) Schedule(job Job, trig Trigger) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return errors.New("job name required")
	}
	if job.Run == nil {
		return errors.New("job Run is nil")
	}
	if trig.IsZero() {
		return errors.New("trigger required")
	}
	if job.Pool == nil && e.pool == nil {
		return errors.New("no pool to dispatch to")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(job.Name)
	d := &entryDef{job: job, trig: trig, state: &pool.RunState{}, registered: time.Now()}
	e.defs[job.Name] = d
	if e.c != nil {
		e.addLocked(job.Name, d)
		e.log.Debug("job registered", logx.Job(job.Name), logx.String("trigger", trig.String()), logx.String("next", e.previewLocked(d, 3)))
	}
	return nil
}

// Delete unregisters name. It reports whether a job was removed.
func (e *Engine) Delete(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(strings.TrimSpace(name))
}

func (e *Engine) Exists(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.defs[strings.TrimSpace(name)]
	return ok
}

// Entries lists registered jobs sorted by name.
func (e *Engine) Entries() []EntryInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EntryInfo, 0, len(e.defs))
	for name, d := range e.defs {
		it := EntryInfo{Name: name, Trigger: d.trig.String(), Fired: d.fired, Registered: d.registered, Pool: e.poolFor(d).Name()}
		if e.c != nil && d.entryID != 0 {
			ce := e.c.Entry(d.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) poolFor(d *entryDef) *pool.Pool {
	if d.job.Pool != nil {
		return d.job.Pool
	}
	return e.pool
}

func (e *Engine) addLocked(name string, d *entryDef) {
	d.entryID = e.c.Schedule(d.trig.schedule(time.Now().In(e.loc)), cron.FuncJob(func() { e.fire(name, d) }))
}

func (e *Engine) removeLocked(name string) bool {
	d, ok := e.defs[name]
	if !ok {
		return false
	}
	if e.c != nil && d.entryID != 0 {
		e.c.Remove(d.entryID)
	}
	delete(e.defs, name)
	return true
}

func (e *Engine) fire(name string, d *entryDef) {
	e.mu.Lock()
	if e.defs[name] != d {
		// Replaced or removed between the tick and now.
		e.mu.Unlock()
		return
	}
	d.fired++
	fired := d.fired
	exhausted := d.trig.bounded() && fired >= d.trig.times
	if exhausted {
		e.removeLocked(name)
	}
	p := e.poolFor(d)
	cb := e.onExhausted
	e.mu.Unlock()

	err := p.Enqueue(pool.Task{
		Name:    name,
		Timeout: d.job.Timeout,
		Run:     d.job.Run,
		Overlap: d.job.Overlap,
		State:   d.state,
	})
	if err != nil {
		e.reportEnqueueError(name, err)
	}
	if exhausted {
		e.log.Debug("trigger exhausted", logx.Job(name), logx.Int("fired", fired))
		if cb != nil {
			cb(name)
		}
	}
}

func (e *Engine) reportEnqueueError(name string, err error) {
	// Overlap skips happen during normal operation.
	if errors.Is(err, pool.ErrOverlapSkip) {
		e.log.Debug("fire skipped: previous run in flight", logx.Job(name))
		return
	}
	if e.warn.Allow(name) {
		e.log.Warn("fire failed to enqueue", logx.Job(name), logx.Err(err))
	}
}

func (e *Engine) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(e.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		e.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked renders upcoming fire times of cron jobs for debug logs.
func (e *Engine) previewLocked(d *entryDef, n int) string {
	if d.trig.kind != KindCron || !e.log.Enabled(logx.LevelDebug) {
		return ""
	}
	t := time.Now().In(e.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = d.trig.sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
