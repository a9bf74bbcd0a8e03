package unit

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"clusterjobs/internal/config"
	"clusterjobs/internal/eventbus"
	"clusterjobs/internal/scheduler"
	logx "clusterjobs/pkg/logx"
)

const (
	callTimeout = 10 * time.Second
	startGrace  = 2 * time.Second
)

// Status is a diagnostics view of one registered unit.
type Status struct {
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Running     bool      `json:"running"`
	Since       time.Time `json:"since,omitempty"`
	Quarantined string    `json:"quarantined,omitempty"`
	Health      string    `json:"health,omitempty"`
}

type quarantineState struct {
	rawHash uint64
	err     string
	since   time.Time
	count   int
}

// Manager starts, stops and reconfigures registered units from the units
// config section. It publishes unit.started and unit.stopped on the bus.
type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	deps Deps
	ids  atomic.Int64

	reg     map[string]Unit
	run     map[string]bool
	since   map[string]time.Time
	enabled map[string]bool
	// inited tracks units that passed Init once; Init is not repeated on
	// every enable/disable cycle.
	inited      map[string]bool
	lastRawHash map[string]uint64
	quarantine  map[string]quarantineState

	// baseCtx outlives the call-scoped contexts passed to StartAll and
	// OnConfigUpdate; BindContext ties it to the app context.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	pcancel map[string]context.CancelFunc
}

func NewManager(log logx.Logger, deps Deps) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	m := &Manager{
		log:         log.With(logx.Component("units")),
		deps:        deps,
		reg:         map[string]Unit{},
		run:         map[string]bool{},
		since:       map[string]time.Time{},
		enabled:     map[string]bool{},
		inited:      map[string]bool{},
		lastRawHash: map[string]uint64{},
		quarantine:  map[string]quarantineState{},
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		pcancel:     map[string]context.CancelFunc{},
	}
	m.deps.serviceIDs = &m.ids
	return m
}

func (m *Manager) emit(typ, name, reason string) {
	if m.deps.Bus == nil {
		return
	}
	m.deps.Bus.Publish(eventbus.Event{Type: typ, Data: eventbus.UnitData{Unit: name, Reason: reason}})
}

func (m *Manager) Register(units ...Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range units {
		m.reg[u.Name()] = u
	}
}

// BindContext cancels every unit context once appCtx is done. First non-nil
// bind wins.
func (m *Manager) BindContext(appCtx context.Context) {
	m.mu.Lock()
	if m.bound || appCtx == nil {
		m.mu.Unlock()
		return
	}
	m.bound = true
	baseCancel := m.baseCancel
	m.mu.Unlock()

	go func() {
		<-appCtx.Done()
		baseCancel()
	}()
}

// StartAll starts every enabled unit.
func (m *Manager) StartAll(ctx context.Context, units map[string]config.UnitConfigRaw) {
	m.BindContext(ctx)
	m.reconcile(units)
}

// OnConfigUpdate applies enable flags and config blobs from cfg.
func (m *Manager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	m.BindContext(ctx)
	m.reconcile(cfg.Units)
}

func (m *Manager) StopAll(ctx context.Context, reason StopReason) {
	m.mu.Lock()
	names := make([]string, 0, len(m.reg))
	for name := range m.reg {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		m.stopOne(ctx, name, reason)
	}
}

// Stop stops one running unit on request. Its jobs are removed.
func (m *Manager) Stop(ctx context.Context, name string) bool {
	m.mu.Lock()
	running := m.run[name]
	m.mu.Unlock()
	if !running {
		return false
	}
	m.stopOne(ctx, name, StopRequest)
	return true
}

func (m *Manager) stopOne(stopCtx context.Context, name string, reason StopReason) {
	m.mu.Lock()
	u := m.reg[name]
	running := m.run[name]
	cancel := m.pcancel[name]
	m.mu.Unlock()

	if !running || u == nil {
		return
	}

	start := time.Now()
	if cancel != nil {
		cancel()
	}

	// A misbehaving unit must not block shutdown forever.
	done := make(chan struct{})
	go func() {
		_ = m.safeCall("unit.stop."+name, func() error { return u.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		m.log.Warn("unit stop timeout (continuing)", logx.Unit(name), logx.Err(stopCtx.Err()))
	}

	m.mu.Lock()
	m.run[name] = false
	delete(m.since, name)
	delete(m.pcancel, name)
	delete(m.lastRawHash, name)
	m.mu.Unlock()

	// The bus may drop events under load, so job cleanup does not rely on it.
	if s := m.deps.Scheduler; s != nil {
		s.HandleUnitEvent(scheduler.UnitEvent{Type: scheduler.UnitStopped, UnitID: name})
	}
	m.emit(eventbus.TopicUnitStopped, name, string(reason))
	m.log.Info("unit stopped", logx.Unit(name), logx.String("reason", string(reason)), logx.Duration("took", time.Since(start)))
}

func (m *Manager) reconcile(units map[string]config.UnitConfigRaw) {
	type op struct {
		name    string
		u       Unit
		raw     config.UnitConfigRaw
		rawHash uint64
		enabled bool
		run     bool
	}
	m.mu.Lock()
	ops := make([]op, 0, len(m.reg))
	for name, u := range m.reg {
		raw, ok := units[name]
		enabled := ok && raw.Enabled
		m.enabled[name] = enabled
		ops = append(ops, op{name: name, u: u, raw: raw, rawHash: rawHash(raw), enabled: enabled, run: m.run[name]})
	}
	m.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].name < ops[j].name })

	for _, o := range ops {
		switch {
		case o.enabled && !o.run:
			m.clearQuarantineOnChange(o.name, o.rawHash)
			if m.isQuarantined(o.name, o.rawHash) {
				m.log.Warn("unit enable skipped (quarantined)", logx.Unit(o.name))
				continue
			}
			m.startOne(o.name, o.u, o.raw, o.rawHash)

		case !o.enabled && o.run:
			stopCtx, cancel := context.WithTimeout(m.baseCtx, callTimeout)
			m.stopOne(stopCtx, o.name, StopDisable)
			cancel()

		case o.enabled && o.run:
			m.reconfigure(o.name, o.u, o.raw, o.rawHash)
		}
	}
}

func (m *Manager) startOne(name string, u Unit, raw config.UnitConfigRaw, hash uint64) {
	uctx, cancel := context.WithCancel(m.baseCtx)
	deps := m.deps
	deps.Logger = m.log.With(logx.Unit(name))

	m.mu.Lock()
	needInit := !m.inited[name]
	m.mu.Unlock()
	if needInit {
		ictx, icancel := context.WithTimeout(uctx, callTimeout)
		err := m.safeCall("unit.init."+name, func() error { return u.Init(ictx, deps) })
		icancel()
		if err != nil {
			m.log.Error("unit init failed", logx.Unit(name), logx.Err(err))
			cancel()
			return
		}
		m.mu.Lock()
		m.inited[name] = true
		m.mu.Unlock()
	}

	if v, ok := u.(ConfigValidator); ok {
		cctx, ccancel := context.WithTimeout(uctx, callTimeout)
		err := m.safeCall("unit.validate."+name, func() error { return v.ValidateConfig(cctx, raw.Config) })
		ccancel()
		if err != nil {
			m.setQuarantine(name, hash, errors.Wrap(err, "config validate"), "validate")
			cancel()
			return
		}
	}
	if cu, ok := u.(ConfigurableUnit); ok {
		cctx, ccancel := context.WithTimeout(uctx, callTimeout)
		err := m.safeCall("unit.config."+name, func() error { return cu.OnConfigChange(cctx, raw.Config) })
		ccancel()
		if err != nil {
			m.setQuarantine(name, hash, errors.Wrap(err, "config apply"), "config")
			cancel()
			return
		}
	}

	if err := m.startWithTimeout(name, u, uctx, cancel, callTimeout); err != nil {
		m.log.Error("unit start failed", logx.Unit(name), logx.Err(err))
		cancel()
		return
	}

	m.mu.Lock()
	m.run[name] = true
	m.since[name] = time.Now()
	m.pcancel[name] = cancel
	m.lastRawHash[name] = hash
	delete(m.quarantine, name)
	m.mu.Unlock()

	m.log.Info("unit started", logx.Unit(name))
	m.emit(eventbus.TopicUnitStarted, name, "")
}

func (m *Manager) reconfigure(name string, u Unit, raw config.UnitConfigRaw, hash uint64) {
	cu, ok := u.(ConfigurableUnit)
	if !ok {
		return
	}
	m.mu.Lock()
	unchanged := m.lastRawHash[name] == hash
	m.mu.Unlock()
	if unchanged {
		return
	}

	var err error
	if v, ok := u.(ConfigValidator); ok {
		cctx, ccancel := context.WithTimeout(m.baseCtx, callTimeout)
		err = m.safeCall("unit.validate."+name, func() error { return v.ValidateConfig(cctx, raw.Config) })
		ccancel()
	}
	if err == nil {
		cctx, ccancel := context.WithTimeout(m.baseCtx, callTimeout)
		err = m.safeCall("unit.config."+name, func() error { return cu.OnConfigChange(cctx, raw.Config) })
		ccancel()
	}
	if err != nil {
		m.setQuarantine(name, hash, errors.Wrap(err, "config apply"), "config")
		stopCtx, cancel := context.WithTimeout(m.baseCtx, callTimeout)
		m.stopOne(stopCtx, name, StopQuarantine)
		cancel()
		return
	}
	m.mu.Lock()
	m.lastRawHash[name] = hash
	m.mu.Unlock()
	m.log.Info("unit reconfigured", logx.Unit(name))
}

// startWithTimeout calls Start but enforces a deadline. On timeout the unit
// context is cancelled.
func (m *Manager) startWithTimeout(name string, u Unit, uctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- m.safeCall("unit.start."+name, func() error { return u.Start(uctx) })
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		grace := time.NewTimer(startGrace)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return errors.Wrapf(err, "start timeout (%s)", timeout)
			}
			return errors.Newf("start timeout (%s)", timeout)
		case <-grace.C:
			return errors.Newf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (m *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in unit call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (m *Manager) isQuarantined(name string, hash uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.quarantine[name]
	return ok && st.rawHash == hash
}

func (m *Manager) clearQuarantineOnChange(name string, hash uint64) {
	m.mu.Lock()
	st, ok := m.quarantine[name]
	if ok && st.rawHash != hash {
		delete(m.quarantine, name)
		m.mu.Unlock()
		m.log.Info("unit quarantine cleared (config changed)", logx.Unit(name))
		return
	}
	m.mu.Unlock()
}

func (m *Manager) setQuarantine(name string, hash uint64, err error, stage string) {
	errStr := err.Error()
	m.mu.Lock()
	prev, ok := m.quarantine[name]
	// Reconcile can run repeatedly with the same broken config.
	if ok && prev.rawHash == hash && prev.err == errStr {
		prev.count++
		m.quarantine[name] = prev
		m.mu.Unlock()
		return
	}
	count := 1
	if ok {
		count = prev.count + 1
	}
	m.quarantine[name] = quarantineState{rawHash: hash, err: errStr, since: time.Now(), count: count}
	m.mu.Unlock()

	m.log.Error("unit quarantined", logx.Unit(name), logx.String("stage", stage), logx.String("err", errStr))
}

// Snapshot lists every registered unit sorted by name.
func (m *Manager) Snapshot(ctx context.Context) []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.reg))
	checks := map[string]HealthChecker{}
	for name, u := range m.reg {
		st := Status{Name: name, Enabled: m.enabled[name], Running: m.run[name], Since: m.since[name]}
		if q, ok := m.quarantine[name]; ok {
			st.Quarantined = q.err
		}
		if hc, ok := u.(HealthChecker); ok && st.Running {
			checks[name] = hc
		}
		out = append(out, st)
	}
	m.mu.Unlock()

	for i := range out {
		hc := checks[out[i].Name]
		if hc == nil {
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, time.Second)
		status, err := hc.Health(hctx)
		cancel()
		if err != nil {
			status = status + ": " + err.Error()
		}
		out[i].Health = status
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func rawHash(raw config.UnitConfigRaw) uint64 {
	return config.HashRaw(raw.Config)
}
