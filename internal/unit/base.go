package unit

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"

	"clusterjobs/internal/eventbus"
	"clusterjobs/internal/runtime/supervisor"
	"clusterjobs/internal/scheduler"
	logx "clusterjobs/pkg/logx"
)

var errNoScheduler = errors.New("scheduler not available")

// Base is a small helper for writing units. Typical usage:
//
//	type Unit struct { unit.Base }
//	func (u *Unit) Init(ctx context.Context, deps unit.Deps) error { u.InitBase(deps, u.Name()); return nil }
//	func (u *Unit) Start(ctx context.Context) error { u.StartBase(ctx); return u.Cron("sweep", "0 * * * * ?", false, u.sweep) }
//	func (u *Unit) Stop(ctx context.Context) error { return u.StopBase(ctx) }
//
// Job names are namespaced as "<unit>.<name>". Everything scheduled through
// Base is owned by the unit and removed when the unit stops.
type Base struct {
	Log    logx.Logger
	Deps   Deps
	Runner *supervisor.Supervisor
	name   string

	ctx context.Context

	mu       sync.Mutex
	services []int64
}

// Health implements HealthChecker for any unit embedding Base.
func (b *Base) Health(ctx context.Context) (string, error) {
	if b == nil {
		return "nil", errors.New("unit base is nil")
	}
	if b.ctx == nil {
		return "not_started", nil
	}
	select {
	case <-b.ctx.Done():
		return "stopped", b.ctx.Err()
	default:
	}
	return "ok", nil
}

func (b *Base) InitBase(deps Deps, name string) {
	b.Deps = deps
	b.name = name
	if !deps.Logger.IsZero() {
		b.Log = deps.Logger
	} else {
		b.Log = logx.Nop().With(logx.Unit(name))
	}
}

// StartBase creates a per-unit supervisor tied to ctx.
func (b *Base) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = supervisor.New(ctx, supervisor.WithLogger(b.Log), supervisor.WithCancelOnError(false))
}

// StopBase withdraws registered services, removes the unit's jobs, then
// cancels the runner and waits bounded by ctx.
func (b *Base) StopBase(ctx context.Context) error {
	b.mu.Lock()
	ids := b.services
	b.services = nil
	b.mu.Unlock()
	if wb := b.Deps.Whiteboard; wb != nil {
		for _, id := range ids {
			wb.OnUnregistered(id)
		}
	}
	if s := b.Deps.Scheduler; s != nil {
		s.HandleUnitEvent(scheduler.UnitEvent{Type: scheduler.UnitStopped, UnitID: b.name})
	}

	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context is the unit runtime context, canceled on stop or disable.
func (b *Base) Context() context.Context { return b.ctx }

func (b *Base) Owner() scheduler.Owner { return scheduler.Owner{UnitID: b.name} }

// Cron schedules job under a cron expression.
func (b *Base) Cron(name, expr string, concurrent bool, job scheduler.JobFunc) error {
	s := b.Deps.Scheduler
	if s == nil {
		return errNoScheduler
	}
	return s.AddJob(b.Owner(), b.ns(name), job, nil, expr, concurrent)
}

// Every schedules job every period seconds.
func (b *Base) Every(name string, period int64, immediate bool, job scheduler.JobFunc) error {
	s := b.Deps.Scheduler
	if s == nil {
		return errNoScheduler
	}
	return s.AddPeriodicJob(b.Owner(), b.ns(name), job, nil, period, false, immediate)
}

// Schedule registers target with opts. An opts name is namespaced.
func (b *Base) Schedule(target any, opts *scheduler.Options) (bool, error) {
	s := b.Deps.Scheduler
	if s == nil {
		return false, errNoScheduler
	}
	if opts != nil && opts.JobName() != "" {
		opts.Name(b.ns(opts.JobName()))
	}
	return s.Schedule(b.Owner(), target, opts)
}

func (b *Base) Unschedule(name string) bool {
	s := b.Deps.Scheduler
	if s == nil {
		return false
	}
	return s.Unschedule(b.Owner(), b.ns(name))
}

// RegisterService announces target on the whiteboard and returns its
// service id. The service is withdrawn by StopBase.
func (b *Base) RegisterService(target any, props scheduler.ServiceProperties) (int64, error) {
	wb := b.Deps.Whiteboard
	if wb == nil || b.Deps.serviceIDs == nil {
		return 0, errors.New("whiteboard not available")
	}
	id := b.Deps.serviceIDs.Add(1)
	d := scheduler.ServiceDescriptor{ServiceID: id, UnitID: b.name, Target: target, Properties: props}
	if err := wb.OnRegistered(d); err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.services = append(b.services, id)
	b.mu.Unlock()
	return id, nil
}

func (b *Base) UnregisterService(id int64) bool {
	wb := b.Deps.Whiteboard
	if wb == nil {
		return false
	}
	b.mu.Lock()
	for i, v := range b.services {
		if v == id {
			b.services = append(b.services[:i], b.services[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	return wb.OnUnregistered(id)
}

// Publish is non-blocking; a nil bus drops the event.
func (b *Base) Publish(typ string, data any) {
	if b == nil || b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (b *Base) ns(name string) string {
	if b.name == "" {
		return name
	}
	if name == "" {
		return b.name
	}
	return b.name + "." + name
}

// DecodeConfig decodes a raw unit config block into T. Unknown fields fail.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, errors.Wrap(err, "decode unit config")
	}
	return out, nil
}
