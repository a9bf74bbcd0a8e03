// Package app wires the scheduler, its pools, topology tracking, units and
// the diagnostics server into one process.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/do"

	"clusterjobs/internal/cluster"
	"clusterjobs/internal/config"
	"clusterjobs/internal/eventbus"
	"clusterjobs/internal/httpapi"
	"clusterjobs/internal/pool"
	"clusterjobs/internal/runtime/supervisor"
	"clusterjobs/internal/scheduler"
	"clusterjobs/internal/storage"
	"clusterjobs/internal/unit"
	logx "clusterjobs/pkg/logx"
)

type App struct {
	i    *do.Injector
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	state    *cluster.State
	tracker  *cluster.Tracker
	provider cluster.Provider
	pools    *pool.Manager
	sched    *scheduler.Service
	wb       *scheduler.Whiteboard
	units    *unit.Manager
	http     *httpapi.Server
}

// New loads and validates the config at cfgPath and resolves every
// component that does not need a running context. units are registered
// with the unit manager; the units config section decides which start.
func New(cfgPath string, units ...unit.Unit) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	i := do.New()
	do.ProvideValue(i, cfgm)
	do.ProvideValue(i, cfg)
	provideAll(i)

	a := &App{i: i, cfgm: cfgm}
	if a.logs, err = do.Invoke[*logx.Service](i); err != nil {
		return nil, errors.Wrap(err, "logging")
	}
	a.log = a.logs.Logger().With(logx.Component("app"))
	a.bus = do.MustInvoke[eventbus.Bus](i)
	if a.store, err = do.Invoke[storage.Store](i); err != nil {
		return nil, errors.Wrap(err, "storage")
	}
	if a.store != nil {
		a.log.Info("run history enabled", logx.String("driver", cfg.Storage.Driver))
	}
	a.state = do.MustInvoke[*cluster.State](i)
	a.tracker = do.MustInvoke[*cluster.Tracker](i)
	if a.provider, err = do.Invoke[cluster.Provider](i); err != nil {
		return nil, errors.Wrap(err, "cluster")
	}
	if a.sched, err = do.Invoke[*scheduler.Service](i); err != nil {
		return nil, errors.Wrap(err, "scheduler")
	}
	a.wb = do.MustInvoke[*scheduler.Whiteboard](i)
	a.units = do.MustInvoke[*unit.Manager](i)
	a.units.Register(units...)
	return a, nil
}

func (a *App) Units() *unit.Manager              { return a.units }
func (a *App) Scheduler() *scheduler.Service     { return a.sched }
func (a *App) Whiteboard() *scheduler.Whiteboard { return a.wb }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	do.ProvideValue(a.i, runContext{a.sup.Context()})

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapPools(cfg); err != nil {
			return err
		}
		_, err := mapStorage(cfg)
		return err
	})

	var err error
	if a.pools, err = do.Invoke[*pool.Manager](a.i); err != nil {
		return errors.Wrap(err, "pools")
	}
	if a.http, err = do.Invoke[*httpapi.Server](a.i); err != nil {
		return errors.Wrap(err, "http")
	}

	// Topology first so leadership is known before the first fire.
	a.sup.GoRestart("topology", func(c context.Context) error {
		return a.tracker.Run(c, a.provider)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if err := a.sched.Activate(a.sup.Context(), a.pools, mapScheduler(a.cfgm.Get())); err != nil {
		return err
	}
	a.wb.Resync()

	a.sup.Go("scheduler.units", func(c context.Context) error {
		a.sched.WatchUnits(c, a.bus)
		return nil
	})

	a.units.StartAll(a.sup.Context(), a.cfgm.Get().Units)

	if a.http != nil {
		a.http.Start(a.sup.Context())
	}

	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("instance", a.state.InstanceID()),
		logx.String("provider", a.provider.Name()),
		logx.Int("jobs", len(a.sched.Jobs())),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Units first: their Stop may still unschedule jobs.
	a.step(ctx, "units", 4*time.Second, func(c context.Context) error { a.units.StopAll(c, reason.unitReason()); return nil })

	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Deactivate(c); return nil })
	a.step(ctx, "pools", 2*time.Second, func(c context.Context) error {
		if a.pools != nil {
			a.pools.Close(c)
		}
		return nil
	})
	a.step(ctx, "http", time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (topology, config watch/reload).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
