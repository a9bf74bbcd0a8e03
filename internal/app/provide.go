package app

import (
	"context"

	"github.com/samber/do"

	"clusterjobs/internal/cluster"
	"clusterjobs/internal/config"
	"clusterjobs/internal/eventbus"
	"clusterjobs/internal/httpapi"
	"clusterjobs/internal/pool"
	"clusterjobs/internal/scheduler"
	"clusterjobs/internal/storage"
	"clusterjobs/internal/unit"
	logx "clusterjobs/pkg/logx"
)

// runContext is the app supervisor context, provided once Start runs.
type runContext struct{ context.Context }

func provideAll(i *do.Injector) {
	provideLogging(i)
	provideBus(i)
	provideStorage(i)
	provideCluster(i)
	providePools(i)
	provideScheduler(i)
	provideUnits(i)
	provideHTTP(i)
}

func component(i *do.Injector, name string) logx.Logger {
	return do.MustInvoke[logx.Logger](i).With(logx.Component(name))
}

func provideLogging(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*logx.Service, error) {
		cfg, err := do.Invoke[*config.Config](i)
		if err != nil {
			return nil, err
		}
		svc, _ := logx.New(mapLogging(cfg))
		return svc, nil
	})
	do.Provide(i, func(i *do.Injector) (logx.Logger, error) {
		svc, err := do.Invoke[*logx.Service](i)
		if err != nil {
			return logx.Logger{}, err
		}
		return svc.Logger(), nil
	})
}

func provideBus(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (eventbus.Bus, error) {
		return eventbus.New(), nil
	})
}

// storage.Store is nil when run history is disabled.
func provideStorage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (storage.Store, error) {
		cfg, err := do.Invoke[*config.Config](i)
		if err != nil {
			return nil, err
		}
		sc, err := mapStorage(cfg)
		if err != nil {
			return nil, err
		}
		return storage.Open(sc, component(i, "storage"))
	})
}

func provideCluster(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*cluster.State, error) {
		cfg, err := do.Invoke[*config.Config](i)
		if err != nil {
			return nil, err
		}
		return cluster.NewState(instanceID(cfg)), nil
	})
	do.Provide(i, func(i *do.Injector) (*cluster.Tracker, error) {
		state, err := do.Invoke[*cluster.State](i)
		if err != nil {
			return nil, err
		}
		bus, err := do.Invoke[eventbus.Bus](i)
		if err != nil {
			return nil, err
		}
		return cluster.NewTracker(state, do.MustInvoke[logx.Logger](i), bus), nil
	})
	do.Provide(i, func(i *do.Injector) (cluster.Provider, error) {
		cfg, err := do.Invoke[*config.Config](i)
		if err != nil {
			return nil, err
		}
		state, err := do.Invoke[*cluster.State](i)
		if err != nil {
			return nil, err
		}
		return mapProvider(cfg, state.InstanceID(), do.MustInvoke[logx.Logger](i))
	})
}

func providePools(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*pool.Manager, error) {
		cfg, err := do.Invoke[*config.Config](i)
		if err != nil {
			return nil, err
		}
		rc, err := do.Invoke[runContext](i)
		if err != nil {
			return nil, err
		}
		cfgs, err := mapPools(cfg)
		if err != nil {
			return nil, err
		}
		return pool.NewManager(rc.Context, cfgs, component(i, "pools"), do.MustInvoke[eventbus.Bus](i)), nil
	})
}

func provideScheduler(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*scheduler.Metrics, error) {
		cfg, err := do.Invoke[*config.Config](i)
		if err != nil {
			return nil, err
		}
		slow, err := config.ParseDurationField("scheduler.slow_threshold", cfg.Scheduler.SlowThreshold)
		if err != nil {
			return nil, err
		}
		return scheduler.NewMetrics(slow), nil
	})
	do.Provide(i, func(i *do.Injector) (*scheduler.Service, error) {
		state, err := do.Invoke[*cluster.State](i)
		if err != nil {
			return nil, err
		}
		metrics, err := do.Invoke[*scheduler.Metrics](i)
		if err != nil {
			return nil, err
		}
		store, err := do.Invoke[storage.Store](i)
		if err != nil {
			return nil, err
		}
		opts := []scheduler.Option{
			scheduler.WithBus(do.MustInvoke[eventbus.Bus](i)),
			scheduler.WithMetrics(metrics),
		}
		if store != nil {
			opts = append(opts, scheduler.WithRecorder(store))
		}
		return scheduler.New(state, component(i, "scheduler"), opts...), nil
	})
	do.Provide(i, func(i *do.Injector) (*scheduler.Whiteboard, error) {
		svc, err := do.Invoke[*scheduler.Service](i)
		if err != nil {
			return nil, err
		}
		return scheduler.NewWhiteboard(svc, do.MustInvoke[logx.Logger](i)), nil
	})
}

func provideUnits(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*unit.Manager, error) {
		svc, err := do.Invoke[*scheduler.Service](i)
		if err != nil {
			return nil, err
		}
		wb, err := do.Invoke[*scheduler.Whiteboard](i)
		if err != nil {
			return nil, err
		}
		log := do.MustInvoke[logx.Logger](i)
		return unit.NewManager(log, unit.Deps{
			Logger:     log,
			Scheduler:  svc,
			Whiteboard: wb,
			Bus:        do.MustInvoke[eventbus.Bus](i),
			Cluster:    do.MustInvoke[*cluster.State](i),
		}), nil
	})
}

// *httpapi.Server is nil when http is disabled.
func provideHTTP(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*httpapi.Server, error) {
		cfg, err := do.Invoke[*config.Config](i)
		if err != nil {
			return nil, err
		}
		if !cfg.HTTP.Enabled {
			return nil, nil
		}
		hc, err := mapHTTP(cfg)
		if err != nil {
			return nil, err
		}
		store, err := do.Invoke[storage.Store](i)
		if err != nil {
			return nil, err
		}
		pools, err := do.Invoke[*pool.Manager](i)
		if err != nil {
			return nil, err
		}
		log := component(i, "http")
		router := httpapi.NewRouter(httpapi.Sources{
			Scheduler:  do.MustInvoke[*scheduler.Service](i),
			Whiteboard: do.MustInvoke[*scheduler.Whiteboard](i),
			Cluster:    do.MustInvoke[*cluster.State](i),
			Pools:      pools,
			Units:      do.MustInvoke[*unit.Manager](i),
			Store:      store,
		}, cfg.HTTP.Pprof, log)
		return httpapi.NewServer(hc, router, log), nil
	})
}
