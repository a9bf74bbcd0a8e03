package app

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"clusterjobs/internal/cluster"
	"clusterjobs/internal/cluster/etcdview"
	"clusterjobs/internal/config"
	"clusterjobs/internal/httpapi"
	"clusterjobs/internal/pool"
	"clusterjobs/internal/scheduler"
	"clusterjobs/internal/storage"
	logx "clusterjobs/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  logx.Format(cfg.Logging.Format),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapPools returns one pool config per configured pool plus any pool the
// scheduler names that is not listed.
func mapPools(cfg *config.Config) ([]pool.Config, error) {
	var out []pool.Config
	seen := map[string]bool{}
	for _, p := range cfg.Pools {
		name := strings.TrimSpace(p.Name)
		timeout, err := config.ParseDurationField("pools["+name+"].default_timeout", p.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		delay, err := config.ParseDurationField("pools["+name+"].max_queue_delay", p.MaxQueueDelay)
		if err != nil {
			return nil, err
		}
		out = append(out, pool.Config{
			Name:           name,
			Workers:        p.Workers,
			QueueSize:      p.QueueSize,
			DefaultTimeout: timeout,
			MaxQueueDelay:  delay,
			HistorySize:    p.HistorySize,
		})
		seen[name] = true
	}
	sc := mapScheduler(cfg)
	for _, name := range append([]string{sc.PoolName}, sc.AllowedPoolNames...) {
		if name != "" && !seen[name] {
			out = append(out, pool.Config{Name: name})
			seen[name] = true
		}
	}
	return out, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	sc := scheduler.Config{
		PoolName:         strings.TrimSpace(cfg.Scheduler.PoolName),
		AllowedPoolNames: cfg.Scheduler.AllowedPoolNames,
		Timezone:         cfg.Scheduler.Timezone,
	}
	if sc.PoolName == "" {
		sc.PoolName = scheduler.DefaultPoolName
	}
	for _, f := range cfg.Scheduler.MetricsFilters {
		sc.MetricsFilters = append(sc.MetricsFilters, scheduler.FilterRule{Label: f.Label, Prefix: f.Prefix})
	}
	return sc
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	if (driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(sc.Path) == "" {
		return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy, Retain: sc.Retain}, nil
}

func instanceID(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.Cluster.InstanceID); id != "" {
		return id
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "clusterjobs"
}

func mapProvider(cfg *config.Config, id string, log logx.Logger) (cluster.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Cluster.Provider)) {
	case "", "static":
		return cluster.NewStaticProvider(id, cfg.Cluster.Leader, cfg.Cluster.Peers...), nil
	case "etcd":
		ec := cfg.Cluster.Etcd
		if ec == nil {
			return nil, errors.New("cluster.etcd is required for the etcd provider")
		}
		ttl, err := config.ParseDurationField("cluster.etcd.ttl", ec.TTL)
		if err != nil {
			return nil, err
		}
		dial, err := config.ParseDurationField("cluster.etcd.dial_timeout", ec.DialTimeout)
		if err != nil {
			return nil, err
		}
		ecfg := etcdview.Config{Endpoints: ec.Endpoints, Prefix: ec.Prefix, TTL: ttl, DialTimeout: dial}
		if err := ecfg.Validate(); err != nil {
			return nil, err
		}
		return etcdview.New(ecfg, id, log), nil
	default:
		return nil, errors.Newf("unknown cluster.provider: %s", cfg.Cluster.Provider)
	}
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", cfg.HTTP.IdleTimeout, time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{Addr: cfg.HTTP.Addr, ReadTimeout: read, IdleTimeout: idle}, nil
}
