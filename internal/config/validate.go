package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Validate reports every problem found in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var problems []string
	add := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}
	addf := func(format string, args ...any) { problems = append(problems, errors.Newf(format, args...).Error()) }

	switch cfg.Logging.Format {
	case "", "console", "json":
	default:
		addf("logging.format: want console or json, got %q", cfg.Logging.Format)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			addf("scheduler.timezone: unknown location %q", tz)
		}
	}
	_, err := ParseDurationField("scheduler.slow_threshold", cfg.Scheduler.SlowThreshold)
	add(err)
	for i, f := range cfg.Scheduler.MetricsFilters {
		if strings.TrimSpace(f.Label) == "" || strings.TrimSpace(f.Prefix) == "" {
			addf("scheduler.metrics_filters[%d]: label and prefix are required", i)
		}
	}

	seen := map[string]bool{}
	for i, p := range cfg.Pools {
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			addf("pools[%d].name is required", i)
		case seen[name]:
			addf("pools[%d]: duplicate pool %q", i, name)
		}
		seen[name] = true
		if p.Workers < 0 || p.QueueSize < 0 || p.HistorySize < 0 {
			addf("pools[%d]: sizes must be >= 0", i)
		}
		_, err := ParseDurationField("pools["+name+"].default_timeout", p.DefaultTimeout)
		add(err)
		_, err = ParseDurationField("pools["+name+"].max_queue_delay", p.MaxQueueDelay)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Cluster.Provider)) {
	case "", "static":
	case "etcd":
		if cfg.Cluster.Etcd == nil || len(cfg.Cluster.Etcd.Endpoints) == 0 {
			addf("cluster.etcd.endpoints is required for the etcd provider")
		} else {
			_, err := ParseDurationField("cluster.etcd.ttl", cfg.Cluster.Etcd.TTL)
			add(err)
			_, err = ParseDurationField("cluster.etcd.dial_timeout", cfg.Cluster.Etcd.DialTimeout)
			add(err)
		}
	default:
		addf("cluster.provider: unknown provider %q", cfg.Cluster.Provider)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				addf("storage.path is required for driver %q", s.Driver)
			}
		default:
			addf("storage.driver: unknown driver %q", s.Driver)
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	_, err = ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	add(err)
	_, err = ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout)
	add(err)

	if len(problems) > 0 {
		return errors.Newf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
