package config

import (
	"reflect"
	"sort"
	"strings"

	logx "clusterjobs/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"scheduler": true,
	"pools":     true,
	"cluster":   true,
	"storage":   true,
	"http":      true,
}

// RestartRequired filters changed down to the sections that cannot be
// applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		if restartSections[c] {
			out = append(out, c)
		}
	}
	return out
}

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging, and (3) the names of units whose
// enable flag or config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.pool_name", strings.TrimSpace(newCfg.Scheduler.PoolName)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.filters", len(newCfg.Scheduler.MetricsFilters)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pools, newCfg.Pools) {
		changed = append(changed, "pools")
		attrs = append(attrs, logx.Int("pools.count", len(newCfg.Pools)))
	}

	if !reflect.DeepEqual(oldCfg.Cluster, newCfg.Cluster) {
		changed = append(changed, "cluster")
		attrs = append(attrs,
			logx.String("cluster.provider", strings.TrimSpace(newCfg.Cluster.Provider)),
			logx.String("cluster.instance_id", strings.TrimSpace(newCfg.Cluster.InstanceID)),
		)
	}

	// Nil means disabled. The path is not logged.
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		var nDriver string
		var nPathSet bool
		if s := newCfg.Storage; s != nil {
			nDriver, nPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path) != ""
		}
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	unitChanged := diffUnits(oldCfg.Units, newCfg.Units)
	if len(unitChanged) > 0 {
		changed = append(changed, "units")
		attrs = append(attrs,
			logx.Int("units.changed_count", len(unitChanged)),
			logx.Int("units.enabled_count", countEnabled(newCfg.Units)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, unitChanged
}

func countEnabled(m map[string]UnitConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffUnits(oldM, newM map[string]UnitConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || HashRaw(o.Config) != HashRaw(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
