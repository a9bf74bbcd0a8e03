package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Pools sizes named worker pools. Pools referenced by the scheduler but
	// not listed here get default sizing.
	Pools []PoolConfig `json:"pools,omitempty"`

	Cluster ClusterConfig            `json:"cluster"`
	Storage *StorageConfig           `json:"storage,omitempty"`
	HTTP    HTTPConfig               `json:"http"`
	Units   map[string]UnitConfigRaw `json:"units"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "console" (default) or "json" for stdout.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduling facade.
//
// Example:
//
//	"scheduler": {
//	  "pool_name": "default",
//	  "allowed_pool_names": ["batch"],
//	  "timezone": "Europe/Berlin",
//	  "metrics_filters": [{"label": "reports", "prefix": "clusterjobs.units.reports"}]
//	}
type SchedulerConfig struct {
	PoolName         string          `json:"pool_name,omitempty"`
	AllowedPoolNames []string        `json:"allowed_pool_names,omitempty"`
	Timezone         string          `json:"timezone,omitempty"`
	MetricsFilters   []MetricsFilter `json:"metrics_filters,omitempty"`
	// SlowThreshold is a Go duration string; running jobs older than this
	// are counted as slow. Empty disables the gauge.
	SlowThreshold string `json:"slow_threshold,omitempty"`
}

type MetricsFilter struct {
	Label  string `json:"label"`
	Prefix string `json:"prefix"`
}

// PoolConfig sizes one worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type PoolConfig struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops fires that waited longer than this in the queue.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// ClusterConfig selects the topology provider.
//
// Provider values:
//   - "static" (default): fixed membership; Leader decides leadership
//   - "etcd": membership and leader election through etcd
type ClusterConfig struct {
	InstanceID string      `json:"instance_id,omitempty"` // default: hostname
	Provider   string      `json:"provider,omitempty"`
	Leader     bool        `json:"leader,omitempty"`
	Peers      []string    `json:"peers,omitempty"`
	Etcd       *EtcdConfig `json:"etcd,omitempty"`
}

type EtcdConfig struct {
	Endpoints   []string `json:"endpoints"`
	Prefix      string   `json:"prefix,omitempty"`
	TTL         string   `json:"ttl,omitempty"`
	DialTimeout string   `json:"dial_timeout,omitempty"`
}

// StorageConfig controls the optional run history.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/clusterjobs" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retain      int    `json:"retain,omitempty"`
}

// HTTPConfig controls the diagnostics server.
//
// Security note: prefer binding to localhost; the endpoints are unauthenticated.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Pprof   bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

type UnitConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in unit blocks are caught
// during reload.
func (u *UnitConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*u = UnitConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
