package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  pool_name: default
  allowed_pool_names: [batch]
  timezone: UTC
  slow_threshold: 30s
  metrics_filters:
    - label: reports
      prefix: clusterjobs.units.reports
pools:
  - name: default
    workers: 4
  - name: batch
    workers: 1
    default_timeout: 1m
cluster:
  instance_id: node-1
  provider: static
  leader: true
storage:
  driver: file
  path: ./data/runs
http:
  enabled: true
  addr: 127.0.0.1:8089
units:
  heartbeat:
    enabled: true
    config:
      every: 10s
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("clusterjobs.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"batch"}, cfg.Scheduler.AllowedPoolNames)
	require.Len(t, cfg.Scheduler.MetricsFilters, 1)
	assert.Equal(t, "reports", cfg.Scheduler.MetricsFilters[0].Label)
	require.Len(t, cfg.Pools, 2)
	assert.Equal(t, "1m", cfg.Pools[1].DefaultTimeout)
	assert.True(t, cfg.Cluster.Leader)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.True(t, cfg.Units["heartbeat"].Enabled)
	assert.JSONEq(t, `{"every":"10s"}`, string(cfg.Units["heartbeat"].Config))
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{"scheduler":{"pool":"x"}}`))
	require.Error(t, err, "unknown field")

	_, err = Decode("c.json", []byte(`{"units":{"a":{"enabled":true,"timeout":"1s"}}}`))
	require.Error(t, err, "unknown unit field")

	_, err = Decode("c.json", []byte(`{} {}`))
	require.Error(t, err, "trailing data")

	_, err = Decode("c.yml", []byte("logging: [unclosed"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"filter", Config{Scheduler: SchedulerConfig{MetricsFilters: []MetricsFilter{{Label: "x"}}}}, "metrics_filters[0]"},
		{"pool name", Config{Pools: []PoolConfig{{Workers: 1}}}, "pools[0].name"},
		{"duplicate pool", Config{Pools: []PoolConfig{{Name: "a"}, {Name: "a"}}}, "duplicate pool"},
		{"pool duration", Config{Pools: []PoolConfig{{Name: "a", MaxQueueDelay: "soon"}}}, "max_queue_delay"},
		{"provider", Config{Cluster: ClusterConfig{Provider: "zookeeper"}}, "unknown provider"},
		{"etcd endpoints", Config{Cluster: ClusterConfig{Provider: "etcd"}}, "endpoints"},
		{"storage path", Config{Storage: &StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"storage driver", Config{Storage: &StorageConfig{Driver: "bolt", Path: "x"}}, "unknown driver"},
		{"negative duration", Config{HTTP: HTTPConfig{ReadTimeout: "-1s"}}, "negative duration"},
		{"log format", Config{Logging: LoggingConfig{Format: "xml"}}, "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	assert.NoError(t, Validate(&Config{}))
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	old := &Config{
		Logging: LoggingConfig{Level: "info"},
		Units: map[string]UnitConfigRaw{
			"a": {Enabled: true, Config: json.RawMessage(`{"x":1,"y":2}`)},
			"b": {Enabled: true},
		},
	}
	next := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Cluster: ClusterConfig{Provider: "etcd"},
		Units: map[string]UnitConfigRaw{
			"a": {Enabled: true, Config: json.RawMessage(`{ "y": 2, "x": 1 }`)},
			"b": {Enabled: false},
			"c": {Enabled: true},
		},
	}
	changed, attrs, units := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"cluster", "logging", "units"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"b", "c"}, units, "key order does not count as a change")
	assert.Equal(t, []string{"cluster"}, RestartRequired(changed))
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clusterjobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// Invalid content is rejected and nothing is published.
	require.NoError(t, os.WriteFile(path, []byte(`{"cluster":{"provider":"nope"}}`), 0o600))
	select {
	case cfg := <-ch:
		t.Fatalf("unexpected publish: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
}

func TestHashRawIgnoresLayout(t *testing.T) {
	a := HashRaw(json.RawMessage(`{"expr":"0 * * * * ?","pool":"p"}`))
	b := HashRaw(json.RawMessage("{ \"pool\": \"p\",\n  \"expr\": \"0 * * * * ?\" }"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, HashRaw(json.RawMessage(`{"expr":"0 * * * * ?","pool":"q"}`)))
	assert.Zero(t, HashRaw(nil))
	assert.NotZero(t, HashRaw(json.RawMessage(`{not json`)))
}

func TestParseDurations(t *testing.T) {
	d, err := ParseDurationField("x", " 1500ms ")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, err = ParseDurationField("pools[a].default_timeout", "-1s")
	require.ErrorContains(t, err, "pools[a].default_timeout")
	_, err = ParseDurationField("x", "soon")
	require.Error(t, err)

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}
