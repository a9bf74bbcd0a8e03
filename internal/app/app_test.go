package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterjobs/internal/config"
	"clusterjobs/internal/scheduler"
	"clusterjobs/internal/unit"
	logx "clusterjobs/pkg/logx"
)

type tickUnit struct{ unit.Base }

func (u *tickUnit) Name() string { return "tick" }

func (u *tickUnit) Init(_ context.Context, deps unit.Deps) error {
	u.InitBase(deps, u.Name())
	return nil
}

func (u *tickUnit) Start(ctx context.Context) error {
	u.StartBase(ctx)
	_, err := u.Schedule(scheduler.RunnableFunc(func() {}), scheduler.Expr("0 0 * * * ?").Name("hourly").OnLeaderOnly(true))
	return err
}

func (u *tickUnit) Stop(ctx context.Context) error { return u.StopBase(ctx) }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const testConfig = `{
  "logging": {"level": "error"},
  "scheduler": {"allowed_pool_names": ["batch"]},
  "pools": [{"name": "batch", "workers": 1}],
  "cluster": {"instance_id": "node-a", "leader": true},
  "storage": {"driver": "file", "path": "%s"},
  "units": {"tick": {"enabled": true}}
}`

func TestAppStartStop(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(testConfig, filepath.Join(dir, "runs")))

	a, err := New(path, &tickUnit{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	assert.True(t, a.Scheduler().Active())
	assert.True(t, a.Scheduler().Exists("tick.hourly"))
	assert.Eventually(t, func() bool { return a.state.IsLeader() }, 2*time.Second, 10*time.Millisecond)

	st := a.Units().Snapshot(context.Background())
	require.Len(t, st, 1)
	assert.True(t, st[0].Running)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.False(t, a.Scheduler().Active())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `{"scheduler": {"timezone": "Mars/Olympus"}}`)
	_, err := New(path)
	assert.Error(t, err)
}

func TestMapPoolsAddsSchedulerPools(t *testing.T) {
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{PoolName: "main", AllowedPoolNames: []string{"batch", "main"}},
		Pools:     []config.PoolConfig{{Name: "batch", Workers: 3, DefaultTimeout: "5s"}},
	}
	pools, err := mapPools(cfg)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, "batch", pools[0].Name)
	assert.Equal(t, 5*time.Second, pools[0].DefaultTimeout)
	assert.Equal(t, "main", pools[1].Name)
}

func TestMapSchedulerDefaults(t *testing.T) {
	sc := mapScheduler(&config.Config{Scheduler: config.SchedulerConfig{
		MetricsFilters: []config.MetricsFilter{{Label: "reports", Prefix: "units.reports"}},
	}})
	assert.Equal(t, scheduler.DefaultPoolName, sc.PoolName)
	assert.Equal(t, []scheduler.FilterRule{{Label: "reports", Prefix: "units.reports"}}, sc.MetricsFilters)
}

func TestMapProvider(t *testing.T) {
	p, err := mapProvider(&config.Config{}, "n1", logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "static", p.Name())

	_, err = mapProvider(&config.Config{Cluster: config.ClusterConfig{Provider: "etcd"}}, "n1", logx.Nop())
	assert.Error(t, err)

	p, err = mapProvider(&config.Config{Cluster: config.ClusterConfig{
		Provider: "etcd",
		Etcd:     &config.EtcdConfig{Endpoints: []string{"127.0.0.1:2379"}, TTL: "5s"},
	}}, "n1", logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "etcd", p.Name())

	_, err = mapProvider(&config.Config{Cluster: config.ClusterConfig{Provider: "zk"}}, "n1", logx.Nop())
	assert.Error(t, err)
}

func TestMapStorageRequiresSQLitePath(t *testing.T) {
	_, err := mapStorage(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	assert.Error(t, err)
	sc, err := mapStorage(&config.Config{Storage: &config.StorageConfig{Driver: "File", Path: "runs", Retain: 10}})
	require.NoError(t, err)
	assert.Equal(t, "file", sc.Driver)
	assert.Equal(t, 10, sc.Retain)
}

