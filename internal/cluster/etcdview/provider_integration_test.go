//go:build etcd

package etcdview

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"

	"clusterjobs/internal/cluster"
	logx "clusterjobs/pkg/logx"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startEtcd(t *testing.T) *clientv3.Client {
	t.Helper()

	clientURL := url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", freePort(t))}
	peerURL := url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", freePort(t))}

	cfg := embed.NewConfig()
	cfg.LogLevel = "error"
	cfg.Name = "test"
	cfg.Dir = filepath.Join(t.TempDir(), "data")
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = fmt.Sprintf("test=%s", peerURL.String())

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(60 * time.Second):
		e.Server.Stop()
		t.Fatal("etcd took too long to start")
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{clientURL.String()},
		DialTimeout: 5 * time.Second,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return cli
}

func TestSingleMemberBecomesLeader(t *testing.T) {
	cli := startEtcd(t)

	state := cluster.NewState("node-a")
	tr := cluster.NewTracker(state, logx.Nop(), nil)
	p := New(Config{Prefix: "/it", TTL: 2 * time.Second}, "node-a", logx.Nop()).WithClient(cli)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, p) }()

	assert.Eventually(t, state.IsLeader, 10*time.Second, 20*time.Millisecond)
	assert.True(t, state.DiscoveryInfoAvailable())

	cancel()
	require.NoError(t, <-done)
	assert.False(t, state.DiscoveryAvailable())
}

func TestSecondMemberFollowsAndTakesOver(t *testing.T) {
	cli := startEtcd(t)

	stA := cluster.NewState("a")
	stB := cluster.NewState("b")
	trA := cluster.NewTracker(stA, logx.Nop(), nil)
	trB := cluster.NewTracker(stB, logx.Nop(), nil)
	pa := New(Config{Prefix: "/it2", TTL: 2 * time.Second}, "a", logx.Nop()).WithClient(cli)
	pb := New(Config{Prefix: "/it2", TTL: 2 * time.Second}, "b", logx.Nop()).WithClient(cli)

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan error, 1)
	go func() { doneA <- trA.Run(ctxA, pa) }()
	require.Eventually(t, stA.IsLeader, 10*time.Second, 20*time.Millisecond)

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	go func() { _ = trB.Run(ctxB, pb) }()
	require.Eventually(t, stB.DiscoveryInfoAvailable, 10*time.Second, 20*time.Millisecond)
	assert.False(t, stB.IsLeader())

	// A resigns on shutdown; B wins the election.
	cancelA()
	require.NoError(t, <-doneA)
	assert.Eventually(t, stB.IsLeader, 10*time.Second, 20*time.Millisecond)
}
