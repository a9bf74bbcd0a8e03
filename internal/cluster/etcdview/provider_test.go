package etcdview

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/api/v3/mvccpb"

	logx "clusterjobs/pkg/logx"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c := Config{Prefix: "/jobs/"}.withDefaults()
	assert.Equal(t, "/jobs", c.Prefix)
	assert.Equal(t, 10*time.Second, c.TTL)
	assert.Equal(t, 5*time.Second, c.DialTimeout)
	assert.Equal(t, "/clusterjobs", Config{}.withDefaults().Prefix)

	assert.Error(t, Config{}.Validate())
	assert.NoError(t, Config{Endpoints: []string{"127.0.0.1:2379"}}.Validate())
}

func TestBuildViewMarksLocalAndLeader(t *testing.T) {
	t.Parallel()

	v := buildView(3, "b", "a", map[string]struct{}{"a": {}, "b": {}, "c": {}})
	assert.Equal(t, "etcd-3", v.ID)
	require.Len(t, v.Members, 3)
	assert.False(t, v.LocalIsLeader())
	l, ok := v.Leader()
	require.True(t, ok)
	assert.Equal(t, "a", l.ID)
	local, ok := v.Local()
	require.True(t, ok)
	assert.Equal(t, "b", local.ID)
}

func TestBuildViewAddsMissingLocal(t *testing.T) {
	t.Parallel()

	v := buildView(1, "me", "me", map[string]struct{}{"other": {}})
	require.Len(t, v.Members, 2)
	assert.True(t, v.LocalIsLeader())
}

func TestApplyMemberEvents(t *testing.T) {
	t.Parallel()

	p := New(Config{Prefix: "/x"}, "a", logx.Nop())
	p.members = map[string]struct{}{"a": {}}

	put := &clientv3.Event{Type: clientv3.EventTypePut, Kv: &mvccpb.KeyValue{Key: []byte("/x/members/b")}}
	assert.True(t, p.applyMemberEvents([]*clientv3.Event{put}))
	// Lease refreshes re-put the same key; not a membership change.
	assert.False(t, p.applyMemberEvents([]*clientv3.Event{put}))

	del := &clientv3.Event{Type: clientv3.EventTypeDelete, Kv: &mvccpb.KeyValue{Key: []byte("/x/members/b")}}
	assert.True(t, p.applyMemberEvents([]*clientv3.Event{del}))
	assert.Equal(t, map[string]struct{}{"a": {}}, p.members)
}

func TestSetLeaderReportsChange(t *testing.T) {
	t.Parallel()

	p := New(Config{}, "a", logx.Nop())
	assert.True(t, p.setLeader("b"))
	assert.False(t, p.setLeader("b"))
	assert.False(t, p.isLeader())
	assert.True(t, p.setLeader("a"))
	assert.True(t, p.isLeader())
}
