package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterjobs/internal/eventbus"
	logx "clusterjobs/pkg/logx"
)

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, logx.Nop(), eventbus.New())
	p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()

	p := startPool(t, Config{Name: "t", Workers: 2})
	done := make(chan struct{})
	require.NoError(t, p.Enqueue(Task{Name: "job", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	assert.Eventually(t, func() bool { return len(p.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueValidates(t *testing.T) {
	t.Parallel()

	p := startPool(t, Config{Name: "t"})
	assert.Error(t, p.Enqueue(Task{Name: "x"}))
	assert.Error(t, p.Enqueue(Task{Run: func(context.Context) error { return nil }}))
}

func TestEnqueueOnStoppedPool(t *testing.T) {
	t.Parallel()

	p := New(Config{Name: "t"}, logx.Nop(), nil)
	err := p.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSkipIfRunning(t *testing.T) {
	t.Parallel()

	p := startPool(t, Config{Name: "t", Workers: 2})
	st := &RunState{}
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32

	task := Task{Name: "slow", Overlap: OverlapSkipIfRunning, State: st, Run: func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}}
	require.NoError(t, p.Enqueue(task))
	<-started

	assert.ErrorIs(t, p.Enqueue(task), ErrOverlapSkip)
	assert.Equal(t, uint64(1), p.Snapshot().Skipped)
	require.Len(t, p.Snapshot().InFlight, 1)

	close(release)
	assert.Eventually(t, func() bool { return st.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Enqueue(task))
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestOverlapAllowRunsConcurrently(t *testing.T) {
	t.Parallel()

	p := startPool(t, Config{Name: "t", Workers: 2})
	release := make(chan struct{})
	var active atomic.Int32
	task := Task{Name: "par", Overlap: OverlapAllow, Run: func(ctx context.Context) error {
		active.Add(1)
		<-release
		return nil
	}}
	require.NoError(t, p.Enqueue(task))
	require.NoError(t, p.Enqueue(task))
	assert.Eventually(t, func() bool { return active.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()

	p := startPool(t, Config{Name: "t", Workers: 1})
	require.NoError(t, p.Enqueue(Task{Name: "boom", Run: func(ctx context.Context) error { panic("x") }}))

	done := make(chan struct{})
	require.NoError(t, p.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error {
		close(done)
		return errors.New("recorded")
	}}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
	assert.Eventually(t, func() bool {
		h := p.Snapshot().History
		return len(h) == 2 && h[0].Error == "panic: x" && h[1].Error == "recorded"
	}, time.Second, 5*time.Millisecond)
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	drops, unsub := bus.SubscribeTopics(4, TopicDropped)
	defer unsub()

	p := New(Config{Name: "tiny", Workers: 1, QueueSize: 1}, logx.Nop(), bus)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context) error { <-release; return nil }
	started := make(chan struct{})
	require.NoError(t, p.Enqueue(Task{Name: "a", Run: func(ctx context.Context) error { close(started); return block(ctx) }}))
	<-started
	require.NoError(t, p.Enqueue(Task{Name: "b", Run: block}))
	assert.ErrorIs(t, p.Enqueue(Task{Name: "c", Run: block}), ErrQueueFull)

	ev := <-drops
	assert.Equal(t, "queue_full", ev.Data.(DropEvent).Reason)
	assert.Equal(t, uint64(1), p.Snapshot().DroppedQueueFull)
}

func TestManagerRefCounts(t *testing.T) {
	t.Parallel()

	m := NewManager(context.Background(), []Config{{Name: "io", Workers: 3}}, logx.Nop(), nil)
	a, err := m.Get("io")
	require.NoError(t, err)
	b, err := m.Get("io")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 3, a.Snapshot().Workers)

	m.Release(context.Background(), a)
	assert.True(t, b.Snapshot().Running)
	m.Release(context.Background(), b)
	assert.Eventually(t, func() bool { return !b.Snapshot().Running }, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.Snapshots())

	_, err = m.Get("")
	assert.ErrorIs(t, err, ErrUnknownPool)

	m.Close(context.Background())
	_, err = m.Get("io")
	assert.ErrorIs(t, err, ErrStopped)
}
