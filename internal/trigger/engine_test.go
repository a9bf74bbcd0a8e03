package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterjobs/internal/pool"
	logx "clusterjobs/pkg/logx"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	p := pool.New(pool.Config{Name: "default", Workers: 2}, logx.Nop(), nil)
	p.Start(context.Background())
	e := New(Config{Timezone: "UTC"}, p, logx.Nop())
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Stop(ctx)
		p.Stop(ctx)
	})
	return e
}

func counter(n *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestNowFiresOnceAndExhausts(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	exhausted := make(chan string, 1)
	e.OnExhausted(func(name string) { exhausted <- name })

	var runs atomic.Int32
	require.NoError(t, e.Schedule(Job{Name: "once", Run: counter(&runs)}, Now()))

	select {
	case name := <-exhausted:
		assert.Equal(t, "once", name)
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never exhausted")
	}
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, e.Exists("once"))
}

func TestRepeatFiresTimes(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	var runs atomic.Int32
	require.NoError(t, e.Schedule(Job{Name: "thrice", Run: counter(&runs)}, Repeat(time.Time{}, 3, 20*time.Millisecond)))

	assert.Eventually(t, func() bool { return !e.Exists("thrice") }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(3), runs.Load())
}

func TestDeleteStopsFiring(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	var runs atomic.Int32
	require.NoError(t, e.Schedule(Job{Name: "tick", Run: counter(&runs)}, Periodic(10*time.Millisecond, true)))
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, e.Delete("tick"))
	assert.False(t, e.Delete("tick"))
	time.Sleep(30 * time.Millisecond)
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestScheduleReplacesSameName(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	cr, err := Cron("0 0 1 1 *")
	require.NoError(t, err)
	require.NoError(t, e.Schedule(Job{Name: "dup", Run: func(context.Context) error { return nil }}, cr))
	require.NoError(t, e.Schedule(Job{Name: "dup", Run: func(context.Context) error { return nil }}, Periodic(time.Hour, false)))

	entries := e.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "every(1h0m0s)", entries[0].Trigger)
	assert.Equal(t, "default", entries[0].Pool)
	assert.False(t, entries[0].Next.IsZero())
}

func TestScheduleValidates(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	run := func(context.Context) error { return nil }
	assert.Error(t, e.Schedule(Job{Name: " ", Run: run}, Now()))
	assert.Error(t, e.Schedule(Job{Name: "x"}, Now()))
	assert.Error(t, e.Schedule(Job{Name: "x", Run: run}, Trigger{}))

	bare := New(Config{}, nil, logx.Nop())
	assert.Error(t, bare.Schedule(Job{Name: "x", Run: run}, Now()))
}

func TestDefinitionsAddedOnStart(t *testing.T) {
	t.Parallel()

	p := pool.New(pool.Config{Name: "p", Workers: 1}, logx.Nop(), nil)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	e := New(Config{}, p, logx.Nop())
	var runs atomic.Int32
	require.NoError(t, e.Schedule(Job{Name: "early", Run: counter(&runs)}, Now()))
	assert.True(t, e.Exists("early"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())

	e.Start(context.Background())
	defer e.Stop(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}
