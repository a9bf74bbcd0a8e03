package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clusterjobs/internal/cluster"
	"clusterjobs/internal/pool"
	"clusterjobs/internal/storage"
	logx "clusterjobs/pkg/logx"
)

const waitFor = 3 * time.Second

// newActive returns an activated service whose local instance is "node-1".
func newActive(t *testing.T, cfg Config, opts ...Option) (*Service, *cluster.State) {
	t.Helper()
	state := cluster.NewState("node-1")
	svc := New(state, logx.Nop(), opts...)
	pools := pool.NewManager(context.Background(), []pool.Config{
		{Name: DefaultPoolName, Workers: 2},
		{Name: "batch", Workers: 1},
	}, logx.Nop(), nil)
	require.NoError(t, svc.Activate(context.Background(), pools, cfg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Deactivate(ctx)
		pools.Close(ctx)
	})
	return svc, state
}

type countingRunnable struct{ n atomic.Int32 }

func (c *countingRunnable) Run() { c.n.Add(1) }

type recordingJob struct {
	mu    sync.Mutex
	calls []JobContext
	err   error
}

func (j *recordingJob) Execute(jc JobContext) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, jc)
	return j.err
}

func (j *recordingJob) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.calls)
}

type memRecorder struct {
	mu   sync.Mutex
	runs []storage.Run
}

func (m *memRecorder) RecordRun(_ context.Context, r storage.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func (m *memRecorder) all() []storage.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Run(nil), m.runs...)
}
