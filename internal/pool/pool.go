package pool

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"clusterjobs/internal/eventbus"
	rtsup "clusterjobs/internal/runtime/supervisor"
	logx "clusterjobs/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// TopicDropped is published on the bus with a DropEvent payload.
const TopicDropped = "pool.dropped"

// Pool is a fixed set of workers draining a bounded queue.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	runMu   sync.Mutex
	running map[string]RunningTask

	hmu     sync.Mutex
	history []HistoryItem

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	skipped          atomic.Uint64

	warn *logx.Throttle
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	track      bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:     cfg,
		log:     log.With(logx.Component("pool"), logx.String("pool", cfg.Name)),
		bus:     bus,
		running: make(map[string]RunningTask),
		warn:    logx.NewThrottle(warnThrottleEvery, 1),
	}
}

func (p *Pool) Name() string { return p.cfg.Name }

// Start launches the workers. Start is idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		done := p.stopDone
		p.mu.Unlock()
		if done == nil {
			return
		}
		// Stopping: wait for it to finish before restarting.
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
		if p.stopCh != nil {
			p.mu.Unlock()
			return
		}
	}

	cfg := p.cfg
	p.q = make(chan queuedTask, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))
	stopCh, queue, sup := p.stopCh, p.q, p.sup
	p.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart("worker", func(c context.Context) error {
			p.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	p.log.Info("pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop stops accepting work and waits for in-flight tasks until ctx expires.
// Queued tasks that never started are discarded.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	go func() {
		// Let running tasks finish; workers exit on stopCh between tasks.
		_ = sup.Wait(context.Background())
		p.mu.Lock()
		p.drainLocked()
		p.q = nil
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("pool stopped")
	case <-ctx.Done():
		sup.Cancel()
		p.log.Warn("pool stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue tries to enqueue a task without blocking. If the queue is full, the task is dropped.
func (p *Pool) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	p.mu.Lock()
	cfg := p.cfg
	q := p.q
	stopping := p.stopDone != nil
	p.mu.Unlock()

	if q == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	track := false
	if t.Overlap == OverlapSkipIfRunning {
		track = true
		if !t.State.tryAcquire() {
			p.skipped.Add(1)
			p.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
	}

	select {
	case q <- queuedTask{task: t, enqueuedAt: time.Now(), timeout: timeout, track: track}:
		return nil
	default:
		if track {
			t.State.release()
		}
		p.drop(t, "queue_full", 0)
		return ErrQueueFull
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg := p.cfg
	q := p.q
	p.mu.Unlock()

	snap := Snapshot{
		Name:             cfg.Name,
		Running:          q != nil,
		Workers:          cfg.Workers,
		Dropped:          p.dropped.Load(),
		DroppedQueueFull: p.droppedQueueFull.Load(),
		DroppedStale:     p.droppedStale.Load(),
		Skipped:          p.skipped.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}

	p.runMu.Lock()
	snap.InFlight = make([]RunningTask, 0, len(p.running))
	for _, r := range p.running {
		snap.InFlight = append(snap.InFlight, r)
	}
	p.runMu.Unlock()

	p.hmu.Lock()
	snap.History = append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()
	return snap
}

// drainLocked releases overlap gates held by queued tasks that will never run.
func (p *Pool) drainLocked() {
	for {
		select {
		case qt := <-p.q:
			if qt.track {
				qt.task.State.release()
			}
		default:
			return
		}
	}
}

func (p *Pool) drop(t Task, reason string, queueDelay time.Duration) {
	p.dropped.Add(1)
	switch reason {
	case "queue_full":
		p.droppedQueueFull.Add(1)
	case "stale_queue_delay":
		p.droppedStale.Add(1)
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: TopicDropped, Data: DropEvent{Pool: p.cfg.Name, ID: t.ID, Name: t.Name, Reason: reason}})
	}
	if p.warn.Allow(reason) {
		p.log.Warn("task dropped",
			logx.String("task", t.Name),
			logx.String("reason", reason),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped", p.dropped.Load()),
		)
	}
}

func (p *Pool) record(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if n := p.cfg.HistorySize; len(p.history) > n {
		p.history = p.history[len(p.history)-n:]
	}
	p.hmu.Unlock()
}
