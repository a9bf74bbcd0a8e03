package pool

import (
	"context"
	"sync"
	"time"
)

// Config sizes one named worker pool.
type Config struct {
	Name      string
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no deadline.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning drops a fire while the previous one is queued or running.
	OverlapSkipIfRunning
)

// RunState tracks whether a task is already in-flight.
// "SkipIfRunning" is treated as "skip if running OR already queued",
// which prevents queue blow-ups when a trigger fires faster than execution.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// InFlight reports queued plus running executions gated by this state.
func (s *RunState) InFlight() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Task is a unit of work executed by a pool.
//
// State gates overlap when Overlap is OverlapSkipIfRunning; callers that fire the
// same logical job repeatedly must pass the same State every time.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Overlap OverlapPolicy
	State   *RunState
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// DropEvent is published when a task never reaches a worker.
type DropEvent struct {
	Pool   string `json:"pool"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// RunningTask is an execution currently held by a worker.
type RunningTask struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Started time.Time `json:"started"`
}

// Snapshot is a lightweight view for diagnostics and gauges.
type Snapshot struct {
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	Workers  int    `json:"workers"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`

	InFlight []RunningTask `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	Skipped          uint64 `json:"skipped"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`

	History []HistoryItem `json:"history"`
}

// OldestRunning returns the start time of the longest running task, or zero.
func (s Snapshot) OldestRunning() time.Time {
	var oldest time.Time
	for _, r := range s.InFlight {
		if oldest.IsZero() || r.Started.Before(oldest) {
			oldest = r.Started
		}
	}
	return oldest
}
