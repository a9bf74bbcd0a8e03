// Package unit hosts independently started units of work. Units own their
// jobs through the scheduler; when a unit stops, its jobs go with it.
package unit

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"clusterjobs/internal/cluster"
	"clusterjobs/internal/eventbus"
	"clusterjobs/internal/scheduler"
	logx "clusterjobs/pkg/logx"
)

type Unit interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ConfigurableUnit receives its raw config block before Start and on every
// change while running.
type ConfigurableUnit interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is an optional hook to validate unit config before applying it.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// HealthChecker is optional; Manager.Snapshot reports its result.
type HealthChecker interface {
	Health(ctx context.Context) (status string, err error)
}

type Deps struct {
	Logger     logx.Logger
	Scheduler  *scheduler.Service
	Whiteboard *scheduler.Whiteboard
	Bus        eventbus.Bus
	Cluster    *cluster.State

	serviceIDs *atomic.Int64
}

// StopReason says why a unit was stopped.
type StopReason string

const (
	StopShutdown   StopReason = "shutdown"
	StopDisable    StopReason = "disable"
	StopQuarantine StopReason = "quarantine"
	StopRequest    StopReason = "request"
)
