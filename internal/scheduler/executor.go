package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"clusterjobs/internal/cluster"
	"clusterjobs/internal/eventbus"
	"clusterjobs/internal/storage"
	logx "clusterjobs/pkg/logx"
)

const failureLogThrottle = 30 * time.Second

// Outcome of one fire.
type Outcome string

const (
	OutcomeRan     Outcome = "ran"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Skip reasons.
const (
	reasonNotLeader   = "not leader"
	reasonNotListed   = "instance not listed"
	reasonNoTopology  = "topology unknown"
	reasonUnknownKind = "unsupported target"
)

// RunRecorder persists fire outcomes. storage.Store satisfies it.
type RunRecorder interface {
	RecordRun(ctx context.Context, r storage.Run) error
}

// RunData is published on the job.ran, job.skipped and job.failed topics.
type RunData struct {
	Name    string
	Unit    string
	Outcome Outcome
	Reason  string
	Took    time.Duration
	Err     error
}

// Executor runs one fire of a job: it applies the run-on restriction against
// the cluster state, invokes the target and records the result. Failures are
// contained here and never reach the trigger engine.
type Executor struct {
	state    *cluster.State
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *Metrics
	recorder RunRecorder
	warn     *logx.Throttle
	now      func() time.Time
}

func newExecutor(state *cluster.State, log logx.Logger) *Executor {
	return &Executor{
		state: state,
		log:   log,
		warn:  logx.NewThrottle(failureLogThrottle, 1),
		now:   time.Now,
	}
}

// Execute runs rec once and reports what happened.
func (x *Executor) Execute(ctx context.Context, rec *jobRecord) Outcome {
	if ok, reason := x.shouldRun(rec.runOn); !ok {
		x.finish(ctx, rec, OutcomeSkipped, reason, 0, nil)
		return OutcomeSkipped
	}

	jc := &jobContext{ctx: ctx, name: rec.name, config: rec.config, fired: x.now()}
	done := x.metrics.begin(rec.name, rec.pool, rec.filter)
	start := time.Now()
	err := invoke(rec.target, jc)
	took := time.Since(start)
	done()

	if err != nil {
		x.finish(ctx, rec, OutcomeFailed, "", took, err)
		return OutcomeFailed
	}
	x.finish(ctx, rec, OutcomeRan, "", took, nil)
	return OutcomeRan
}

// shouldRun reports whether this instance may run a job restricted to runOn.
func (x *Executor) shouldRun(runOn []string) (bool, string) {
	if len(runOn) == 0 {
		return true, ""
	}
	if len(runOn) == 1 {
		switch runOn[0] {
		case RunOnLeader:
			if !x.state.IsLeader() {
				return false, reasonNotLeader
			}
			return true, ""
		case RunOnSingle:
			// Without discovery every instance is its own cluster.
			if !x.state.DiscoveryAvailable() {
				return true, ""
			}
			if !x.state.DiscoveryInfoAvailable() {
				return false, reasonNoTopology
			}
			if !x.state.IsLeader() {
				return false, reasonNotLeader
			}
			return true, ""
		}
	}
	id := x.state.InstanceID()
	for _, want := range runOn {
		if want == id {
			return true, ""
		}
	}
	return false, reasonNotListed
}

// invoke calls the target, turning a panic into an error.
func invoke(target any, jc *jobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{val: r, stack: string(debug.Stack())}
		}
	}()
	switch t := target.(type) {
	case Job:
		return t.Execute(jc)
	case Runnable:
		t.Run()
		return nil
	}
	return errors.New(reasonUnknownKind)
}

type panicError struct {
	val   any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.val) }

func (x *Executor) finish(ctx context.Context, rec *jobRecord, outcome Outcome, reason string, took time.Duration, err error) {
	x.metrics.observe(rec.label, outcome, took)

	switch outcome {
	case OutcomeSkipped:
		x.log.Debug("job skipped", logx.Job(rec.name), logx.String("reason", reason))
	case OutcomeFailed:
		if x.warn.Allow(rec.name) {
			fields := []logx.Field{logx.Job(rec.name), logx.Unit(rec.owner.UnitID), logx.Duration("took", took), logx.Err(err)}
			var pe *panicError
			if errors.As(err, &pe) {
				fields = append(fields, logx.Stack(pe.stack))
			}
			x.log.Error("job failed", fields...)
		}
	default:
		x.log.Debug("job ran", logx.Job(rec.name), logx.Duration("took", took))
	}

	if x.recorder != nil {
		r := storage.Run{
			At:       x.now(),
			Job:      rec.name,
			Unit:     rec.owner.UnitID,
			Instance: x.state.InstanceID(),
			Pool:     rec.pool,
			Outcome:  string(outcome),
			Reason:   reason,
			TookMS:   took.Milliseconds(),
		}
		if err != nil {
			r.Error = err.Error()
		}
		if rerr := x.recorder.RecordRun(context.WithoutCancel(ctx), r); rerr != nil && x.warn.Allow("record") {
			x.log.Warn("run history write failed", logx.Err(rerr))
		}
	}

	if x.bus != nil {
		x.bus.Publish(eventbus.Event{
			Type: topicFor(outcome),
			Data: RunData{Name: rec.name, Unit: rec.owner.UnitID, Outcome: outcome, Reason: reason, Took: took, Err: err},
		})
	}
}

func topicFor(o Outcome) string {
	switch o {
	case OutcomeSkipped:
		return eventbus.TopicJobSkipped
	case OutcomeFailed:
		return eventbus.TopicJobFailed
	}
	return eventbus.TopicJobRan
}
