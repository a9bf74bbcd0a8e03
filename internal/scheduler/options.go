package scheduler

import (
	"strings"
	"time"

	"clusterjobs/internal/trigger"
)

// Run-on tokens. Any other value in a run-on list is an instance id.
const (
	RunOnLeader = "LEADER"
	RunOnSingle = "SINGLE"
)

// Options is one scheduling request. Constructors never fail: an invalid
// request carries its error and Service.Schedule declines it.
// Exactly one of Trigger and Err is set, and neither changes after construction.
type Options struct {
	trig       trigger.Trigger
	err        error
	name       string
	config     map[string]any
	runOn      []string
	concurrent bool
	pool       string
}

func valid(t trigger.Trigger) *Options { return &Options{trig: t} }
func invalid(msg string) *Options      { return &Options{err: argErr(msg)} }

func checkRepeat(times int, period int64) string {
	if times < 2 && times != trigger.Unbounded {
		return msgTimes
	}
	if period <= 0 {
		return msgPeriod
	}
	return ""
}

// Now fires once, immediately.
func Now() *Options { return valid(trigger.Now()) }

// NowRepeating fires immediately, then every period seconds, times fires in
// total. times is -1 for no limit.
func NowRepeating(times int, period int64) *Options {
	if msg := checkRepeat(times, period); msg != "" {
		return invalid(msg)
	}
	return valid(trigger.Repeat(time.Time{}, times, time.Duration(period)*time.Second))
}

// At fires once at date.
func At(date time.Time) *Options {
	if date.IsZero() {
		return invalid(msgDate)
	}
	return valid(trigger.At(date))
}

// AtRepeating fires at date, then every period seconds, times fires in total.
func AtRepeating(date time.Time, times int, period int64) *Options {
	if date.IsZero() {
		return invalid(msgDate)
	}
	if msg := checkRepeat(times, period); msg != "" {
		return invalid(msg)
	}
	return valid(trigger.Repeat(date, times, time.Duration(period)*time.Second))
}

// Expr fires on a cron expression (5 or 6 fields, or a descriptor).
func Expr(expr string) *Options {
	if strings.TrimSpace(expr) == "" {
		return invalid(msgExpression)
	}
	t, err := trigger.Cron(expr)
	if err != nil {
		return invalid(msgExprPrefix + expr)
	}
	return valid(t)
}

// Spec accepts Expr's cron forms plus plain intervals ("90s", "01:30"),
// for schedules that come from config files.
func Spec(raw string) *Options {
	if strings.TrimSpace(raw) == "" {
		return invalid(msgExpression)
	}
	t, err := trigger.Parse(raw)
	if err != nil {
		return invalid(msgExprPrefix + raw)
	}
	return valid(t)
}

// Periodic fires every period seconds without limit, first fire now when
// immediate, else one period out.
func Periodic(period int64, immediate bool) *Options {
	if period <= 0 {
		return invalid(msgPeriod)
	}
	return valid(trigger.Periodic(time.Duration(period)*time.Second, immediate))
}

func (o *Options) Err() error                    { return o.err }
func (o *Options) Trigger() trigger.Trigger      { return o.trig }
func (o *Options) JobName() string               { return o.name }
func (o *Options) Configuration() map[string]any { return o.config }
func (o *Options) RunOn() []string               { return append([]string(nil), o.runOn...) }
func (o *Options) Concurrent() bool              { return o.concurrent }
func (o *Options) Pool() string                  { return o.pool }

func (o *Options) Name(name string) *Options {
	o.name = name
	return o
}

func (o *Options) Config(config map[string]any) *Options {
	o.config = config
	return o
}

func (o *Options) CanRunConcurrently(flag bool) *Options {
	o.concurrent = flag
	return o
}

func (o *Options) OnLeaderOnly(flag bool) *Options {
	if flag {
		o.runOn = []string{RunOnLeader}
	} else {
		o.runOn = nil
	}
	return o
}

func (o *Options) OnSingleInstanceOnly(flag bool) *Options {
	if flag {
		o.runOn = []string{RunOnSingle}
	} else {
		o.runOn = nil
	}
	return o
}

// OnInstancesOnly restricts execution to the listed instance ids. An empty
// list removes the restriction.
func (o *Options) OnInstancesOnly(ids []string) *Options {
	o.runOn = cleanIDs(ids)
	return o
}

// ThreadPool routes fires to a named pool. Names outside the configured
// allow-list fall back to the default pool.
func (o *Options) ThreadPool(name string) *Options {
	o.pool = strings.TrimSpace(name)
	return o
}

func cleanIDs(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
