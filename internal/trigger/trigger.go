package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Unbounded marks a repeating trigger without a fire limit.
const Unbounded = -1

// Parser accepts 5-field and 6-field (with seconds) cron specs plus descriptors.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Kind int

const (
	KindCron Kind = iota
	KindSimple
)

func (k Kind) String() string {
	if k == KindCron {
		return "cron"
	}
	return "simple"
}

// Trigger is an immutable fire plan.
//
// Simple triggers fire first at Start (or registration time + Delay when Start
// is zero), then every Period, Times fires in total.
type Trigger struct {
	kind  Kind
	expr  string
	sched cron.Schedule

	start  time.Time
	delay  time.Duration
	period time.Duration
	times  int
}

// Cron parses expr into a cron trigger.
func Cron(expr string) (Trigger, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Trigger{}, errors.New("cron expression required")
	}
	s, err := Parser.Parse(expr)
	if err != nil {
		return Trigger{}, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return Trigger{kind: KindCron, expr: expr, sched: s}, nil
}

// ValidCron reports whether expr parses.
func ValidCron(expr string) bool {
	_, err := Cron(expr)
	return err == nil
}

// Now fires once, as soon as the job is registered.
func Now() Trigger { return Trigger{kind: KindSimple, times: 1} }

// At fires once at date. A date in the past fires immediately.
func At(date time.Time) Trigger { return Trigger{kind: KindSimple, start: date, times: 1} }

// Repeat fires times times (or Unbounded) every period, starting at start.
// A zero start means "at registration".
func Repeat(start time.Time, times int, period time.Duration) Trigger {
	return Trigger{kind: KindSimple, start: start, times: times, period: period}
}

// Periodic fires every period without limit. Unless immediate, the first fire
// is one period after registration.
func Periodic(period time.Duration, immediate bool) Trigger {
	t := Trigger{kind: KindSimple, times: Unbounded, period: period}
	if !immediate {
		t.delay = period
	}
	return t
}

func (t Trigger) Kind() Kind            { return t.kind }
func (t Trigger) Expr() string          { return t.expr }
func (t Trigger) Period() time.Duration { return t.period }
func (t Trigger) Times() int            { return t.times }
func (t Trigger) Start() time.Time      { return t.start }
func (t Trigger) IsZero() bool          { return t.kind == KindCron && t.sched == nil }
func (t Trigger) bounded() bool         { return t.kind == KindSimple && t.times != Unbounded }

func (t Trigger) String() string {
	switch {
	case t.IsZero():
		return "none"
	case t.kind == KindCron:
		return "cron(" + t.expr + ")"
	case t.times == 1 && t.start.IsZero():
		return "now"
	case t.times == 1:
		return "at(" + t.start.Format(time.RFC3339) + ")"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "every(%s", t.period)
	if t.times != Unbounded {
		fmt.Fprintf(&b, " x%d", t.times)
	}
	if !t.start.IsZero() {
		b.WriteString(" from " + t.start.Format(time.RFC3339))
	}
	b.WriteString(")")
	return b.String()
}

// schedule builds a fresh cron.Schedule anchored at now. Simple schedules are
// stateful, so every registration gets its own.
func (t Trigger) schedule(now time.Time) cron.Schedule {
	if t.kind == KindCron {
		return t.sched
	}
	start := t.start
	if start.IsZero() {
		start = now.Add(t.delay)
	}
	return &simpleSchedule{start: start, period: t.period, times: t.times}
}

// simpleSchedule emits start, start+period, ... Missed slots are skipped, not
// replayed. robfig/cron calls Next once on registration and once per fire.
type simpleSchedule struct {
	mu     sync.Mutex
	start  time.Time
	period time.Duration
	times  int
	issued int
	last   time.Time
}

func (s *simpleSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.times != Unbounded && s.issued >= s.times {
		return time.Time{}
	}
	next := s.start
	if s.issued > 0 {
		if s.period <= 0 {
			return time.Time{}
		}
		next = s.last.Add(s.period)
		if !next.After(t) {
			missed := t.Sub(s.last) / s.period
			next = s.last.Add((missed + 1) * s.period)
		}
	}
	s.issued++
	s.last = next
	return next
}
