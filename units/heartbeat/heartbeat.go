// Package heartbeat is a sample unit. On the leader it beats on a cron
// expression; on a single instance it reports the registry through a
// whiteboard service.
package heartbeat

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"clusterjobs/internal/scheduler"
	"clusterjobs/internal/unit"
	logx "clusterjobs/pkg/logx"
)

const (
	TopicBeat = "heartbeat.beat"

	defaultExpression = "0 * * * * ?"
	defaultReport     = 300
)

type Config struct {
	// Expression is a cron expression (optional seconds field) or an
	// interval such as "30s" or "00:05".
	Expression string `json:"expression,omitempty"`
	// ReportPeriod is in seconds; 0 uses the default, -1 disables the report.
	ReportPeriod int64  `json:"report_period,omitempty"`
	Pool         string `json:"pool,omitempty"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Expression) == "" {
		c.Expression = defaultExpression
	}
	if c.ReportPeriod == 0 {
		c.ReportPeriod = defaultReport
	}
	return c
}

// Beat is published on every leader beat.
type Beat struct {
	Instance string    `json:"instance"`
	Seq      int64     `json:"seq"`
	At       time.Time `json:"at"`
}

type Unit struct {
	unit.Base

	cfg     Config
	beats   atomic.Int64
	reports atomic.Int64
}

func New() *Unit { return &Unit{} }

func (u *Unit) Name() string { return "heartbeat" }

func (u *Unit) Init(ctx context.Context, deps unit.Deps) error {
	u.InitBase(deps, u.Name())
	u.cfg = Config{}.withDefaults()
	return nil
}

func (u *Unit) ValidateConfig(ctx context.Context, raw json.RawMessage) error {
	c, err := unit.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	if err := scheduler.Spec(c.withDefaults().Expression).Err(); err != nil {
		return errors.Wrap(err, "heartbeat.expression")
	}
	if c.ReportPeriod < -1 {
		return errors.New("heartbeat.report_period must be >= -1")
	}
	return nil
}

// OnConfigChange reschedules the beat under the new expression when the
// unit is already running.
func (u *Unit) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := unit.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	u.cfg = c.withDefaults()
	if u.Context() == nil {
		return nil
	}
	return u.scheduleBeat()
}

func (u *Unit) Start(ctx context.Context) error {
	u.StartBase(ctx)
	if err := u.scheduleBeat(); err != nil {
		return err
	}
	if u.cfg.ReportPeriod <= 0 {
		return nil
	}
	concurrent := false
	_, err := u.RegisterService(scheduler.JobFunc(u.report), scheduler.ServiceProperties{
		Name:       "heartbeat.report",
		Period:     u.cfg.ReportPeriod,
		Concurrent: &concurrent,
		RunOn:      []string{scheduler.RunOnSingle},
		ThreadPool: u.cfg.Pool,
	})
	return err
}

func (u *Unit) Stop(ctx context.Context) error { return u.StopBase(ctx) }

func (u *Unit) scheduleBeat() error {
	opts := scheduler.Spec(u.cfg.Expression).Name("beat").OnLeaderOnly(true).ThreadPool(u.cfg.Pool)
	ok, err := u.Schedule(scheduler.JobFunc(u.beat), opts)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf("beat not scheduled: invalid expression %q", u.cfg.Expression)
	}
	return nil
}

func (u *Unit) beat(jc scheduler.JobContext) error {
	seq := u.beats.Add(1)
	b := Beat{Seq: seq, At: jc.FireTime()}
	if st := u.Deps.Cluster; st != nil {
		b.Instance = st.InstanceID()
	}
	u.Publish(TopicBeat, b)
	u.Log.Debug("beat", logx.Int64("seq", seq), logx.Job(jc.Name()))
	return nil
}

func (u *Unit) report(jc scheduler.JobContext) error {
	u.reports.Add(1)
	s := u.Deps.Scheduler
	if s == nil {
		return errors.New("scheduler not available")
	}
	jobs := s.Jobs()
	running := s.Metrics().Running()
	u.Log.Info("scheduler report",
		logx.Int("jobs", len(jobs)),
		logx.Int("running", len(running)),
		logx.Int64("beats", u.beats.Load()),
	)
	return nil
}

// Beats counts beats fired on this instance.
func (u *Unit) Beats() int64 { return u.beats.Load() }
