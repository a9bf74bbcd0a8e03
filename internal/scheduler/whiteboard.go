package scheduler

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "clusterjobs/pkg/logx"
)

const defaultServiceName = "Registered Service"

// ServiceProperties describe how a registered service wants to be scheduled.
// Expression wins over Period; a service with neither is not a job.
type ServiceProperties struct {
	Name       string
	Expression string
	// Concurrent defaults to true when nil.
	Concurrent *bool
	// Immediate makes an unbounded periodic job fire once at registration.
	Immediate bool
	RunOn     []string
	// Period is in seconds.
	Period int64
	// Times bounds a periodic job; 0 means unbounded.
	Times int
	// At delays the first fire of a bounded periodic job.
	At         time.Time
	Config     map[string]any
	ThreadPool string
}

// ServiceDescriptor is an executable service announced by a unit.
type ServiceDescriptor struct {
	ServiceID  int64
	UnitID     string
	Target     any
	Properties ServiceProperties
}

// JobName is the name the whiteboard schedules d under.
func (d ServiceDescriptor) JobName() string {
	name := strings.TrimSpace(d.Properties.Name)
	if name == "" {
		name = defaultServiceName
	}
	return name + "." + strconv.FormatInt(d.ServiceID, 10)
}

// Whiteboard turns registered services into jobs and retracts them on
// unregistration. Services announced while the scheduler is inactive, and
// live ones whose jobs a Deactivate dropped, are parked until Resync.
type Whiteboard struct {
	svc *Service
	log logx.Logger

	mu     sync.Mutex
	live   map[int64]ServiceDescriptor
	parked map[int64]ServiceDescriptor
}

func NewWhiteboard(svc *Service, log logx.Logger) *Whiteboard {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Whiteboard{
		svc:    svc,
		log:    log.With(logx.Component("whiteboard")),
		live:   map[int64]ServiceDescriptor{},
		parked: map[int64]ServiceDescriptor{},
	}
	svc.onDeactivate(w.parkLive)
	return w
}

// parkLive moves every scheduled registration back to the parked set; the
// scheduler has just dropped their jobs.
func (w *Whiteboard) parkLive() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, d := range w.live {
		w.parked[id] = d
	}
	clear(w.live)
}

// OnRegistered schedules d. Services without a schedule are ignored.
func (w *Whiteboard) OnRegistered(d ServiceDescriptor) error {
	opts := d.options()
	if opts == nil {
		w.log.Debug("service has no schedule; ignored", logx.Int64("service_id", d.ServiceID), logx.Unit(d.UnitID))
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	ok, err := w.svc.Schedule(Owner{UnitID: d.UnitID, ServiceID: d.ServiceID}, d.Target, opts)
	switch {
	case errors.Is(err, ErrUnavailable):
		w.parked[d.ServiceID] = d
		w.log.Debug("scheduler inactive; service parked", logx.Job(opts.JobName()))
		return nil
	case err != nil:
		return err
	case ok:
		delete(w.parked, d.ServiceID)
		w.live[d.ServiceID] = d
	}
	return nil
}

// OnUnregistered retracts the job of serviceID. It reports whether a job or
// a parked registration was removed.
func (w *Whiteboard) OnUnregistered(serviceID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, wasParked := w.parked[serviceID]
	delete(w.parked, serviceID)
	d, ok := w.live[serviceID]
	if !ok {
		return wasParked
	}
	delete(w.live, serviceID)
	return w.svc.Unschedule(Owner{ServiceID: serviceID}, d.JobName()) || wasParked
}

// Resync schedules every parked registration and returns how many are now
// scheduled. Call it after the scheduler is activated.
func (w *Whiteboard) Resync() int {
	w.mu.Lock()
	pending := make([]ServiceDescriptor, 0, len(w.parked))
	for _, d := range w.parked {
		pending = append(pending, d)
	}
	w.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].ServiceID < pending[j].ServiceID })

	n := 0
	for _, d := range pending {
		if err := w.OnRegistered(d); err != nil {
			w.log.Warn("parked service rejected", logx.Int64("service_id", d.ServiceID), logx.Err(err))
			w.mu.Lock()
			delete(w.parked, d.ServiceID)
			w.mu.Unlock()
			continue
		}
		w.mu.Lock()
		_, still := w.parked[d.ServiceID]
		w.mu.Unlock()
		if !still {
			n++
		}
	}
	if len(pending) > 0 {
		w.log.Info("parked services resynced", logx.Int("pending", len(pending)), logx.Int("scheduled", n))
	}
	return n
}

// Parked counts registrations waiting for activation.
func (w *Whiteboard) Parked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.parked)
}

func (d ServiceDescriptor) options() *Options {
	p := d.Properties
	var opts *Options
	switch {
	case strings.TrimSpace(p.Expression) != "":
		opts = Expr(p.Expression)
	case p.Period > 0 && p.Times != 0 && !p.At.IsZero():
		opts = AtRepeating(p.At, p.Times, p.Period)
	case p.Period > 0 && p.Times != 0:
		opts = NowRepeating(p.Times, p.Period)
	case p.Period > 0:
		opts = Periodic(p.Period, p.Immediate)
	default:
		return nil
	}

	concurrent := true
	if p.Concurrent != nil {
		concurrent = *p.Concurrent
	}
	opts.Name(d.JobName()).Config(p.Config).CanRunConcurrently(concurrent).ThreadPool(p.ThreadPool)

	switch runOn := cleanIDs(p.RunOn); {
	case len(runOn) == 1 && runOn[0] == RunOnLeader:
		opts.OnLeaderOnly(true)
	case len(runOn) == 1 && runOn[0] == RunOnSingle:
		opts.OnSingleInstanceOnly(true)
	default:
		opts.OnInstancesOnly(runOn)
	}
	return opts
}
