package cluster

import (
	"context"

	"clusterjobs/internal/eventbus"
	logx "clusterjobs/pkg/logx"
)

// Provider feeds topology events. Run blocks until ctx is done or the
// provider fails; emit must not be called after Run returns.
type Provider interface {
	Name() string
	Run(ctx context.Context, emit func(Event)) error
}

// Tracker applies provider events to State.
type Tracker struct {
	state *State
	log   logx.Logger
	bus   eventbus.Bus
}

func NewTracker(state *State, log logx.Logger, bus eventbus.Bus) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{state: state, log: log.With(logx.Component("topology")), bus: bus}
}

func (t *Tracker) State() *State { return t.state }

// Activate marks discovery as present. Leadership is untouched until the
// first event arrives.
func (t *Tracker) Activate() {
	t.state.discoveryAvailable.Store(true)
	t.log.Info("discovery bound")
}

// Deactivate marks discovery as gone. Leadership is left as last reported.
func (t *Tracker) Deactivate() {
	t.state.discoveryAvailable.Store(false)
	t.log.Info("discovery unbound")
}

// HandleEvent updates leadership and info availability.
func (t *Tracker) HandleEvent(ev Event) {
	switch ev.Type {
	case EventInit, EventChanged:
		t.state.discoveryInfoAvailable.Store(true)
		t.state.leader.Store(ev.NewView.LocalIsLeader())
	case EventChanging:
		t.state.discoveryInfoAvailable.Store(false)
		t.state.leader.Store(false)
	case EventPropertiesChanged:
		t.state.leader.Store(ev.NewView.LocalIsLeader())
	default:
		return
	}
	t.log.Debug("topology event",
		logx.String("type", ev.Type.String()),
		logx.Bool("leader", t.state.IsLeader()),
		logx.Bool("info_available", t.state.DiscoveryInfoAvailable()),
	)
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: eventbus.TopicTopology, Data: ev})
	}
}

// Run binds p for the lifetime of the call.
func (t *Tracker) Run(ctx context.Context, p Provider) error {
	t.Activate()
	defer t.Deactivate()
	t.log.Info("topology provider running", logx.String("provider", p.Name()))
	return p.Run(ctx, t.HandleEvent)
}
