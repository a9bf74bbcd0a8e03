package cluster

import (
	"context"
	"sync"
)

// StaticProvider reports a fixed topology: the local instance plus optional
// peers, with leadership taken from configuration. SetLeader and SetView let
// operators (and tests) change it at runtime.
type StaticProvider struct {
	mu   sync.Mutex
	view *View
	emit func(Event)
}

func NewStaticProvider(instanceID string, leader bool, peers ...string) *StaticProvider {
	members := []Instance{{ID: instanceID, Leader: leader, Local: true}}
	for _, p := range peers {
		if p != "" && p != instanceID {
			members = append(members, Instance{ID: p})
		}
	}
	return &StaticProvider{view: NewView("static-1", members...)}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Run(ctx context.Context, emit func(Event)) error {
	p.mu.Lock()
	p.emit = emit
	view := p.view
	p.mu.Unlock()

	emit(Event{Type: EventInit, NewView: view})
	<-ctx.Done()

	p.mu.Lock()
	p.emit = nil
	p.mu.Unlock()
	return nil
}

// SetLeader flips the local leader flag and reports it as a properties change.
func (p *StaticProvider) SetLeader(leader bool) {
	p.mu.Lock()
	old := p.view
	members := append([]Instance(nil), old.Members...)
	for i := range members {
		if members[i].Local {
			members[i].Leader = leader
		} else if leader {
			members[i].Leader = false
		}
	}
	p.view = NewView(old.ID, members...)
	ev := Event{Type: EventPropertiesChanged, OldView: old, NewView: p.view}
	emit := p.emit
	p.mu.Unlock()

	if emit != nil {
		emit(ev)
	}
}

// SetView replaces the topology, announcing CHANGING then CHANGED.
func (p *StaticProvider) SetView(v *View) {
	p.mu.Lock()
	old := p.view
	p.view = v
	emit := p.emit
	p.mu.Unlock()

	if emit != nil {
		emit(Event{Type: EventChanging, OldView: old})
		emit(Event{Type: EventChanged, OldView: old, NewView: v})
	}
}

// View returns the current topology.
func (p *StaticProvider) View() *View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}
