package scheduler

import (
	"context"

	"clusterjobs/internal/eventbus"
	logx "clusterjobs/pkg/logx"
)

type UnitEventType int

const (
	UnitStarted UnitEventType = iota
	UnitStopped
)

// UnitEvent is a lifecycle change of the unit identified by UnitID.
type UnitEvent struct {
	Type   UnitEventType
	UnitID string
}

// HandleUnitEvent removes every job owned by a stopped unit and returns how
// many were removed. Started units re-register their own jobs.
func (s *Service) HandleUnitEvent(ev UnitEvent) int {
	if ev.Type != UnitStopped || ev.UnitID == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return 0
	}
	var names []string
	for name, r := range s.jobs {
		if r.owner.UnitID == ev.UnitID {
			names = append(names, name)
		}
	}
	for _, name := range names {
		s.removeLocked(name)
	}
	if len(names) > 0 {
		s.log.Info("unit jobs removed", logx.Unit(ev.UnitID), logx.Int("jobs", len(names)))
	}
	return len(names)
}

// WatchUnits feeds unit lifecycle events from bus into HandleUnitEvent until
// ctx ends.
func (s *Service) WatchUnits(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.SubscribeTopics(64, eventbus.TopicUnitStarted, eventbus.TopicUnitStopped)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, ok := e.Data.(eventbus.UnitData)
			if !ok {
				continue
			}
			typ := UnitStarted
			if e.Type == eventbus.TopicUnitStopped {
				typ = UnitStopped
			}
			s.HandleUnitEvent(UnitEvent{Type: typ, UnitID: data.Unit})
		}
	}
}
