// Package cluster holds the local view of cluster topology that gates
// leader-only and single-instance job execution.
package cluster

import "sync/atomic"

// State is the shared, lock-free topology snapshot. One instance is created at
// startup and injected into every component that needs it.
type State struct {
	leader                 atomic.Bool
	discoveryAvailable     atomic.Bool
	discoveryInfoAvailable atomic.Bool
	instanceID             atomic.Value // string
}

func NewState(instanceID string) *State {
	s := &State{}
	s.instanceID.Store(instanceID)
	return s
}

func (s *State) IsLeader() bool               { return s.leader.Load() }
func (s *State) DiscoveryAvailable() bool     { return s.discoveryAvailable.Load() }
func (s *State) DiscoveryInfoAvailable() bool { return s.discoveryInfoAvailable.Load() }

// InstanceID is the identity used to match explicit instance lists.
func (s *State) InstanceID() string {
	v, _ := s.instanceID.Load().(string)
	return v
}

func (s *State) SetInstanceID(id string) { s.instanceID.Store(id) }

// Snapshot is a JSON-friendly copy of State.
type Snapshot struct {
	InstanceID             string `json:"instance_id"`
	Leader                 bool   `json:"leader"`
	DiscoveryAvailable     bool   `json:"discovery_available"`
	DiscoveryInfoAvailable bool   `json:"discovery_info_available"`
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		InstanceID:             s.InstanceID(),
		Leader:                 s.IsLeader(),
		DiscoveryAvailable:     s.DiscoveryAvailable(),
		DiscoveryInfoAvailable: s.DiscoveryInfoAvailable(),
	}
}
