package cluster

import "sort"

type EventType int

const (
	EventInit EventType = iota
	EventChanging
	EventChanged
	EventPropertiesChanged
)

func (t EventType) String() string {
	switch t {
	case EventInit:
		return "INIT"
	case EventChanging:
		return "CHANGING"
	case EventChanged:
		return "CHANGED"
	case EventPropertiesChanged:
		return "PROPERTIES_CHANGED"
	default:
		return "UNKNOWN"
	}
}

func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Instance is one member of the topology.
type Instance struct {
	ID         string            `json:"id"`
	Leader     bool              `json:"leader"`
	Local      bool              `json:"local"`
	Properties map[string]string `json:"properties,omitempty"`
}

// View is an immutable topology snapshot as seen by this instance.
type View struct {
	ID      string     `json:"id"`
	Members []Instance `json:"instances"`
}

// NewView sorts members by id so views compare deterministically.
func NewView(id string, members ...Instance) *View {
	m := append([]Instance(nil), members...)
	sort.Slice(m, func(i, j int) bool { return m[i].ID < m[j].ID })
	return &View{ID: id, Members: m}
}

func (v *View) Instances() []Instance {
	if v == nil {
		return nil
	}
	return v.Members
}

func (v *View) Local() (Instance, bool) {
	if v == nil {
		return Instance{}, false
	}
	for _, in := range v.Members {
		if in.Local {
			return in, true
		}
	}
	return Instance{}, false
}

// LocalIsLeader reports whether the local instance leads this view.
func (v *View) LocalIsLeader() bool {
	in, ok := v.Local()
	return ok && in.Leader
}

func (v *View) Leader() (Instance, bool) {
	if v == nil {
		return Instance{}, false
	}
	for _, in := range v.Members {
		if in.Leader {
			return in, true
		}
	}
	return Instance{}, false
}

// Event is a topology notification. OldView/NewView may be nil depending on Type.
type Event struct {
	Type    EventType `json:"type"`
	OldView *View     `json:"old_view,omitempty"`
	NewView *View     `json:"new_view,omitempty"`
}
