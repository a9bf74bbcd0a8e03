package eventbus

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-process notification. Data should be a small value type
// that subscribers can read without locking.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers every event. Use SubscribeTopics to narrow by type.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribeTopics delivers only events whose Type equals one of topics
	// or, for topics ending in ".", starts with it.
	SubscribeTopics(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped() uint64
}

// New returns a fan-out bus. Publish never blocks: a subscriber whose
// buffer is full misses the event and Dropped grows.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	topics []string
}

func (s *sub) wants(typ string) bool {
	if len(s.topics) == 0 {
		return true
	}
	for _, t := range s.topics {
		if t == typ || (strings.HasSuffix(t, ".") && strings.HasPrefix(typ, t)) {
			return true
		}
	}
	return false
}

type memBus struct {
	// Sends happen under the read lock so unsubscribe, which closes the
	// channel under the write lock, cannot race them.
	mu      sync.RWMutex
	subs    map[uint64]*sub
	next    uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribeTopics(buffer)
}

func (b *memBus) SubscribeTopics(buffer int, topics ...string) (<-chan Event, func()) {
	s := &sub{ch: make(chan Event, cmp.Or(max(buffer, 0), 8)), topics: slices.Clone(topics)}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = s
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
