package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TopicUnitStarted, Data: UnitData{Unit: "u1"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			assert.Equal(t, TopicUnitStarted, ev.Type)
			assert.False(t, ev.Time.IsZero())
			require.IsType(t, UnitData{}, ev.Data)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSubscribeTopicsFilters(t *testing.T) {
	t.Parallel()

	b := New()
	units, unsub := b.SubscribeTopics(4, "unit.")
	defer unsub()
	exact, unsub2 := b.SubscribeTopics(4, TopicJobRemoved)
	defer unsub2()

	b.Publish(Event{Type: TopicJobScheduled})
	b.Publish(Event{Type: TopicUnitStopped})
	b.Publish(Event{Type: TopicJobRemoved})

	require.Len(t, units, 1)
	assert.Equal(t, TopicUnitStopped, (<-units).Type)
	require.Len(t, exact, 1)
	assert.Equal(t, TopicJobRemoved, (<-exact).Type)
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "x"})
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestPublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub()
	assert.NotPanics(t, func() { b.Publish(Event{Type: "x"}) })
}
