package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	a := bus.Subscribe(10)
	b := bus.Subscribe(10)

	bus.Publish(Event{Sender: "agents/TESTAGNT", Message: "hello", Print: true})

	for _, sub := range []*Subscription{a, b} {
		select {
		case e := <-sub.Events:
			assert.Equal(t, "agents/TESTAGNT", e.Sender)
			assert.Equal(t, "hello", e.Message)
			assert.True(t, e.Print)
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusDefaultsSenderToGlobal(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(1)
	bus.Publish(Event{Message: "server event"})

	e := <-sub.Events
	assert.Equal(t, SenderGlobal, e.Sender)
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(1)
	_ = sub

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Message: "flood"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(1)
	sub.Close()

	_, open := <-sub.Events
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Message: "after close"})
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(1)

	bus.Close()
	_, open := <-sub.Events
	require.False(t, open)

	// Subscribing after close yields an already-closed channel.
	late := bus.Subscribe(1)
	_, open = <-late.Events
	assert.False(t, open)
}
