package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev, ok := <-sub:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerFansOut(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	first := b.Subscribe()
	second := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventNodeTransition, NodeID: "node-1", Message: "active -> unhealthy"})

	for _, sub := range []Subscriber{first, second} {
		ev := receive(t, sub)
		assert.Equal(t, EventNodeTransition, ev.Type)
		assert.Equal(t, "node-1", ev.NodeID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	assert.Equal(t, 0, b.SubscriberCount())
	_, ok := <-sub
	assert.False(t, ok)
}

func TestBrokerPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	sub := b.Subscribe()
	b.Stop()
	b.Stop()

	done := make(chan struct{})
	go func() {
		b.Publish(&Event{Type: EventRecoveryStarted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stopped broker")
	}

	_, ok := <-sub
	assert.False(t, ok)
}

func TestBrokerPublishWithoutStartDropsWhenFull(t *testing.T) {
	b := NewBroker()
	for i := 0; i < cap(b.eventCh)+10; i++ {
		b.Publish(&Event{Type: EventNodeRegistered})
	}
	assert.Len(t, b.eventCh, cap(b.eventCh))
}
