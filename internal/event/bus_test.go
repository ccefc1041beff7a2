package event

import (
	"testing"

	"github.com/dshills/reposync/internal/gitstore"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(gitstore.Event{Kind: gitstore.EventRepositoryAdded, RepositoryID: 1})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.Events():
			if ev.Kind != gitstore.EventRepositoryAdded || ev.RepositoryID != 1 {
				t.Errorf("unexpected event %+v", ev)
			}
		default:
			t.Error("subscriber did not receive the event")
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.SubscribeBuffered(1)
	bus.Publish(gitstore.Event{Kind: gitstore.EventRepositoryAdded})
	bus.Publish(gitstore.Event{Kind: gitstore.EventRepositoryUpdated})

	if got := bus.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped event, got %d", got)
	}
	ev := <-sub.Events()
	if ev.Kind != gitstore.EventRepositoryAdded {
		t.Errorf("first event should survive, got %+v", ev)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(gitstore.Event{Kind: gitstore.EventRepositoryAdded})
	// Double unsubscribe is a no-op.
	bus.Unsubscribe(sub)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	bus := NewBus(nil)
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Close()

	for _, sub := range []*Subscription{a, b} {
		if _, ok := <-sub.Events(); ok {
			t.Error("channel should be closed after bus close")
		}
	}
	bus.Publish(gitstore.Event{Kind: gitstore.EventRepositoryAdded})
	bus.Close()
}

func TestSubscribeAfterClose(t *testing.T) {
	bus := NewBus(nil)
	bus.Close()

	sub := bus.Subscribe()
	if _, ok := <-sub.Events(); ok {
		t.Error("subscription on a closed bus should come back closed")
	}
}
