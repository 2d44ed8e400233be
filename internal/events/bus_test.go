package events

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch := b.Subscribe(TopicPhaseChanged, 1)
	b.Publish(Event{Topic: TopicPhaseChanged, Payload: PhaseChanged{From: "not_started", To: "preflight_verified"}})

	select {
	case evt := <-ch:
		p, ok := evt.Payload.(PhaseChanged)
		if !ok || p.To != "preflight_verified" {
			t.Fatalf("unexpected payload %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestPublishDropsWhenSubscriberSaturated(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch := b.Subscribe(TopicCheckpointCreated, 1)
	b.Publish(Event{Topic: TopicCheckpointCreated, Payload: CheckpointCreated{Label: "first"}})
	b.Publish(Event{Topic: TopicCheckpointCreated, Payload: CheckpointCreated{Label: "second"}})

	evt := <-ch
	if evt.Payload.(CheckpointCreated).Label != "first" {
		t.Fatalf("unexpected payload %+v", evt.Payload)
	}
	select {
	case extra := <-ch:
		t.Fatalf("saturated subscriber should drop, got %+v", extra)
	default:
	}
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TopicAudit, 1)
	b.Close()

	if _, open := <-ch; open {
		t.Fatal("subscriber channel should be closed")
	}
	// Publishing after close is a no-op, not a panic.
	b.Publish(Event{Topic: TopicAudit})
}
