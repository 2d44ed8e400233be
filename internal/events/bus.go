package events

import (
	"sync"
	"time"
)

// Topic enumerates bus channels shared across zmigrated subsystems.
type Topic string

const (
	TopicPhaseChanged        Topic = "phase_changed"
	TopicCheckpointCreated   Topic = "checkpoint_created"
	TopicCheckpointDestroyed Topic = "checkpoint_destroyed"
	TopicRollbackCompleted   Topic = "rollback_completed"
	TopicPoolHealth          Topic = "pool_health"
	TopicAudit               Topic = "audit"
)

// Event represents a message broadcast on the event bus.
type Event struct {
	Topic   Topic
	Payload any
}

// PhaseChanged describes a migration phase transition.
type PhaseChanged struct {
	RunID   string
	From    string
	To      string
	Outcome string
	At      time.Time
}

// CheckpointCreated announces a new checkpoint group.
type CheckpointCreated struct {
	Label     string
	CreatedAt time.Time
	Units     int
}

// CheckpointDestroyed announces removal of a checkpoint group.
type CheckpointDestroyed struct {
	Label     string
	CreatedAt time.Time
	Forced    bool
}

// RollbackCompleted carries the final disposition of a rollback attempt.
type RollbackCompleted struct {
	Label      string
	Outcome    string
	RolledBack []string
	At         time.Time
}

// PoolHealth reports the most recently observed storage pool state.
type PoolHealth struct {
	Pool   string
	Health string
	At     time.Time
}

// AuditEvent captures operator-visible orchestration events.
type AuditEvent struct {
	Kind     string
	Time     time.Time
	Source   string
	Metadata map[string]any
}

// Bus is a simple pub/sub dispatcher for intra-process events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]chan Event
	closed bool
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe registers a buffered channel for a topic.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish broadcasts an event to all subscribers.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is saturated; listeners should size buffers appropriately.
		}
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
