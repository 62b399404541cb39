// Package bus is the in-process fan-out for task and turn notifications.
// Delivery is best effort: publishers never block on slow subscribers.
package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Task topics. Published only after the change is committed.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskUpdated   = "task.updated"
	TopicTaskCompleted = "task.completed"
	TopicTaskDeleted   = "task.deleted"
)

// Turn topics.
const (
	TopicTurnCompleted = "turn.completed"
	TopicTurnFailed    = "turn.failed"
)

// TaskEvent describes a committed change to one task. Task is nil for
// deletions.
type TaskEvent struct {
	UserID string    `json:"user_id"`
	TaskID string    `json:"task_id"`
	Title  string    `json:"title"`
	Kind   string    `json:"kind"`
	Task   any       `json:"task,omitempty"`
	At     time.Time `json:"at"`
}

// TurnEvent summarizes a finished turn.
type TurnEvent struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	ToolCalls      int       `json:"tool_calls"`
	ErrorCode      string    `json:"error_code,omitempty"`
	At             time.Time `json:"at"`
}

// Owned is implemented by payloads that belong to one user.
type Owned interface {
	Owner() string
}

func (e TaskEvent) Owner() string { return e.UserID }
func (e TurnEvent) Owner() string { return e.UserID }

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	userID string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple pub/sub with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe matches events whose topic starts with topicPrefix. An empty
// prefix matches everything. Slow consumers miss events once their buffer
// of 100 is full.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.subscribe(topicPrefix, "")
}

// SubscribeUser is like Subscribe but only delivers Owned payloads that
// belong to userID.
func (b *Bus) SubscribeUser(topicPrefix, userID string) *Subscription {
	return b.subscribe(topicPrefix, userID)
}

func (b *Bus) subscribe(prefix, userID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		userID: userID,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}
	owner := ""
	if o, ok := payload.(Owned); ok {
		owner = o.Owner()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		if sub.userID != "" && sub.userID != owner {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
