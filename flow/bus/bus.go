// Package bus is the in-process topic publish/subscribe fabric. The
// engine broadcasts workflow state changes and alerts on well-known
// topics; delivery is best-effort within the process and a slow
// subscriber loses messages rather than stalling the publisher.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Well-known topics.
const (
	// TopicWorkflows carries a summary of every workflow state change.
	TopicWorkflows = "workflows"
	// TopicAlerts carries every dispatched alert.
	TopicAlerts = "alerts"
)

// WorkflowTopic is the per-workflow update topic.
func WorkflowTopic(workflowID string) string {
	return "workflow:" + workflowID
}

// AlertTopic is the per-severity alert topic.
func AlertTopic(severity string) string {
	return "alerts:" + severity
}

// Message is one published payload with its topic and publish time.
type Message struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Subscription is a live topic subscription. Receive on C; call Close
// to unsubscribe, after which C is closed.
type Subscription struct {
	C <-chan Message

	bus   *Bus
	topic string
	id    uint64
	ch    chan Message
	once  sync.Once
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.topic, s.id)
		close(s.ch)
	})
}

// Bus routes messages from publishers to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool
	log    *zap.Logger

	dropped atomic.Int64
}

// DefaultBuffer is the subscriber channel depth when Subscribe is given
// a non-positive buffer size.
const DefaultBuffer = 64

// New creates a bus. logger may be nil.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs: make(map[string]map[uint64]*Subscription),
		log:  logger,
	}
}

// Subscribe registers a subscriber on topic with the given channel
// buffer. Messages that arrive while the buffer is full are dropped for
// that subscriber.
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{topic: topic, id: b.nextID, ch: ch, C: ch, bus: b}
	if b.closed {
		// Late subscribers on a closed bus get an already-closed channel.
		sub.once.Do(func() { close(ch) })
		return sub
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	return sub
}

// Publish delivers payload to every subscriber of topic. Never blocks:
// full subscriber buffers drop the message.
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
			b.log.Debug("bus message dropped",
				zap.String("topic", topic),
				zap.Uint64("subscriber", sub.id))
		}
	}
}

// Dropped returns the number of messages discarded because a subscriber
// buffer was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Topics lists topics that currently have subscribers.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for t, subs := range b.subs {
		if len(subs) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// Close shuts the bus down: all subscriber channels close and further
// publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0)
	for _, m := range b.subs {
		for _, s := range m {
			subs = append(subs, s)
		}
	}
	b.subs = make(map[string]map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[topic]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(b.subs, topic)
		}
	}
}

// SeverityOf extracts the severity suffix from an "alerts:{severity}"
// topic, or "" when the topic has no suffix.
func SeverityOf(topic string) string {
	if rest, ok := strings.CutPrefix(topic, "alerts:"); ok {
		return rest
	}
	return ""
}
