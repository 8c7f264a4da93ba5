// Package pubsub provides the in-process topic-addressed broadcast bus that
// connects the SSE pipeline, map actors and the topology pass.
package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

// Message is a broadcast payload tagged with its topic.
type Message struct {
	Topic   string
	Name    string
	Payload any
}

// Subscription is one subscriber's membership on a topic. Messages are
// delivered on C in per-producer FIFO order; a full buffer drops the message
// rather than blocking the broadcaster.
type Subscription struct {
	C     <-chan Message
	id    string
	topic string
	ch    chan Message
	bus   *Bus

	mu     sync.Mutex
	closed bool
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// deliver attempts a non-blocking send. The mutex orders sends against close
// so a racing Unsubscribe can never panic a broadcaster. Returns false when
// the buffer was full.
func (s *Subscription) deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus is a single-process topic broadcaster.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscription
	buffer int
	logger logging.Logger

	dropped atomic.Int64
}

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 256

// NewBus creates a Bus with the given per-subscriber buffer size.
func NewBus(logger logging.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		topics: make(map[string]map[string]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe joins the caller to a topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan Message, b.buffer)
	sub := &Subscription{
		C:     ch,
		id:    uuid.NewString(),
		topic: topic,
		ch:    ch,
		bus:   b,
	}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	if subs, ok := b.topics[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
	b.mu.Unlock()
	s.close()
}

// Broadcast delivers a message to every current subscriber of the topic.
// Delivery is best-effort per subscriber: a full channel counts and logs a
// drop instead of blocking.
func (b *Bus) Broadcast(topic, name string, payload any) {
	msg := Message{Topic: topic, Name: name, Payload: payload}

	b.mu.RLock()
	subs := b.topics[topic]
	targets := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.deliver(msg) {
			b.dropped.Add(1)
			if b.logger != nil {
				b.logger.WithFields(logging.Fields{
					"topic":   topic,
					"message": name,
				}).Warn("Dropping pubsub message for slow subscriber")
			}
		}
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Dropped returns the total number of dropped deliveries.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
