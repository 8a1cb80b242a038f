// Package broker implements the channel pub/sub fan-out (spec C9):
// topic registration, subscriptions with optional selector predicates,
// priority-aware backpressure, and per-topic/global metrics. There is
// no teacher equivalent (messages/internal/service is a point-to-point
// mailbox, not a topic fan-out), so the subscriber-table shape and
// locking discipline are adapted from
// session/registry.go's byUser-index pattern: one table keyed by topic,
// single-writer per partition, readers taking a snapshot rather than
// holding the lock across delivery.
package broker

import (
	"errors"
	"sync"
	"time"
)

// Priority controls backpressure admission (spec §4.7).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ErrBackpressure is returned by Publish when the global queue is over
// the priority's admission threshold.
var ErrBackpressure = errors.New("broker: backpressure")

// ErrNotOwner is returned by Remove when the caller isn't the topic's owner.
var ErrNotOwner = errors.New("broker: caller is not the topic owner")

// ErrTopicNotFound is returned by operations on an unregistered topic.
var ErrTopicNotFound = errors.New("broker: topic not found")

// Selector is a pure predicate on an envelope payload; false suppresses
// delivery to that subscriber (spec §4.7).
type Selector func(payload []byte) bool

// Deliverer is the handle the broker invokes to hand an envelope to one
// connection worker without blocking on it (spec §4.7:
// "subscriber_ref is a handle the broker can invoke to deliver an
// envelope to one connection worker without blocking on that worker").
// Implementations must be non-blocking and fast; a full inbox should
// return false rather than block.
type Deliverer interface {
	Deliver(envelope []byte) (accepted bool)
}

type subscriber struct {
	connectionID string
	deliverer    Deliverer
	selector     Selector
}

type topic struct {
	name        string
	ownerID     string
	mu          sync.Mutex
	subs        []subscriber
	messageCount  int64
	lastActivity  time.Time
}

// Config carries the backpressure thresholds (spec §4.7: "queue_size >
// threshold ... normal rejected above 2x threshold ... low rejected at
// threshold ... high always accepted").
type Config struct {
	BackpressureThreshold int64
}

// Broker is the topic registry and fan-out engine.
type Broker struct {
	cfg Config
	now func() time.Time

	mu     sync.RWMutex
	topics map[string]*topic

	queueSize int64 // approximate, atomic-guarded by mu
	startedAt time.Time

	onDrop func(topicName string)
}

// New creates an empty Broker.
func New(cfg Config, now func() time.Time, onDrop func(topicName string)) *Broker {
	if now == nil {
		now = time.Now
	}
	return &Broker{
		cfg:       cfg,
		now:       now,
		topics:    make(map[string]*topic),
		startedAt: now(),
		onDrop:    onDrop,
	}
}

// Create registers a new topic owned by ownerID. Creation is also
// implicit on first Subscribe (spec §3: "creation is implicit on first
// subscribe or registration call").
func (b *Broker) Create(name, ownerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return
	}
	b.topics[name] = &topic{name: name, ownerID: ownerID, lastActivity: b.now()}
}

func (b *Broker) getOrCreate(name, ownerID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{name: name, ownerID: ownerID, lastActivity: b.now()}
		b.topics[name] = t
	}
	return t
}

// Subscribe adds connectionID as a subscriber of topic (implicitly
// creating the topic if it doesn't exist), with an optional selector.
func (b *Broker) Subscribe(topicName, connectionID string, deliverer Deliverer, selector Selector) {
	t := b.getOrCreate(topicName, connectionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.connectionID == connectionID {
			t.subs[i].deliverer = deliverer
			t.subs[i].selector = selector
			return
		}
	}
	t.subs = append(t.subs, subscriber{connectionID: connectionID, deliverer: deliverer, selector: selector})
}

// Unsubscribe removes connectionID from topicName. A no-op if either
// doesn't exist.
func (b *Broker) Unsubscribe(topicName, connectionID string) {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.connectionID == connectionID {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

// Publish fans payload out to topicName's subscribers, subject to
// priority-based backpressure and per-subscriber selectors (spec
// §4.7). Delivery is best-effort: a full subscriber inbox drops the
// message for that subscriber only.
func (b *Broker) Publish(topicName string, payload []byte, priority Priority) error {
	threshold := b.cfg.BackpressureThreshold
	if threshold > 0 {
		qs := b.QueueSize()
		switch priority {
		case PriorityHigh:
			// always accepted
		case PriorityNormal:
			if qs > 2*threshold {
				return ErrBackpressure
			}
		case PriorityLow:
			if qs > threshold {
				return ErrBackpressure
			}
		}
	}

	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return ErrTopicNotFound
	}

	t.mu.Lock()
	subs := append([]subscriber(nil), t.subs...)
	t.messageCount++
	t.lastActivity = b.now()
	t.mu.Unlock()

	b.addQueueSize(int64(len(subs)))
	defer b.addQueueSize(-int64(len(subs)))

	for _, s := range subs {
		if s.selector != nil && !s.selector(payload) {
			continue
		}
		if !s.deliverer.Deliver(payload) {
			if b.onDrop != nil {
				b.onDrop(topicName)
			}
		}
	}
	return nil
}

func (b *Broker) addQueueSize(delta int64) {
	b.mu.Lock()
	b.queueSize += delta
	if b.queueSize < 0 {
		b.queueSize = 0
	}
	b.mu.Unlock()
}

// QueueSize returns the current approximate global queue size.
func (b *Broker) QueueSize() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queueSize
}

// List returns every registered topic name.
func (b *Broker) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for name := range b.topics {
		out = append(out, name)
	}
	return out
}

// Remove deregisters topicName if callerID is its owner (spec §4.7:
// "remove verifies the caller equals owner_id"). Subscribers are
// returned so the caller can notify them with a close envelope.
func (b *Broker) Remove(topicName, callerID string) ([]string, error) {
	b.mu.Lock()
	t, ok := b.topics[topicName]
	if !ok {
		b.mu.Unlock()
		return nil, ErrTopicNotFound
	}
	if t.ownerID != callerID {
		b.mu.Unlock()
		return nil, ErrNotOwner
	}
	delete(b.topics, topicName)
	b.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.subs))
	for _, s := range t.subs {
		ids = append(ids, s.connectionID)
	}
	return ids, nil
}

// TopicMetrics is a point-in-time snapshot for one topic (spec §4.7).
type TopicMetrics struct {
	Name             string
	MessageCount     int64
	SubscriberCount  int
	LastActivity     time.Time
}

// Metrics returns a snapshot for topicName, or false if it doesn't exist.
func (b *Broker) Metrics(topicName string) (TopicMetrics, bool) {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return TopicMetrics{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return TopicMetrics{
		Name:            t.name,
		MessageCount:    t.messageCount,
		SubscriberCount: len(t.subs),
		LastActivity:    t.lastActivity,
	}, true
}

// Uptime returns how long the broker has been running.
func (b *Broker) Uptime() time.Duration {
	return b.now().Sub(b.startedAt)
}
