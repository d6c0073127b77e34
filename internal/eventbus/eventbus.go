// Package eventbus implements the in-process topic pub/sub described
// in spec.md §4.7 / §6.2. Grounded on the teacher's
// pkg/events/event_bus_impl.go: a handler map guarded by a mutex, with
// delivery fanned out per subscriber.
package eventbus

import (
	"sync"

	"github.com/S-Corkum/agentcom/internal/observability"
)

// Topic names published by the core actors.
const (
	TopicTaskSubmitted      = "task_submitted"
	TopicTaskAssigned       = "task_assigned"
	TopicTaskCompleted      = "task_completed"
	TopicTaskRetried        = "task_retried"
	TopicTaskDeadLettered   = "task_dead_lettered"
	TopicTaskReclaimed      = "task_reclaimed"
	TopicAgentJoined        = "agent_joined"
	TopicAgentLeft          = "agent_left"
	TopicAgentIdle          = "agent_idle"
	TopicRateLimitViolated  = "rate_limit_violated"
	TopicRateLimitCleared   = "rate_limit_cleared"
)

// Event is the envelope carried on every topic. Payload is opaque to
// the bus itself; each topic's producer and subscribers agree on its
// concrete type out of band.
type Event struct {
	Topic   string
	Payload any
}

// Handler processes one Event. Handlers for a given subscription are
// invoked in publication order; a slow handler only delays its own
// subscriber, never other subscribers or the publisher.
type Handler func(Event)

const defaultQueueSize = 256

type subscriber struct {
	queue chan Event
	done  chan struct{}
}

// Bus is the in-process event bus. The zero value is not usable; use
// New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]*subscriber
	nextID      int
	logger      observability.Logger
	closed      bool
	metrics     *observability.Metrics
}

// New creates a Bus. logger may be nil, in which case a no-op logger
// is used.
func New(logger observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Bus{
		subscribers: make(map[string]map[int]*subscriber),
		logger:      logger,
	}
}

// SetMetrics wires the Prometheus collector for dropped events.
// Optional; a nil metrics field (the default) skips instrumentation.
func (b *Bus) SetMetrics(m *observability.Metrics) { b.metrics = m }

// Subscription is returned by Subscribe; call Unsubscribe to stop
// delivery and release the subscriber's goroutine.
type Subscription struct {
	bus   *Bus
	topic string
	id    int
}

// Subscribe registers handler to run, in order, for every event
// published to topic. Delivery happens on a dedicated goroutine per
// subscription so one slow handler cannot block the publisher or
// other subscribers (mirrors the teacher's per-handler goroutine, but
// serialized per subscriber to preserve the ordering guarantee of
// spec.md §5).
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[int]*subscriber)
	}
	id := b.nextID
	b.nextID++

	sub := &subscriber{
		queue: make(chan Event, defaultQueueSize),
		done:  make(chan struct{}),
	}
	b.subscribers[topic][id] = sub

	go func() {
		for {
			select {
			case ev := <-sub.queue:
				handler(ev)
			case <-sub.done:
				return
			}
		}
	}()

	return &Subscription{bus: b, topic: topic, id: id}
}

// Unsubscribe stops delivery to this subscription and releases its
// goroutine.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscribers[s.topic]
	if subs == nil {
		return
	}
	if sub, ok := subs[s.id]; ok {
		close(sub.done)
		delete(subs, s.id)
	}
}

// Publish delivers ev to every current subscriber of ev.Topic. A
// subscriber whose queue is full has its oldest queued event evicted
// to make room, rather than the publisher blocking or the new event
// being dropped instead — recent state (the newest task/agent
// transition) is more useful to a lagging subscriber than state it
// has already missed. The eviction is counted and logged so a
// chronically lagging subscriber is visible.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subscribers[ev.Topic] {
		select {
		case sub.queue <- ev:
			continue
		default:
		}

		// Queue is full: evict the oldest entry, then retry the send.
		select {
		case <-sub.queue:
		default:
		}
		select {
		case sub.queue <- ev:
		default:
			// Another goroutine refilled the queue between the evict
			// and this send; give up on this subscriber for this event
			// rather than spin.
		}

		if b.metrics != nil {
			b.metrics.EventBusDropped.WithLabelValues(ev.Topic).Inc()
		}
		b.logger.Warn("eventbus: subscriber queue full, dropped oldest event", observability.Fields{
			"topic": ev.Topic,
		})
	}
}

// Close stops all subscriber goroutines. After Close, Publish is a
// no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	b.subscribers = make(map[string]map[int]*subscriber)
}
