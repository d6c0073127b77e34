// Package audit persists a durable record of every event crossing
// internal/eventbus, per spec.md §3's AuditRecord / §9's "the hub must
// retain an auditable history of task and agent lifecycle transitions
// independent of the in-memory event bus". Grounded on
// internal/alert.Alerter's shape: one component fans a bus-sourced
// stream out to a sink, logging (never propagating) sink failures.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/S-Corkum/agentcom/internal/eventbus"
	"github.com/S-Corkum/agentcom/internal/observability"
	"github.com/S-Corkum/agentcom/internal/store"
)

// Record is one durable audit entry, keyed by ID under
// store.TableAuditLog.
type Record struct {
	ID          string `json:"id"`
	Topic       string `json:"topic"`
	TimestampMs int64  `json:"timestamp_ms"`
	Payload     any    `json:"payload"`
}

// Sink is the minimal subset of store.DurableStore Log needs to
// persist a Record. Satisfied structurally by store.DurableStore.
type Sink interface {
	Put(ctx context.Context, table, key string, value []byte) error
	Sync(ctx context.Context, table string) error
}

// Log subscribes to a set of eventbus topics and writes one Record per
// delivered Event. A write failure is logged and otherwise swallowed:
// a stalled or failing audit sink must never stall the publisher or
// the subscriber goroutine delivering other topics.
type Log struct {
	store  Sink
	logger observability.Logger
	clock  func() time.Time
}

// New builds a Log writing through s.
func New(s Sink, logger observability.Logger) *Log {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Log{store: s, logger: logger, clock: time.Now}
}

// Subscribe registers the Log against bus for every topic given,
// returning the Subscriptions so the caller can Unsubscribe at
// shutdown. A single handler per topic keeps per-topic ordering; each
// topic's subscription runs on its own bus goroutine so one slow
// write does not delay another topic's audit trail.
func (l *Log) Subscribe(bus *eventbus.Bus, topics ...string) []*eventbus.Subscription {
	subs := make([]*eventbus.Subscription, 0, len(topics))
	for _, topic := range topics {
		topic := topic
		subs = append(subs, bus.Subscribe(topic, func(ev eventbus.Event) {
			l.write(topic, ev.Payload)
		}))
	}
	return subs
}

func (l *Log) write(topic string, payload any) {
	rec := Record{
		ID:          uuid.NewString(),
		Topic:       topic,
		TimestampMs: l.clock().UnixMilli(),
		Payload:     payload,
	}
	value, err := json.Marshal(rec)
	if err != nil {
		l.logger.Warn("audit: marshal failed", observability.Fields{"topic": topic, "error": err.Error()})
		return
	}

	ctx := context.Background()
	if err := l.store.Put(ctx, store.TableAuditLog, rec.ID, value); err != nil {
		l.logger.Warn("audit: write failed", observability.Fields{"topic": topic, "error": err.Error()})
		return
	}
	if err := l.store.Sync(ctx, store.TableAuditLog); err != nil {
		l.logger.Warn("audit: sync failed", observability.Fields{"topic": topic, "error": err.Error()})
	}
}
