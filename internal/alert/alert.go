// Package alert implements the Alerter collaborator of spec.md §6.2:
// `raise(kind, detail)`, fanned out to zero or more sinks. AgentCom's
// core never blocks on alert delivery — every sink is best-effort and
// a sink failure is logged, never returned to the caller that raised
// the alert (a stuck alert pipe must never stall the queue/lifecycle/
// scheduler actors).
package alert

import (
	"context"
	"time"

	"github.com/S-Corkum/agentcom/internal/observability"
)

// Alert is one raised condition: starvation, a dead-lettered task, a
// budget exhaustion, a watchdog trip, etc. Kind is a short stable
// label the sinks key on; Detail is free-form structured context.
type Alert struct {
	Kind        string
	Detail      map[string]any
	TimestampMs int64
}

// Sink delivers one Alert to an external system. A Sink returning an
// error only affects that sink's own metrics/logging; it never
// propagates to Raise's caller.
type Sink interface {
	Deliver(ctx context.Context, a Alert) error
	Name() string
}

// Alerter fans a raised Alert out to every configured Sink
// concurrently, bounding each delivery with a per-sink timeout so one
// slow sink can't hold up the others.
type Alerter struct {
	sinks          []Sink
	logger         observability.Logger
	deliveryTimeout time.Duration
	clock          func() time.Time
}

// Config holds Alerter's own tunables.
type Config struct {
	DeliveryTimeout time.Duration
}

// New constructs an Alerter over the given sinks.
func New(sinks []Sink, logger observability.Logger, cfg Config) *Alerter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	return &Alerter{sinks: sinks, logger: logger, deliveryTimeout: cfg.DeliveryTimeout, clock: time.Now}
}

// Raise fans the alert out to every sink. It never returns an error:
// per-sink failures are logged with the sink's name and the alert
// kind, and delivery to the remaining sinks proceeds regardless.
func (a *Alerter) Raise(ctx context.Context, kind string, detail map[string]any) {
	alert := Alert{Kind: kind, Detail: detail, TimestampMs: a.clock().UnixMilli()}

	for _, sink := range a.sinks {
		sink := sink
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), a.deliveryTimeout)
			defer cancel()
			if err := sink.Deliver(dctx, alert); err != nil {
				a.logger.Warn("alert: sink delivery failed", observability.Fields{
					"sink": sink.Name(), "kind": kind, "error": err.Error(),
				})
			}
		}()
	}
}
