// Package hub wires the otherwise-independent actors (TaskQueue,
// lifecycle.Registry, Scheduler, ratelimit.RateLimiter, HubFSM,
// Ledger, Alerter, session.Session) into the running system spec.md
// describes, and supplies HubFSM's SystemStateProvider: the one
// collaborator no single actor owns outright, since spec.md §4.6
// defines it as an aggregate read across the others.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/S-Corkum/agentcom/internal/eventbus"
	"github.com/S-Corkum/agentcom/internal/hubfsm"
	"github.com/S-Corkum/agentcom/internal/observability"
	"github.com/S-Corkum/agentcom/internal/queue"
)

// TaskSource is the subset of TaskQueue the monitor reads for pending
// and active goal counts.
type TaskSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
	ListDeadLetter(ctx context.Context) ([]*queue.Task, error)
}

// HealthChecker reports whether the system is currently in a
// health-critical condition (e.g. a failing durability backend). A
// nil HealthChecker is treated as always healthy.
type HealthChecker func(ctx context.Context) bool

// MonitorConfig holds the monitor's own tunables, grounded on
// spec.md §6.4's fsm.healing_cooldown_ms and a local threshold for
// treating repeated watchdog expiry as exhaustion.
type MonitorConfig struct {
	HealingCooldownMs      int64
	ExhaustionWindowMs     int64
	ExhaustionWatchdogHits int
}

// SystemMonitor implements hubfsm.SystemStateProvider by aggregating
// TaskQueue backlog, dead-letter backlog (as the "improving" work
// source), a pluggable health check, and its own bookkeeping of
// healing cooldown/exhaustion derived from HubFSM's own
// "hubfsm_transition" events.
//
// Grounded on no single teacher file — this is the aggregate read
// spec.md §4.6 requires of "system state", assembled the way the
// teacher's internal/core/engine.go composes health across
// sub-systems for its own /health handler.
type SystemMonitor struct {
	tasks  TaskSource
	health HealthChecker
	logger observability.Logger
	cfg    MonitorConfig
	clock  func() time.Time

	mu              sync.Mutex
	cooldownUntilMs int64
	watchdogHits    []int64
}

// NewSystemMonitor constructs a SystemMonitor and subscribes it to
// bus's "hubfsm_transition" topic to track healing exits.
func NewSystemMonitor(tasks TaskSource, health HealthChecker, bus *eventbus.Bus, logger observability.Logger, cfg MonitorConfig) *SystemMonitor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.ExhaustionWindowMs == 0 {
		cfg.ExhaustionWindowMs = 30 * 60 * 1000
	}
	if cfg.ExhaustionWatchdogHits == 0 {
		cfg.ExhaustionWatchdogHits = 3
	}
	m := &SystemMonitor{
		tasks:  tasks,
		health: health,
		logger: logger,
		cfg:    cfg,
		clock:  time.Now,
	}
	if bus != nil {
		bus.Subscribe("hubfsm_transition", m.onTransition)
	}
	return m
}

// onTransition records a healing exit (arming the cooldown window)
// and a watchdog-forced exit (counting toward exhaustion).
func (m *SystemMonitor) onTransition(ev eventbus.Event) {
	rec, ok := ev.Payload.(hubfsm.TransitionRecord)
	if !ok {
		return
	}
	if rec.From != hubfsm.StateHealing {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldownUntilMs = rec.TimestampMs + m.cfg.HealingCooldownMs
	if rec.Reason == "watchdog_expired" {
		m.watchdogHits = append(m.watchdogHits, rec.TimestampMs)
	}
}

// isExhausted reports whether enough watchdog-forced healing exits
// have happened within the exhaustion window to stop re-entering
// healing automatically; a stuck health signal should surface to an
// operator (via the Alerter) rather than cycle forever.
func (m *SystemMonitor) isExhausted(nowMs int64) bool {
	cutoff := nowMs - m.cfg.ExhaustionWindowMs
	kept := m.watchdogHits[:0]
	for _, ts := range m.watchdogHits {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	m.watchdogHits = kept
	return len(m.watchdogHits) >= m.cfg.ExhaustionWatchdogHits
}

// Snapshot implements hubfsm.SystemStateProvider.
func (m *SystemMonitor) Snapshot(ctx context.Context) (hubfsm.SystemState, error) {
	stats, err := m.tasks.Stats(ctx)
	if err != nil {
		return hubfsm.SystemState{}, err
	}

	pending := 0
	for _, n := range stats.QueuedByPriority {
		pending += n
	}

	deadLetter, err := m.tasks.ListDeadLetter(ctx)
	if err != nil {
		return hubfsm.SystemState{}, err
	}

	healthCritical := false
	if m.health != nil {
		healthCritical = m.health(ctx)
	}

	now := m.clock().UnixMilli()
	m.mu.Lock()
	cooldownActive := now < m.cooldownUntilMs
	exhausted := m.isExhausted(now)
	m.mu.Unlock()

	return hubfsm.SystemState{
		PendingGoals:             pending,
		ActiveGoals:              stats.Assigned,
		ImprovingBudgetAvailable: len(deadLetter) > 0,
		HealthCritical:           healthCritical,
		CooldownActive:           cooldownActive,
		Exhausted:                exhausted,
	}, nil
}
