// Package hubfsm implements the autonomous work cycler of spec.md
// §4.6: a single periodic tick loop that reads an opaque system-state
// snapshot and transitions the hub between work modes, gated by an
// external invocation-budget ledger.
//
// Grounded on the teacher's internal/resilience/circuit_breaker.go
// for the transition-table-plus-OnStateChange-callback shape (no
// direct state-cycler analogue exists in the teacher); generalized
// from Closed/Open/HalfOpen to the five states of spec.md §4.6.
package hubfsm

import (
	"context"
	"time"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
	"github.com/S-Corkum/agentcom/internal/eventbus"
	"github.com/S-Corkum/agentcom/internal/observability"
)

// State is one of HubFSM's five work modes, per spec.md §4.6.
type State string

const (
	StateResting       State = "resting"
	StateExecuting     State = "executing"
	StateImproving     State = "improving"
	StateContemplating State = "contemplating"
	StateHealing       State = "healing"
)

// SystemState is the opaque snapshot HubFSM reads on every tick.
type SystemState struct {
	PendingGoals             int
	ActiveGoals              int
	ImprovingBudgetAvailable bool
	HealthCritical           bool
	CooldownActive           bool
	Exhausted                bool
}

// SystemStateProvider supplies the per-tick snapshot.
type SystemStateProvider interface {
	Snapshot(ctx context.Context) (SystemState, error)
}

// Ledger is the subset of the Ledger collaborator (spec.md §6.2)
// HubFSM calls.
type Ledger interface {
	CheckBudget(ctx context.Context, state string) (bool, error)
	RecordInvocation(ctx context.Context, state string, meta map[string]any) error
}

// TransitionRecord is one entry of the capped transition history.
type TransitionRecord struct {
	TimestampMs int64
	From        State
	To          State
	Reason      string
	Forced      bool
}

const maxTransitionHistory = 100
const maxHealingHistory = 50

// Config holds HubFSM's own tunables, per spec.md §6.4.
type Config struct {
	TickIntervalMs    int64
	HealingWatchdogMs int64
}

// HubFSM is the single-actor state cycler. All mutable state is
// confined to the run() goroutine via the same cmdCh/call() pattern
// used by TaskQueue and the lifecycle actors.
type HubFSM struct {
	provider SystemStateProvider
	ledger   Ledger
	bus      *eventbus.Bus
	logger   observability.Logger
	cfg      Config
	clock    func() time.Time

	cmdCh  chan func()
	stopCh chan struct{}

	state            State
	stateEnteredAtMs int64
	paused           bool
	transitionCount  int64
	history          []TransitionRecord
	healingHistory   []TransitionRecord
	watchdogTimer    *time.Timer

	metrics *observability.Metrics
}

// New constructs a HubFSM starting in StateResting.
func New(provider SystemStateProvider, ledger Ledger, bus *eventbus.Bus, logger observability.Logger, cfg Config) *HubFSM {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.TickIntervalMs == 0 {
		cfg.TickIntervalMs = 5_000
	}
	if cfg.HealingWatchdogMs == 0 {
		cfg.HealingWatchdogMs = 300_000
	}
	return &HubFSM{
		provider: provider,
		ledger:   ledger,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		clock:    time.Now,
		cmdCh:            make(chan func()),
		stopCh:           make(chan struct{}),
		state:            StateResting,
		stateEnteredAtMs: time.Now().UnixMilli(),
	}
}

// SetMetrics wires Prometheus collectors for state-time and transition
// counts. Optional; a nil metrics field (the default) skips
// instrumentation.
func (h *HubFSM) SetMetrics(m *observability.Metrics) { h.metrics = m }

// Start launches the tick loop.
func (h *HubFSM) Start(ctx context.Context) {
	go h.run(ctx)
}

// Stop halts the tick loop.
func (h *HubFSM) Stop() {
	close(h.stopCh)
}

func (h *HubFSM) run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(h.cfg.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case fn := <-h.cmdCh:
			fn()
		case <-ticker.C:
			h.tick(ctx)
		case <-h.stopCh:
			if h.watchdogTimer != nil {
				h.watchdogTimer.Stop()
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *HubFSM) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() { fn(); close(done) }
	select {
	case h.cmdCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopCh:
		return coreerrors.New("HubFSM.call", coreerrors.KindNotFound, nil)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick evaluates the priority-ordered predicates of spec.md §4.6 and
// performs at most one transition. Runs only on the run() goroutine.
func (h *HubFSM) tick(ctx context.Context) {
	if h.paused {
		return
	}

	snap, err := h.provider.Snapshot(ctx)
	if err != nil {
		h.logger.Warn("hubfsm: system state snapshot failed", observability.Fields{"error": err.Error()})
		return
	}

	switch {
	case h.state != StateHealing && snap.HealthCritical && !snap.Exhausted && !snap.CooldownActive:
		h.attemptTransition(ctx, StateHealing, "health_critical", false)

	case h.state == StateResting && snap.PendingGoals > 0:
		h.attemptTransition(ctx, StateExecuting, "pending_goals", false)

	case h.state == StateResting && snap.ImprovingBudgetAvailable:
		h.attemptTransition(ctx, StateImproving, "improving_budget_available", false)

	case h.state != StateResting:
		ok, err := h.ledger.CheckBudget(ctx, string(h.state))
		if err == nil && !ok {
			h.transition(StateResting, "budget_exhausted", false)
		}

	default:
		// stay
	}
}

// attemptTransition asks the ledger for budget before entering a
// non-resting state; a denial is a no-op (stay in the current state).
func (h *HubFSM) attemptTransition(ctx context.Context, to State, reason string, forced bool) {
	ok, err := h.ledger.CheckBudget(ctx, string(to))
	if err != nil || !ok {
		return
	}
	h.transition(to, reason, forced)
	_ = h.ledger.RecordInvocation(ctx, string(to), map[string]any{"reason": reason})
}

func (h *HubFSM) transition(to State, reason string, forced bool) {
	from := h.state
	if from == to && !forced {
		return
	}

	now := h.clock().UnixMilli()
	rec := TransitionRecord{TimestampMs: now, From: from, To: to, Reason: reason, Forced: forced}

	if h.metrics != nil {
		h.metrics.FSMStateSeconds.WithLabelValues(string(from)).Add(float64(now-h.stateEnteredAtMs) / 1000)
		h.metrics.FSMTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	h.stateEnteredAtMs = now

	h.state = to
	h.transitionCount++
	h.history = append(h.history, rec)
	if len(h.history) > maxTransitionHistory {
		h.history = h.history[len(h.history)-maxTransitionHistory:]
	}

	if from == StateHealing && h.watchdogTimer != nil {
		h.watchdogTimer.Stop()
		h.watchdogTimer = nil
	}
	if to == StateHealing {
		h.armWatchdog()
	}

	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Topic: "hubfsm_transition", Payload: rec})
	}
}

// armWatchdog forces a return to resting if the FSM remains in
// healing beyond the configured ceiling, per spec.md §4.6's
// "Watchdog" rule.
func (h *HubFSM) armWatchdog() {
	h.watchdogTimer = time.AfterFunc(time.Duration(h.cfg.HealingWatchdogMs)*time.Millisecond, func() {
		_ = h.call(context.Background(), func() {
			if h.state != StateHealing {
				return
			}
			rec := TransitionRecord{TimestampMs: h.clock().UnixMilli(), From: StateHealing, To: StateResting, Reason: "watchdog_expired", Forced: true}
			h.transition(StateResting, "watchdog_expired", true)
			h.healingHistory = append(h.healingHistory, rec)
			if len(h.healingHistory) > maxHealingHistory {
				h.healingHistory = h.healingHistory[len(h.healingHistory)-maxHealingHistory:]
			}
		})
	})
}

// ForceTransition implements spec.md §4.6's "Externally forced
// transitions": an operator API may force a state change regardless
// of pause, bumping transition_count identically to predicate-driven
// transitions.
func (h *HubFSM) ForceTransition(ctx context.Context, to State, reason string) error {
	return h.call(ctx, func() {
		h.transition(to, reason, true)
	})
}

// Pause prevents automatic predicate-driven ticks until Resume.
// ForceTransition still works while paused.
func (h *HubFSM) Pause(ctx context.Context) error {
	return h.call(ctx, func() { h.paused = true })
}

// Resume re-enables automatic ticks.
func (h *HubFSM) Resume(ctx context.Context) error {
	return h.call(ctx, func() { h.paused = false })
}

// StateView is a read-only snapshot for the admin surface.
type StateView struct {
	State           State
	Paused          bool
	TransitionCount int64
	History         []TransitionRecord
	HealingHistory  []TransitionRecord
}

// Snapshot returns the current FSM state and history.
func (h *HubFSM) Snapshot(ctx context.Context) (StateView, error) {
	var v StateView
	err := h.call(ctx, func() {
		v = StateView{
			State:           h.state,
			Paused:          h.paused,
			TransitionCount: h.transitionCount,
			History:         append([]TransitionRecord(nil), h.history...),
			HealingHistory:  append([]TransitionRecord(nil), h.healingHistory...),
		}
	})
	return v, err
}

// Tick runs one predicate-evaluation pass immediately, independent of
// the ticker — used by tests and by an operator "evaluate now" hook.
func (h *HubFSM) Tick(ctx context.Context) error {
	return h.call(ctx, func() { h.tick(ctx) })
}
