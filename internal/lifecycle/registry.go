package lifecycle

import (
	"context"
	"sync"
	"time"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
	"github.com/S-Corkum/agentcom/internal/eventbus"
	"github.com/S-Corkum/agentcom/internal/observability"
	"github.com/S-Corkum/agentcom/internal/queue"
)

// Config holds AgentLifecycle's own tunables from spec.md §6.4.
type Config struct {
	AcceptanceTimeoutMs int64
}

// Registry owns one agentActor per agent id plus the capability index
// the Scheduler searches (§4.8). Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*agentActor
	capIndex map[string]map[string]struct{} // capability -> agent ids

	queueClient TaskQueueClient
	bus         *eventbus.Bus
	logger      observability.Logger
	cfg         Config
}

// New constructs an empty Registry.
func New(qc TaskQueueClient, bus *eventbus.Bus, logger observability.Logger, cfg Config) *Registry {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.AcceptanceTimeoutMs == 0 {
		cfg.AcceptanceTimeoutMs = 60_000
	}
	return &Registry{
		agents:      make(map[string]*agentActor),
		capIndex:    make(map[string]map[string]struct{}),
		queueClient: qc,
		bus:         bus,
		logger:      logger,
		cfg:         cfg,
	}
}

func (r *Registry) getOrCreate(agentID string) *agentActor {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if ok {
		return a
	}
	a = newAgentActor(agentID, r.queueClient, r.bus, r.logger, r.cfg.AcceptanceTimeoutMs)
	r.agents[agentID] = a
	go a.run()
	return a
}

func (r *Registry) addCapabilities(agentID string, caps []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range caps {
		if r.capIndex[c] == nil {
			r.capIndex[c] = make(map[string]struct{})
		}
		r.capIndex[c][agentID] = struct{}{}
	}
}

func (r *Registry) removeCapabilities(agentID string, caps []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range caps {
		if set, ok := r.capIndex[c]; ok {
			delete(set, agentID)
			if len(set) == 0 {
				delete(r.capIndex, c)
			}
		}
	}
}

// Ensure registers or re-registers an agent on identify, per spec.md
// §4.2's "ensure" operation.
func (r *Registry) Ensure(ctx context.Context, agentID string, capabilities []string, handle SessionHandle) error {
	a := r.getOrCreate(agentID)
	return a.call(ctx, func() {
		a.removeOldCapabilities(r)
		a.capabilities = capabilities
		r.addCapabilities(agentID, capabilities)

		now := time.Now().UnixMilli()
		a.connectedAtMs = &now
		a.sessionHandle = handle
		old := a.fsmState

		// A reconnecting agent that still holds an assignment (the
		// prior session died without OnSessionLoss having run yet)
		// keeps its fsmState/currentTaskID until the agent's
		// state_report drives ReconcileStateReport; only a genuinely
		// fresh or task-free agent goes straight to idle.
		if a.currentTaskID == nil {
			a.transition(StateIdle)
		}
		if old == StateOffline {
			a.publish(eventbus.TopicAgentJoined)
		}
	})
}

// removeOldCapabilities must be called from within the actor's own
// command to stay serialized with capabilities mutation.
func (a *agentActor) removeOldCapabilities(r *Registry) {
	if len(a.capabilities) > 0 {
		r.removeCapabilities(a.id, a.capabilities)
	}
}

// PushTask transitions idle -> assigned and sends the envelope via
// the session handle, arming the acceptance timer. Returns a
// wrong_state error if the agent is not idle.
func (r *Registry) PushTask(ctx context.Context, agentID string, env *queue.AssignmentEnvelope) error {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return coreerrors.New("Registry.PushTask", coreerrors.KindNotFound, nil)
	}

	var opErr error
	err := a.call(ctx, func() {
		if a.fsmState != StateIdle {
			opErr = coreerrors.New("Registry.PushTask", coreerrors.KindWrongState, nil)
			return
		}
		if a.sessionHandle == nil {
			opErr = coreerrors.New("Registry.PushTask", coreerrors.KindSessionLost, nil)
			return
		}

		taskID := env.TaskID
		gen := env.Generation
		a.currentTaskID = &taskID
		a.currentGeneration = &gen
		a.transition(StateAssigned)

		if err := a.sessionHandle.SendTaskAssign(env); err != nil {
			opErr = coreerrors.Wrap("Registry.PushTask", coreerrors.KindSessionLost, err, "send task_assign")
			return
		}

		a.armAcceptanceTimer(func() {
			r.onAcceptanceTimeout(context.Background(), agentID, taskID, gen)
		})
	})
	if err != nil {
		return err
	}
	return opErr
}

// OnAccepted transitions assigned -> working, matching on
// (task_id, generation); mismatches are silently dropped per
// spec.md §4.2.
func (r *Registry) OnAccepted(ctx context.Context, agentID, taskID string, generation int64) error {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return coreerrors.New("Registry.OnAccepted", coreerrors.KindNotFound, nil)
	}
	return a.call(ctx, func() {
		if a.fsmState != StateAssigned || !a.matches(taskID, generation) {
			return
		}
		a.cancelAcceptanceTimer()
		a.transition(StateWorking)
	})
}

func (a *agentActor) matches(taskID string, generation int64) bool {
	return a.currentTaskID != nil && *a.currentTaskID == taskID &&
		a.currentGeneration != nil && *a.currentGeneration == generation
}

// OnCompleted calls TaskQueue.Complete then transitions working ->
// idle, publishing agent_idle.
func (r *Registry) OnCompleted(ctx context.Context, agentID, taskID string, generation int64, result map[string]any) error {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return coreerrors.New("Registry.OnCompleted", coreerrors.KindNotFound, nil)
	}

	var opErr error
	err := a.call(ctx, func() {
		opErr = r.queueClient.Complete(ctx, taskID, generation, result)
		if opErr != nil && !coreerrors.Is(opErr, coreerrors.KindStaleGeneration) {
			return
		}
		if a.matches(taskID, generation) {
			a.currentTaskID = nil
			a.currentGeneration = nil
			a.transition(StateIdle)
			a.publish(eventbus.TopicAgentIdle)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// OnFailed calls TaskQueue.Fail then transitions working -> idle.
func (r *Registry) OnFailed(ctx context.Context, agentID, taskID string, generation int64, reason string) error {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return coreerrors.New("Registry.OnFailed", coreerrors.KindNotFound, nil)
	}

	var opErr error
	err := a.call(ctx, func() {
		opErr = r.queueClient.Fail(ctx, taskID, generation, reason)
		if opErr != nil && !coreerrors.Is(opErr, coreerrors.KindStaleGeneration) {
			return
		}
		if a.matches(taskID, generation) {
			a.currentTaskID = nil
			a.currentGeneration = nil
			a.transition(StateIdle)
			a.publish(eventbus.TopicAgentIdle)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// OnRejected transitions assigned -> idle and reclaims the task.
func (r *Registry) OnRejected(ctx context.Context, agentID, taskID string, generation int64, reason string) error {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return coreerrors.New("Registry.OnRejected", coreerrors.KindNotFound, nil)
	}

	var opErr error
	err := a.call(ctx, func() {
		if !a.matches(taskID, generation) {
			return
		}
		a.cancelAcceptanceTimer()
		a.currentTaskID = nil
		a.currentGeneration = nil
		a.transition(StateIdle)
		opErr = r.queueClient.Reclaim(ctx, taskID)
	})
	if err != nil {
		return err
	}
	return opErr
}

func (r *Registry) onAcceptanceTimeout(ctx context.Context, agentID, taskID string, generation int64) {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	_ = a.call(ctx, func() {
		if a.fsmState != StateAssigned || !a.matches(taskID, generation) {
			return
		}
		a.currentTaskID = nil
		a.currentGeneration = nil
		a.transition(StateIdle)
		_ = r.queueClient.Reclaim(ctx, taskID)
	})
}

// OnSessionLoss transitions an agent to offline and reclaims any task
// it was holding. A no-op if the agent is already offline.
func (r *Registry) OnSessionLoss(ctx context.Context, agentID string) error {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return coreerrors.New("Registry.OnSessionLoss", coreerrors.KindNotFound, nil)
	}

	return a.call(ctx, func() {
		if a.fsmState == StateOffline {
			return
		}
		a.cancelAcceptanceTimer()
		holding := a.currentTaskID
		a.sessionHandle = nil
		a.connectedAtMs = nil
		a.transition(StateOffline)
		if holding != nil {
			_ = r.queueClient.Reclaim(ctx, *holding)
			a.currentTaskID = nil
			a.currentGeneration = nil
		}
		a.publish(eventbus.TopicAgentLeft)
	})
}

// ListIdle returns every agent currently idle, for the Scheduler's
// candidate pool.
func (r *Registry) ListIdle(ctx context.Context) []AgentView {
	return r.listByState(ctx, StateIdle)
}

// ListAll returns a snapshot of every registered agent.
func (r *Registry) ListAll(ctx context.Context) []AgentView {
	r.mu.RLock()
	actors := make([]*agentActor, 0, len(r.agents))
	for _, a := range r.agents {
		actors = append(actors, a)
	}
	r.mu.RUnlock()

	out := make([]AgentView, 0, len(actors))
	for _, a := range actors {
		var v AgentView
		_ = a.call(ctx, func() { v = a.snapshot() })
		out = append(out, v)
	}
	return out
}

func (r *Registry) listByState(ctx context.Context, state State) []AgentView {
	r.mu.RLock()
	actors := make([]*agentActor, 0, len(r.agents))
	for _, a := range r.agents {
		actors = append(actors, a)
	}
	r.mu.RUnlock()

	out := make([]AgentView, 0)
	for _, a := range actors {
		var v AgentView
		var match bool
		_ = a.call(ctx, func() {
			if a.fsmState == state {
				match = true
				v = a.snapshot()
			}
		})
		if match {
			out = append(out, v)
		}
	}
	return out
}

// AgentsWithCapabilities returns the ids of every agent advertising
// every capability in needed (the registry's capability-index lookup,
// §4.8), without querying each actor individually.
func (r *Registry) AgentsWithCapabilities(needed []string) []string {
	if len(needed) == 0 {
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]string, 0, len(r.agents))
		for id := range r.agents {
			out = append(out, id)
		}
		return out
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates map[string]struct{}
	for i, cap := range needed {
		set := r.capIndex[cap]
		if i == 0 {
			candidates = make(map[string]struct{}, len(set))
			for id := range set {
				candidates[id] = struct{}{}
			}
			continue
		}
		for id := range candidates {
			if _, ok := set[id]; !ok {
				delete(candidates, id)
			}
		}
	}
	out := make([]string, 0, len(candidates))
	for id := range candidates {
		out = append(out, id)
	}
	return out
}

// AgentState implements queue.LifecycleQuery for TaskQueue's overdue
// sweep.
func (r *Registry) AgentState(agentID string) string {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return ""
	}
	var state State
	_ = a.call(context.Background(), func() { state = a.fsmState })
	return string(state)
}

// ReconcileAction is the hub's disposition after comparing a
// reconnecting agent's state_report against its own view, per
// spec.md §5 "Reconnect reconciliation".
type ReconcileAction string

const (
	// ReconcileNoop means the hub's and agent's views already agree;
	// no action is taken.
	ReconcileNoop ReconcileAction = "noop"
	// ReconcileAbandon means the agent must be told to abandon
	// whatever it thinks it is doing (no task assigned in the hub's
	// view, or the agent is holding a stale generation).
	ReconcileAbandon ReconcileAction = "abandon"
	// ReconcileReclaimed means the hub believed the agent was working
	// a task the agent itself reports as idle; the task has been
	// reclaimed back to the queue.
	ReconcileReclaimed ReconcileAction = "reclaimed"
)

// ReconcileOutcome is the result of ReconcileStateReport.
type ReconcileOutcome struct {
	Action        ReconcileAction
	ReclaimedTask string
}

// ReconcileStateReport implements the reconnect reconciliation rules
// of spec.md §5 against a `state_report{task_id, status, generation}`
// frame. Ensure must be called first to restore sessionHandle; this
// method only inspects/mutates task assignment state.
func (r *Registry) ReconcileStateReport(ctx context.Context, agentID, reportedTaskID, reportedStatus string, reportedGeneration int64) (ReconcileOutcome, error) {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return ReconcileOutcome{}, coreerrors.New("Registry.ReconcileStateReport", coreerrors.KindNotFound, nil)
	}

	var out ReconcileOutcome
	err := a.call(ctx, func() {
		switch {
		case a.currentTaskID == nil:
			// No task assigned in the hub's view: the agent must
			// abandon whatever it thinks it is doing.
			out.Action = ReconcileAbandon

		case *a.currentTaskID == reportedTaskID && a.currentGeneration != nil && *a.currentGeneration == reportedGeneration:
			// Hub and agent views agree.
			out.Action = ReconcileNoop

		case reportedStatus == "idle":
			// Hub shows the agent working/assigned but the agent
			// itself reports idle: it silently dropped the task.
			taskID := *a.currentTaskID
			a.currentTaskID = nil
			a.currentGeneration = nil
			a.transition(StateIdle)
			if err := r.queueClient.Reclaim(ctx, taskID); err != nil {
				return
			}
			out.Action = ReconcileReclaimed
			out.ReclaimedTask = taskID

		default:
			// Same task, stale generation, or a task the hub no
			// longer recognizes as current: the agent's work is
			// obsolete.
			out.Action = ReconcileAbandon
		}
	})
	return out, err
}

