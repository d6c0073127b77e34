// Package lifecycle implements the per-agent AgentLifecycle actor and
// its registry, per spec.md §4.2 and §4.8. Each agent id gets its own
// goroutine-backed actor owning that agent's FSM; the Registry is a
// thin, concurrency-safe index over those actors plus a
// capability -> agent-ids index used by the Scheduler.
//
// Grounded on the teacher's apps/mcp-server/internal/api/websocket/
// agent_registry.go (capability index, registration shape), adapted
// from its single sync.Map-of-everything registry into one actor per
// agent as spec.md §5 requires.
package lifecycle

import (
	"context"
	"time"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
	"github.com/S-Corkum/agentcom/internal/eventbus"
	"github.com/S-Corkum/agentcom/internal/observability"
	"github.com/S-Corkum/agentcom/internal/queue"
)

// State is an agent's FSM state, per spec.md §3.2.
type State string

const (
	StateOffline  State = "offline"
	StateIdle     State = "idle"
	StateAssigned State = "assigned"
	StateWorking  State = "working"
	StateBlocked  State = "blocked"
)

// SessionHandle is the opaque reference to a live Session actor that
// AgentLifecycle pushes assignments through. Implemented by
// internal/session.Session.
type SessionHandle interface {
	// SendTaskAssign pushes an assignment envelope to the agent.
	SendTaskAssign(env *queue.AssignmentEnvelope) error
	// SendRateLimited notifies the agent it is being throttled.
	SendRateLimited(tier string, retryAfterMs int64) error
	// ID identifies the session, for logging.
	ID() string
}

// AgentView is a read-only snapshot returned by registry queries.
type AgentView struct {
	ID                string
	Capabilities      []string
	FSMState          State
	CurrentTaskID     *string
	CurrentGeneration *int64
	ConnectedAtMs     *int64
	LastStateChangeMs int64
}

// TaskQueueClient is the subset of TaskQueue's API AgentLifecycle
// calls. A narrow interface (rather than *queue.TaskQueue directly)
// keeps this package testable with a fake.
type TaskQueueClient interface {
	Complete(ctx context.Context, taskID string, generation int64, result map[string]any) error
	Fail(ctx context.Context, taskID string, generation int64, reason string) error
	Reclaim(ctx context.Context, taskID string) error
}

type agentActor struct {
	id     string
	cmdCh  chan func()
	stopCh chan struct{}

	capabilities      []string
	fsmState          State
	currentTaskID     *string
	currentGeneration *int64
	connectedAtMs     *int64
	lastStateChangeMs int64
	sessionHandle     SessionHandle

	acceptanceTimer *time.Timer
	acceptanceCh    chan struct{} // unused; the timeout runs through acceptanceTimer's callback

	queueClient         TaskQueueClient
	bus                 *eventbus.Bus
	logger              observability.Logger
	acceptanceTimeoutMs int64
	clock               func() time.Time
}

func newAgentActor(id string, qc TaskQueueClient, bus *eventbus.Bus, logger observability.Logger, acceptanceTimeoutMs int64) *agentActor {
	return &agentActor{
		id:                  id,
		cmdCh:               make(chan func()),
		stopCh:              make(chan struct{}),
		fsmState:            StateOffline,
		queueClient:         qc,
		bus:                 bus,
		logger:              logger,
		acceptanceTimeoutMs: acceptanceTimeoutMs,
		clock:               time.Now,
	}
}

func (a *agentActor) run() {
	for {
		select {
		case fn := <-a.cmdCh:
			fn()
		case <-a.stopCh:
			if a.acceptanceTimer != nil {
				a.acceptanceTimer.Stop()
			}
			return
		}
	}
}

func (a *agentActor) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() { fn(); close(done) }
	select {
	case a.cmdCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopCh:
		return coreerrors.New("agentActor.call", coreerrors.KindNotFound, nil)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *agentActor) transition(to State) {
	a.fsmState = to
	a.lastStateChangeMs = a.clock().UnixMilli()
}

func (a *agentActor) publish(topic string) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Topic: topic, Payload: a.snapshot()})
}

func (a *agentActor) snapshot() AgentView {
	return AgentView{
		ID:                a.id,
		Capabilities:      append([]string(nil), a.capabilities...),
		FSMState:          a.fsmState,
		CurrentTaskID:     a.currentTaskID,
		CurrentGeneration: a.currentGeneration,
		ConnectedAtMs:     a.connectedAtMs,
		LastStateChangeMs: a.lastStateChangeMs,
	}
}

func (a *agentActor) cancelAcceptanceTimer() {
	if a.acceptanceTimer != nil {
		a.acceptanceTimer.Stop()
		a.acceptanceTimer = nil
	}
}

func (a *agentActor) armAcceptanceTimer(onTimeout func()) {
	a.cancelAcceptanceTimer()
	a.acceptanceTimer = time.AfterFunc(time.Duration(a.acceptanceTimeoutMs)*time.Millisecond, onTimeout)
}
