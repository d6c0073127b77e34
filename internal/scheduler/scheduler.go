// Package scheduler implements the purely reactive task/agent matcher
// of spec.md §4.3. It holds no state of its own: every matching pass
// re-reads the current queued tasks and idle agents and does a greedy
// capability-subset match.
//
// Grounded on the teacher's apps/mcp-server/internal/api/websocket/
// agent_registry.go's DiscoverAgents capability-intersection search,
// re-expressed here as the greedy two-loop matcher spec.md §4.3
// describes, driven by eventbus subscriptions instead of a direct
// synchronous call.
package scheduler

import (
	"context"
	"time"

	"github.com/S-Corkum/agentcom/internal/eventbus"
	"github.com/S-Corkum/agentcom/internal/lifecycle"
	"github.com/S-Corkum/agentcom/internal/observability"
	"github.com/S-Corkum/agentcom/internal/queue"
)

// TaskSource is the subset of TaskQueue the Scheduler reads and
// mutates.
type TaskSource interface {
	ListQueuedInPriorityOrder(ctx context.Context) ([]*queue.Task, error)
	Assign(ctx context.Context, taskID, agentID string) (*queue.AssignmentEnvelope, error)
	Reclaim(ctx context.Context, taskID string) error
}

// AgentSource is the subset of the lifecycle Registry the Scheduler
// reads and mutates.
type AgentSource interface {
	ListIdle(ctx context.Context) []lifecycle.AgentView
	PushTask(ctx context.Context, agentID string, env *queue.AssignmentEnvelope) error
}

// RateChecker reports whether an agent is currently throttled, so the
// Scheduler can exclude it from the candidate pool.
type RateChecker interface {
	IsRateLimited(agentID string) bool
}

// Config holds the Scheduler's own tunables.
type Config struct {
	StuckAgentSweepIntervalMs int64
}

// Scheduler is the stateless reactive matcher. Its only mutable field
// is the subscription list set up in Start; matching itself touches
// no scheduler-owned state.
type Scheduler struct {
	tasks   TaskSource
	agents  AgentSource
	limiter RateChecker
	bus     *eventbus.Bus
	logger  observability.Logger
	cfg     Config

	subs     []*eventbus.Subscription
	stopCh   chan struct{}
	stopOnce func()
}

// New constructs a Scheduler. Call Start to subscribe to the driving
// events and begin the periodic sweep tick.
func New(tasks TaskSource, agents AgentSource, limiter RateChecker, bus *eventbus.Bus, logger observability.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.StuckAgentSweepIntervalMs == 0 {
		cfg.StuckAgentSweepIntervalMs = 30_000
	}
	return &Scheduler{
		tasks:   tasks,
		agents:  agents,
		limiter: limiter,
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

var drivingTopics = []string{
	eventbus.TopicTaskSubmitted,
	eventbus.TopicTaskRetried,
	eventbus.TopicTaskReclaimed,
	eventbus.TopicAgentIdle,
	eventbus.TopicAgentJoined,
	eventbus.TopicRateLimitCleared,
}

// Start subscribes to every driving topic and launches the periodic
// sweep, which reruns the matching pass every
// StuckAgentSweepIntervalMs. The sweep does not inspect agents left
// in assigned or enforce an acceptance deadline; that is left to the
// lifecycle acceptance timer. Every subscribed event triggers one
// matching pass, run synchronously on the subscriber's own eventbus
// delivery goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	for _, topic := range drivingTopics {
		sub := s.bus.Subscribe(topic, func(ev eventbus.Event) {
			s.RunMatchingPass(ctx)
		})
		s.subs = append(s.subs, sub)
	}

	go s.sweepLoop(ctx)
}

// Stop unsubscribes from all topics and stops the sweep loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.StuckAgentSweepIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RunMatchingPass(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunMatchingPass executes one greedy matching pass, per spec.md §4.3
// steps 1-4. Tasks that find no eligible agent remain queued; no
// reservation is taken.
func (s *Scheduler) RunMatchingPass(ctx context.Context) {
	tasks, err := s.tasks.ListQueuedInPriorityOrder(ctx)
	if err != nil {
		s.logger.Warn("scheduler: list queued tasks failed", observability.Fields{"error": err.Error()})
		return
	}
	if len(tasks) == 0 {
		return
	}

	idle := s.agents.ListIdle(ctx)
	candidates := make([]lifecycle.AgentView, 0, len(idle))
	for _, a := range idle {
		if s.limiter != nil && s.limiter.IsRateLimited(a.ID) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return
	}

	// Among equally idle agents, earliest last_state_change (least
	// recently active) wins, to spread load.
	sortAgentsByLastStateChange(candidates)

	taken := make(map[string]bool, len(candidates))

	for _, t := range tasks {
		var matchedAgent *lifecycle.AgentView
		for i := range candidates {
			a := &candidates[i]
			if taken[a.ID] {
				continue
			}
			if t.IsSubsetOf(a.Capabilities) {
				matchedAgent = a
				break
			}
		}
		if matchedAgent == nil {
			continue
		}

		env, err := s.tasks.Assign(ctx, t.ID, matchedAgent.ID)
		if err != nil {
			// Another event already assigned this task (or it moved
			// out from under us); skip and keep scanning.
			continue
		}

		if err := s.agents.PushTask(ctx, matchedAgent.ID, env); err != nil {
			// The agent went offline between queries; immediately
			// reclaim so the task doesn't sit assigned forever.
			_ = s.tasks.Reclaim(ctx, t.ID)
			continue
		}

		taken[matchedAgent.ID] = true
	}
}

func sortAgentsByLastStateChange(views []lifecycle.AgentView) {
	for i := 1; i < len(views); i++ {
		j := i
		for j > 0 && views[j-1].LastStateChangeMs > views[j].LastStateChangeMs {
			views[j-1], views[j] = views[j], views[j-1]
			j--
		}
	}
}
