package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
	"github.com/S-Corkum/agentcom/internal/eventbus"
	"github.com/S-Corkum/agentcom/internal/lifecycle"
	"github.com/S-Corkum/agentcom/internal/queue"
)

type fakeTaskSource struct {
	mu       sync.Mutex
	queued   []*queue.Task
	assigned map[string]string // taskID -> agentID
	assignErr map[string]error
	reclaimed []string
}

func (f *fakeTaskSource) ListQueuedInPriorityOrder(ctx context.Context) ([]*queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*queue.Task, 0, len(f.queued))
	for _, t := range f.queued {
		if _, taken := f.assigned[t.ID]; !taken {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTaskSource) Assign(ctx context.Context, taskID, agentID string) (*queue.AssignmentEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.assignErr[taskID]; ok {
		return nil, err
	}
	if f.assigned == nil {
		f.assigned = make(map[string]string)
	}
	f.assigned[taskID] = agentID
	return &queue.AssignmentEnvelope{TaskID: taskID, Generation: 1}, nil
}

func (f *fakeTaskSource) Reclaim(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimed = append(f.reclaimed, taskID)
	delete(f.assigned, taskID)
	return nil
}

type fakeAgentSource struct {
	mu        sync.Mutex
	idle      []lifecycle.AgentView
	pushErr   map[string]error
	pushed    []string
}

func (f *fakeAgentSource) ListIdle(ctx context.Context) []lifecycle.AgentView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lifecycle.AgentView(nil), f.idle...)
}

func (f *fakeAgentSource) PushTask(ctx context.Context, agentID string, env *queue.AssignmentEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.pushErr[agentID]; ok {
		return err
	}
	f.pushed = append(f.pushed, agentID)
	return nil
}

type fakeLimiter struct {
	limited map[string]bool
}

func (f *fakeLimiter) IsRateLimited(agentID string) bool { return f.limited[agentID] }

func newTask(id string, caps []string, priority queue.Priority, createdAtMs int64) *queue.Task {
	return &queue.Task{
		ID:                 id,
		Status:             queue.StatusQueued,
		Priority:           priority,
		NeededCapabilities: caps,
		CreatedAtMs:        createdAtMs,
	}
}

func TestMatchingPassAssignsSubsetCapableAgent(t *testing.T) {
	ts := &fakeTaskSource{queued: []*queue.Task{newTask("t-1", []string{"code"}, queue.PriorityNormal, 1)}}
	as := &fakeAgentSource{idle: []lifecycle.AgentView{
		{ID: "agent-1", Capabilities: []string{"code", "db"}},
	}}
	bus := eventbus.New(nil)
	defer bus.Close()
	sched := New(ts, as, &fakeLimiter{}, bus, nil, Config{})

	sched.RunMatchingPass(context.Background())

	require.Equal(t, "agent-1", ts.assigned["t-1"])
	require.Contains(t, as.pushed, "agent-1")
}

func TestMatchingPassSkipsAgentLackingCapability(t *testing.T) {
	ts := &fakeTaskSource{queued: []*queue.Task{newTask("t-1", []string{"gpu"}, queue.PriorityNormal, 1)}}
	as := &fakeAgentSource{idle: []lifecycle.AgentView{
		{ID: "agent-1", Capabilities: []string{"code"}},
	}}
	bus := eventbus.New(nil)
	defer bus.Close()
	sched := New(ts, as, &fakeLimiter{}, bus, nil, Config{})

	sched.RunMatchingPass(context.Background())

	require.Empty(t, ts.assigned)
}

func TestMatchingPassExcludesRateLimitedAgents(t *testing.T) {
	ts := &fakeTaskSource{queued: []*queue.Task{newTask("t-1", nil, queue.PriorityNormal, 1)}}
	as := &fakeAgentSource{idle: []lifecycle.AgentView{{ID: "agent-1"}}}
	bus := eventbus.New(nil)
	defer bus.Close()
	sched := New(ts, as, &fakeLimiter{limited: map[string]bool{"agent-1": true}}, bus, nil, Config{})

	sched.RunMatchingPass(context.Background())

	require.Empty(t, ts.assigned)
}

func TestMatchingPassReclaimsWhenPushTaskFails(t *testing.T) {
	ts := &fakeTaskSource{queued: []*queue.Task{newTask("t-1", nil, queue.PriorityNormal, 1)}}
	as := &fakeAgentSource{
		idle:    []lifecycle.AgentView{{ID: "agent-1"}},
		pushErr: map[string]error{"agent-1": coreerrors.New("PushTask", coreerrors.KindSessionLost, nil)},
	}
	bus := eventbus.New(nil)
	defer bus.Close()
	sched := New(ts, as, &fakeLimiter{}, bus, nil, Config{})

	sched.RunMatchingPass(context.Background())

	require.Contains(t, ts.reclaimed, "t-1")
}

func TestMatchingPassEachAgentUsedAtMostOncePerPass(t *testing.T) {
	ts := &fakeTaskSource{queued: []*queue.Task{
		newTask("t-1", []string{"code"}, queue.PriorityNormal, 1),
		newTask("t-2", []string{"code"}, queue.PriorityNormal, 2),
	}}
	as := &fakeAgentSource{idle: []lifecycle.AgentView{{ID: "agent-1", Capabilities: []string{"code"}}}}
	bus := eventbus.New(nil)
	defer bus.Close()
	sched := New(ts, as, &fakeLimiter{}, bus, nil, Config{})

	sched.RunMatchingPass(context.Background())

	require.Equal(t, "agent-1", ts.assigned["t-1"])
	_, secondAssigned := ts.assigned["t-2"]
	require.False(t, secondAssigned) // only one idle agent, second task stays queued
}

func TestMatchingPassPrefersLeastRecentlyActiveAgent(t *testing.T) {
	ts := &fakeTaskSource{queued: []*queue.Task{newTask("t-1", nil, queue.PriorityNormal, 1)}}
	as := &fakeAgentSource{idle: []lifecycle.AgentView{
		{ID: "agent-recent", LastStateChangeMs: 1000},
		{ID: "agent-stale", LastStateChangeMs: 10},
	}}
	bus := eventbus.New(nil)
	defer bus.Close()
	sched := New(ts, as, &fakeLimiter{}, bus, nil, Config{})

	sched.RunMatchingPass(context.Background())

	require.Equal(t, "agent-stale", ts.assigned["t-1"])
}
