package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
	"github.com/S-Corkum/agentcom/internal/eventbus"
	"github.com/S-Corkum/agentcom/internal/store"
)

func newTestQueue(t *testing.T) *TaskQueue {
	t.Helper()
	st := store.NewMemoryStore()
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)

	q := New(st, bus, nil, Config{})
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(q.Stop)
	return q
}

func TestSubmitAssignCompleteHappyPath(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, SubmitParams{Description: "do the thing", NeededCapabilities: []string{"code"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	env, err := q.Assign(ctx, id, "agent-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), env.Generation)

	require.NoError(t, q.Complete(ctx, id, env.Generation, map[string]any{"status": "success"}))

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, task.Status)
	require.Nil(t, task.AssignedTo)
}

func TestStaleCompletionRejectedAndIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, SubmitParams{Description: "x"})
	require.NoError(t, err)
	env, err := q.Assign(ctx, id, "agent-1")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, id, env.Generation, nil))

	// L2: a second complete call with the same (now stale) generation
	// must not mutate the task further.
	err = q.Complete(ctx, id, env.Generation, nil)
	require.Error(t, err)
	require.True(t, coreerrors.Is(err, coreerrors.KindStaleGeneration))

	task, _ := q.Get(ctx, id)
	require.Equal(t, StatusCompleted, task.Status)
}

func TestReclaimAfterAssignReturnsToQueueWithBumpedGeneration(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, SubmitParams{Description: "x"})
	require.NoError(t, err)
	env, err := q.Assign(ctx, id, "agent-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), env.Generation)

	require.NoError(t, q.Reclaim(ctx, id))

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, task.Status)
	require.Nil(t, task.AssignedTo)
	require.Equal(t, int64(2), task.Generation) // L1: generation := prior + 2 overall (0 -> 1 on assign -> 2 on reclaim)
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	maxRetries := 1
	id, err := q.Submit(ctx, SubmitParams{Description: "x", MaxRetries: &maxRetries})
	require.NoError(t, err)

	env, err := q.Assign(ctx, id, "agent-1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, env.Generation, "boom"))

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, task.Status)
	require.Equal(t, 1, task.RetryCount)
	require.Equal(t, int64(2), task.Generation)

	env2, err := q.Assign(ctx, id, "agent-2")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, env2.Generation, "boom again"))

	task, err = q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusDead, task.Status) // B1: retry_count==max_retries -> dead, not queued
}

func TestPriorityOrderingDominatesOverCreationOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	low := PriorityLow
	urgent := PriorityUrgent

	_, err := q.Submit(ctx, SubmitParams{Description: "low", Priority: &low})
	require.NoError(t, err)
	idUrgent, err := q.Submit(ctx, SubmitParams{Description: "urgent", Priority: &urgent})
	require.NoError(t, err)

	head, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	require.Equal(t, idUrgent, head.ID) // S5/P5
}

func TestEqualPriorityBreaksTieOnCreatedAt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	idFirst, err := q.Submit(ctx, SubmitParams{Description: "first"})
	require.NoError(t, err)
	_, err = q.Submit(ctx, SubmitParams{Description: "second"})
	require.NoError(t, err)

	head, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	require.Equal(t, idFirst, head.ID) // B2
}

func TestHeadForCapabilitiesSkipsNonMatchingWithoutRemoving(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	idDB, err := q.Submit(ctx, SubmitParams{Description: "needs-db", NeededCapabilities: []string{"db"}})
	require.NoError(t, err)
	idCode, err := q.Submit(ctx, SubmitParams{Description: "needs-code", NeededCapabilities: []string{"code"}})
	require.NoError(t, err)

	match, err := q.HeadForCapabilities(ctx, []string{"code"})
	require.NoError(t, err)
	require.Equal(t, idCode, match.ID)

	// idDB must remain queued (head-of-line avoidance, no reservation).
	task, err := q.Get(ctx, idDB)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, task.Status)
}

func TestZeroCostProgressUpdateDoesNotRequireFencingMatch(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, SubmitParams{Description: "x"})
	require.NoError(t, err)
	env, err := q.Assign(ctx, id, "agent-1")
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(ctx, id, env.Generation, 50))
	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 50, task.ProgressPercent)

	// A progress update is applied even when its generation does not
	// match the task's current one.
	require.NoError(t, q.UpdateProgress(ctx, id, env.Generation-1, 99))
	task, _ = q.Get(ctx, id)
	require.Equal(t, 99, task.ProgressPercent)
}

func TestOverdueSweepReclaimsPastAssignmentTTL(t *testing.T) {
	st := store.NewMemoryStore()
	bus := eventbus.New(nil)
	defer bus.Close()

	q := New(st, bus, nil, Config{AssignmentTTLMs: 10, OverdueSweepIntervalMs: 20})
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	id, err := q.Submit(ctx, SubmitParams{Description: "x"})
	require.NoError(t, err)
	_, err = q.Assign(ctx, id, "agent-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := q.Get(ctx, id)
		return err == nil && task.Status == StatusQueued
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListDeadLetterAndRetryDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	maxRetries := 0
	id, err := q.Submit(ctx, SubmitParams{Description: "x", MaxRetries: &maxRetries})
	require.NoError(t, err)
	env, err := q.Assign(ctx, id, "agent-1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, env.Generation, "dead on arrival"))

	dead, err := q.ListDeadLetter(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	require.NoError(t, q.RetryDeadLetter(ctx, id))
	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, task.Status)
	require.Equal(t, 0, task.RetryCount)
}
