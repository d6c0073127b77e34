package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
	"github.com/S-Corkum/agentcom/internal/eventbus"
	"github.com/S-Corkum/agentcom/internal/observability"
	"github.com/S-Corkum/agentcom/internal/store"
)

// SubmitParams are the caller-supplied fields of Submit, per
// spec.md §4.1.
type SubmitParams struct {
	Priority           *Priority
	CompleteByMs       *int64
	NeededCapabilities []string
	Description        string
	Metadata           map[string]any
	MaxRetries         *int
}

// AssignmentEnvelope is the payload returned by Assign and pushed to
// the agent over the wire protocol (spec.md §4.1, §4.4).
type AssignmentEnvelope struct {
	TaskID             string         `json:"task_id"`
	Generation         int64          `json:"generation"`
	Description        string         `json:"description"`
	NeededCapabilities []string       `json:"needed_capabilities"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	AssignedAtMs       int64          `json:"assigned_at"`
}

// Filter narrows List results.
type Filter struct {
	Status   *Status
	Priority *Priority
}

// Stats is a point-in-time count snapshot for the admin surface.
type Stats struct {
	QueuedByPriority map[Priority]int
	Assigned         int
	Completed        int
	Failed           int
	Dead             int
}

// Config holds the TaskQueue's own tunables from spec.md §6.4.
type Config struct {
	AssignmentTTLMs        int64
	OverdueSweepIntervalMs int64
	MaxRetriesDefault      int
	QueueSoftCap           int
}

// LifecycleQuery is the minimal read-API TaskQueue needs from
// AgentLifecycle during the overdue sweep (spec.md §4.1: "consults
// AgentLifecycle"). Implemented to avoid an import cycle between
// queue and lifecycle.
type LifecycleQuery interface {
	// AgentState returns the agent's FSM state name ("idle",
	// "assigned", "working", "blocked", "offline"), or "" if the agent
	// is unknown.
	AgentState(agentID string) string
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// TaskQueue is the single actor owning every Task record. All
// mutating methods are safe for concurrent use; internally they are
// serialized onto one goroutine via cmdCh, per spec.md §5.
type TaskQueue struct {
	cmdCh  chan func()
	store  store.DurableStore
	bus    *eventbus.Bus
	logger observability.Logger
	cfg    Config
	clock  Clock

	lifecycle LifecycleQuery
	metrics   *observability.Metrics

	// Actor-owned state; touched only inside the run loop goroutine.
	tasks map[string]*Task
	index []*Task // queued tasks only, kept sorted by (priority, createdAt)

	startOnce sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New constructs a TaskQueue. Call Start before issuing any calls.
func New(st store.DurableStore, bus *eventbus.Bus, logger observability.Logger, cfg Config) *TaskQueue {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.AssignmentTTLMs == 0 {
		cfg.AssignmentTTLMs = 600_000
	}
	if cfg.OverdueSweepIntervalMs == 0 {
		cfg.OverdueSweepIntervalMs = 30_000
	}
	if cfg.MaxRetriesDefault == 0 {
		cfg.MaxRetriesDefault = 3
	}
	return &TaskQueue{
		cmdCh:     make(chan func()),
		store:     st,
		bus:       bus,
		logger:    logger,
		cfg:       cfg,
		clock:     time.Now,
		tasks:     make(map[string]*Task),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// SetLifecycleQuery wires the AgentLifecycle read-API used by the
// overdue sweep. Must be called before Start.
func (q *TaskQueue) SetLifecycleQuery(lq LifecycleQuery) { q.lifecycle = lq }

// SetMetrics wires Prometheus collectors for queue operations and
// assignment latency. Optional; a nil metrics field (the default)
// skips instrumentation entirely.
func (q *TaskQueue) SetMetrics(m *observability.Metrics) { q.metrics = m }

func (q *TaskQueue) nowMs() int64 { return q.clock().UnixMilli() }

// Start rebuilds the in-memory priority index from the durable store
// (spec.md §6.5: "fold tasks_active to rebuild ... reconcile any
// status=assigned record") and launches the actor goroutine.
func (q *TaskQueue) Start(ctx context.Context) error {
	var startErr error
	q.startOnce.Do(func() {
		startErr = q.rebuildFromStore(ctx)
		if startErr != nil {
			return
		}
		go q.run(ctx)
	})
	return startErr
}

// Stop halts the actor goroutine and waits for it to exit.
func (q *TaskQueue) Stop() {
	close(q.stopCh)
	<-q.stoppedCh
}

func (q *TaskQueue) rebuildFromStore(ctx context.Context) error {
	return q.store.Fold(ctx, store.TableTasksActive, func(_ string, value []byte) error {
		t, err := unmarshalTask(value)
		if err != nil {
			return err
		}
		if t.Status == StatusAssigned {
			// Force-reclaim any task left assigned across a restart;
			// the agent holding it is presumed gone.
			t.Generation++
			t.AssignedTo = nil
			t.AssignedAtMs = nil
			t.Status = StatusQueued
			t.UpdatedAtMs = q.nowMs()
			t.appendHistory(HistoryEvent{TimestampMs: t.UpdatedAtMs, OldStatus: StatusAssigned, NewStatus: StatusQueued, Reason: "startup_reconcile"})
			if data, err := marshalTask(t); err == nil {
				_ = q.store.Put(ctx, store.TableTasksActive, t.ID, data)
			}
		}
		q.tasks[t.ID] = t
		if t.Status == StatusQueued {
			q.index = append(q.index, t)
		}
		return nil
	})
}

func (q *TaskQueue) run(ctx context.Context) {
	defer close(q.stoppedCh)
	sweep := time.NewTicker(time.Duration(q.cfg.OverdueSweepIntervalMs) * time.Millisecond)
	defer sweep.Stop()
	for {
		select {
		case fn := <-q.cmdCh:
			fn()
		case <-sweep.C:
			q.doOverdueSweep(ctx)
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// call runs fn on the actor goroutine and waits for it to finish, or
// returns ctx.Err() if ctx is cancelled first.
func (q *TaskQueue) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case q.cmdCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *TaskQueue) sortIndex() {
	sort.SliceStable(q.index, func(i, j int) bool {
		if q.index[i].Priority != q.index[j].Priority {
			return q.index[i].Priority < q.index[j].Priority
		}
		return q.index[i].CreatedAtMs < q.index[j].CreatedAtMs
	})
}

func (q *TaskQueue) removeFromIndex(id string) {
	for i, t := range q.index {
		if t.ID == id {
			q.index = append(q.index[:i], q.index[i+1:]...)
			return
		}
	}
}

func (q *TaskQueue) persist(ctx context.Context, t *Task) error {
	data, err := marshalTask(t)
	if err != nil {
		return err
	}
	table := store.TableTasksActive
	if t.Status == StatusDead {
		table = store.TableTasksDead
	}
	if err := q.store.Put(ctx, table, t.ID, data); err != nil {
		return err
	}
	// "sync before publish": this call must return before any event
	// derived from this mutation reaches the bus.
	return q.store.Sync(ctx, table)
}

func (q *TaskQueue) publish(topic string, t *Task) {
	if q.metrics != nil {
		q.metrics.QueueOps.WithLabelValues(topic, "ok").Inc()
	}
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Topic: topic, Payload: t.Clone()})
}

// Submit validates params, creates a queued Task, and publishes
// task_submitted.
func (q *TaskQueue) Submit(ctx context.Context, params SubmitParams) (string, error) {
	if params.Description == "" {
		return "", coreerrors.New("TaskQueue.Submit", coreerrors.KindInvalidArgs, fmt.Errorf("description is required"))
	}

	var id string
	var opErr error
	err := q.call(ctx, func() {
		if q.cfg.QueueSoftCap > 0 && len(q.index) >= q.cfg.QueueSoftCap {
			opErr = coreerrors.New("TaskQueue.Submit", coreerrors.KindQueueFull, nil)
			return
		}

		priority := PriorityNormal
		if params.Priority != nil {
			priority = *params.Priority
		}
		maxRetries := q.cfg.MaxRetriesDefault
		if params.MaxRetries != nil {
			maxRetries = *params.MaxRetries
		}

		now := q.nowMs()
		t := &Task{
			ID:                 newTaskID(),
			Status:             StatusQueued,
			Priority:           priority,
			CreatedAtMs:        now,
			UpdatedAtMs:        now,
			CompleteByMs:       params.CompleteByMs,
			Generation:         0,
			NeededCapabilities: params.NeededCapabilities,
			Description:        params.Description,
			Metadata:           params.Metadata,
			MaxRetries:         maxRetries,
		}
		t.appendHistory(HistoryEvent{TimestampMs: now, OldStatus: "", NewStatus: StatusQueued, Reason: "submit"})

		if err := q.persist(ctx, t); err != nil {
			opErr = coreerrors.Wrap("TaskQueue.Submit", coreerrors.KindDurabilityFailure, err, "persisting new task")
			return
		}

		q.tasks[t.ID] = t
		q.index = append(q.index, t)
		q.sortIndex()
		id = t.ID

		q.publish(eventbus.TopicTaskSubmitted, t)
	})
	if err != nil {
		return "", err
	}
	return id, opErr
}

// Assign atomically flips a queued task to assigned, per spec.md
// §4.1.
func (q *TaskQueue) Assign(ctx context.Context, taskID, agentID string) (*AssignmentEnvelope, error) {
	var env *AssignmentEnvelope
	var opErr error
	err := q.call(ctx, func() {
		t, ok := q.tasks[taskID]
		if !ok {
			opErr = coreerrors.New("TaskQueue.Assign", coreerrors.KindNotFound, nil)
			return
		}
		if t.Status != StatusQueued {
			opErr = coreerrors.New("TaskQueue.Assign", coreerrors.KindWrongState, fmt.Errorf("status=%s", t.Status))
			return
		}

		now := q.nowMs()
		old := t.Status
		t.Status = StatusAssigned
		agentIDCopy := agentID
		t.AssignedTo = &agentIDCopy
		t.Generation++
		t.AssignedAtMs = &now
		t.UpdatedAtMs = now
		t.appendHistory(HistoryEvent{TimestampMs: now, OldStatus: old, NewStatus: StatusAssigned, Reason: "assign:" + agentID})

		if err := q.persist(ctx, t); err != nil {
			opErr = coreerrors.Wrap("TaskQueue.Assign", coreerrors.KindDurabilityFailure, err, "persisting assignment")
			return
		}

		q.removeFromIndex(taskID)
		q.publish(eventbus.TopicTaskAssigned, t)
		if q.metrics != nil {
			q.metrics.AssignLatency.Observe(float64(now-t.CreatedAtMs) / 1000)
		}

		env = &AssignmentEnvelope{
			TaskID:             t.ID,
			Generation:         t.Generation,
			Description:        t.Description,
			NeededCapabilities: append([]string(nil), t.NeededCapabilities...),
			Metadata:           t.Metadata,
			AssignedAtMs:       now,
		}
	})
	if err != nil {
		return nil, err
	}
	return env, opErr
}

// Complete fences on generation before transitioning to completed.
func (q *TaskQueue) Complete(ctx context.Context, taskID string, generation int64, result map[string]any) error {
	var opErr error
	err := q.call(ctx, func() {
		t, ok := q.tasks[taskID]
		if !ok {
			opErr = coreerrors.New("TaskQueue.Complete", coreerrors.KindNotFound, nil)
			return
		}
		if t.Status == StatusCompleted {
			// L2: a resend of a completion already applied is a
			// stale no-op, not an error condition to alert on.
			opErr = coreerrors.New("TaskQueue.Complete", coreerrors.KindStaleGeneration, nil)
			return
		}
		if t.Status != StatusAssigned {
			opErr = coreerrors.New("TaskQueue.Complete", coreerrors.KindWrongState, fmt.Errorf("status=%s", t.Status))
			return
		}
		if generation != t.Generation {
			opErr = coreerrors.New("TaskQueue.Complete", coreerrors.KindStaleGeneration, nil)
			return
		}

		now := q.nowMs()
		old := t.Status
		t.Status = StatusCompleted
		t.AssignedTo = nil
		t.AssignedAtMs = nil
		t.UpdatedAtMs = now
		if result != nil {
			if t.Metadata == nil {
				t.Metadata = make(map[string]any)
			}
			t.Metadata["result"] = result
		}
		t.appendHistory(HistoryEvent{TimestampMs: now, OldStatus: old, NewStatus: StatusCompleted, Reason: "complete"})

		if err := q.persist(ctx, t); err != nil {
			opErr = coreerrors.Wrap("TaskQueue.Complete", coreerrors.KindDurabilityFailure, err, "persisting completion")
			return
		}
		q.publish(eventbus.TopicTaskCompleted, t)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Fail fences on generation, then either requeues (retry_count <
// max_retries) or dead-letters the task.
func (q *TaskQueue) Fail(ctx context.Context, taskID string, generation int64, reason string) error {
	var opErr error
	err := q.call(ctx, func() {
		t, ok := q.tasks[taskID]
		if !ok {
			opErr = coreerrors.New("TaskQueue.Fail", coreerrors.KindNotFound, nil)
			return
		}
		if t.Status == StatusDead {
			// L3: a stale fail() resend against an already
			// dead-lettered task is a no-op.
			opErr = coreerrors.New("TaskQueue.Fail", coreerrors.KindStaleGeneration, nil)
			return
		}
		if t.Status != StatusAssigned {
			opErr = coreerrors.New("TaskQueue.Fail", coreerrors.KindWrongState, fmt.Errorf("status=%s", t.Status))
			return
		}
		if generation != t.Generation {
			opErr = coreerrors.New("TaskQueue.Fail", coreerrors.KindStaleGeneration, nil)
			return
		}

		now := q.nowMs()
		old := t.Status
		t.LastError = &reason
		t.AssignedTo = nil
		t.AssignedAtMs = nil
		t.UpdatedAtMs = now

		if t.RetryCount < t.MaxRetries {
			t.RetryCount++
			t.Generation++
			t.Status = StatusQueued
			t.appendHistory(HistoryEvent{TimestampMs: now, OldStatus: old, NewStatus: StatusQueued, Reason: "retry:" + reason})

			if err := q.persist(ctx, t); err != nil {
				opErr = coreerrors.Wrap("TaskQueue.Fail", coreerrors.KindDurabilityFailure, err, "persisting retry")
				return
			}
			q.index = append(q.index, t) // tail-insert, per spec.md §9 open question
			q.sortIndex()
			q.publish(eventbus.TopicTaskRetried, t)
			return
		}

		t.Status = StatusDead
		t.appendHistory(HistoryEvent{TimestampMs: now, OldStatus: old, NewStatus: StatusDead, Reason: "dead_letter:" + reason})

		if err := q.persist(ctx, t); err != nil {
			opErr = coreerrors.Wrap("TaskQueue.Fail", coreerrors.KindDurabilityFailure, err, "persisting dead-letter")
			return
		}
		// tasks_active no longer needs this row; it now lives only
		// in tasks_dead (persist already wrote it there since
		// persist() routes by status).
		_ = q.store.Delete(ctx, store.TableTasksActive, t.ID)
		q.publish(eventbus.TopicTaskDeadLettered, t)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Reclaim returns an assigned task to queued, bumping its generation.
// Used by the overdue sweep and by AgentLifecycle on session loss.
func (q *TaskQueue) Reclaim(ctx context.Context, taskID string) error {
	var opErr error
	err := q.call(ctx, func() {
		opErr = q.doReclaim(ctx, taskID, "reclaim")
	})
	if err != nil {
		return err
	}
	return opErr
}

// doReclaim must only be called from the actor goroutine.
func (q *TaskQueue) doReclaim(ctx context.Context, taskID, reason string) error {
	t, ok := q.tasks[taskID]
	if !ok {
		return coreerrors.New("TaskQueue.Reclaim", coreerrors.KindNotFound, nil)
	}
	if t.Status != StatusAssigned {
		return coreerrors.New("TaskQueue.Reclaim", coreerrors.KindWrongState, fmt.Errorf("status=%s", t.Status))
	}

	now := q.nowMs()
	old := t.Status
	t.Generation++
	t.AssignedTo = nil
	t.AssignedAtMs = nil
	t.Status = StatusQueued
	t.UpdatedAtMs = now
	t.appendHistory(HistoryEvent{TimestampMs: now, OldStatus: old, NewStatus: StatusQueued, Reason: reason})

	if err := q.persist(ctx, t); err != nil {
		return coreerrors.Wrap("TaskQueue.Reclaim", coreerrors.KindDurabilityFailure, err, "persisting reclaim")
	}
	q.index = append(q.index, t)
	q.sortIndex()
	q.publish(eventbus.TopicTaskReclaimed, t)
	return nil
}

// UpdateProgress is fire-and-forget advisory state; no fencing, no
// forced durability sync.
func (q *TaskQueue) UpdateProgress(ctx context.Context, taskID string, generation int64, percent int) error {
	return q.call(ctx, func() {
		t, ok := q.tasks[taskID]
		if !ok {
			return
		}
		t.ProgressPercent = percent
		// Best-effort persistence: no Sync call, matching "does NOT
		// require fencing ... no persistence sync" in spec.md §4.1.
		if data, err := marshalTask(t); err == nil {
			_ = q.store.Put(ctx, store.TableTasksActive, t.ID, data)
		}
	})
}

// Get returns a snapshot of one task.
func (q *TaskQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	var out *Task
	var opErr error
	err := q.call(ctx, func() {
		t, ok := q.tasks[taskID]
		if !ok {
			opErr = coreerrors.New("TaskQueue.Get", coreerrors.KindNotFound, nil)
			return
		}
		out = t.Clone()
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// List returns task snapshots matching filter.
func (q *TaskQueue) List(ctx context.Context, filter Filter) ([]*Task, error) {
	var out []*Task
	err := q.call(ctx, func() {
		for _, t := range q.tasks {
			if filter.Status != nil && t.Status != *filter.Status {
				continue
			}
			if filter.Priority != nil && t.Priority != *filter.Priority {
				continue
			}
			out = append(out, t.Clone())
		}
	})
	return out, err
}

// Stats returns a point-in-time count snapshot.
func (q *TaskQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	s.QueuedByPriority = make(map[Priority]int)
	err := q.call(ctx, func() {
		for _, t := range q.tasks {
			switch t.Status {
			case StatusQueued:
				s.QueuedByPriority[t.Priority]++
			case StatusAssigned:
				s.Assigned++
			case StatusCompleted:
				s.Completed++
			case StatusFailed:
				s.Failed++
			case StatusDead:
				s.Dead++
			}
		}
		if q.metrics != nil {
			for priority, count := range s.QueuedByPriority {
				q.metrics.QueueDepth.WithLabelValues(string(StatusQueued), fmt.Sprint(int(priority))).Set(float64(count))
			}
			q.metrics.QueueDepth.WithLabelValues(string(StatusAssigned), "").Set(float64(s.Assigned))
			q.metrics.QueueDepth.WithLabelValues(string(StatusDead), "").Set(float64(s.Dead))
		}
	})
	return s, err
}

// ListDeadLetter returns every dead-lettered task.
func (q *TaskQueue) ListDeadLetter(ctx context.Context) ([]*Task, error) {
	status := StatusDead
	return q.List(ctx, Filter{Status: &status})
}

// RetryDeadLetter restores a dead task to queued with a fresh
// generation and reset retry count, as an operator-forced recovery.
func (q *TaskQueue) RetryDeadLetter(ctx context.Context, taskID string) error {
	var opErr error
	err := q.call(ctx, func() {
		t, ok := q.tasks[taskID]
		if !ok {
			opErr = coreerrors.New("TaskQueue.RetryDeadLetter", coreerrors.KindNotFound, nil)
			return
		}
		if t.Status != StatusDead {
			opErr = coreerrors.New("TaskQueue.RetryDeadLetter", coreerrors.KindWrongState, fmt.Errorf("status=%s", t.Status))
			return
		}

		now := q.nowMs()
		old := t.Status
		t.Status = StatusQueued
		t.RetryCount = 0
		t.Generation++
		t.UpdatedAtMs = now
		t.appendHistory(HistoryEvent{TimestampMs: now, OldStatus: old, NewStatus: StatusQueued, Reason: "operator_retry_dead_letter"})

		if err := q.persist(ctx, t); err != nil {
			opErr = coreerrors.Wrap("TaskQueue.RetryDeadLetter", coreerrors.KindDurabilityFailure, err, "persisting operator retry")
			return
		}
		_ = q.store.Delete(ctx, store.TableTasksDead, t.ID)
		q.index = append(q.index, t)
		q.sortIndex()
		q.publish(eventbus.TopicTaskRetried, t)
	})
	if err != nil {
		return err
	}
	return opErr
}

// DequeueNext returns the head of the priority index without
// removing it — a read-only peek, matching spec.md's
// "dequeue_next()" semantics as used by callers that then call
// Assign explicitly.
func (q *TaskQueue) DequeueNext(ctx context.Context) (*Task, error) {
	var out *Task
	err := q.call(ctx, func() {
		if len(q.index) == 0 {
			return
		}
		out = q.index[0].Clone()
	})
	return out, err
}

// ListQueuedInPriorityOrder returns a snapshot of every queued task in
// priority index order (priority ascending, then created_at), for the
// Scheduler's matching pass (spec.md §4.3 step 1).
func (q *TaskQueue) ListQueuedInPriorityOrder(ctx context.Context) ([]*Task, error) {
	var out []*Task
	err := q.call(ctx, func() {
		out = make([]*Task, 0, len(q.index))
		for _, t := range q.index {
			out = append(out, t.Clone())
		}
	})
	return out, err
}

// HeadForCapabilities linearly scans the priority index for the
// first queued task whose needed_capabilities is a subset of
// available, skipping non-matching tasks without removing them
// (head-of-line avoidance, spec.md §4.1).
func (q *TaskQueue) HeadForCapabilities(ctx context.Context, available []string) (*Task, error) {
	var out *Task
	err := q.call(ctx, func() {
		for _, t := range q.index {
			if t.IsSubsetOf(available) {
				out = t.Clone()
				return
			}
		}
	})
	return out, err
}

func (q *TaskQueue) doOverdueSweep(ctx context.Context) {
	now := q.nowMs()
	var toReclaim []string

	for _, t := range q.tasks {
		if t.Status != StatusAssigned {
			continue
		}
		deadline := t.CompleteByMs
		if deadline == nil {
			d := *t.AssignedAtMs + q.cfg.AssignmentTTLMs
			deadline = &d
		}
		if now <= *deadline {
			continue
		}

		if q.lifecycle != nil && t.AssignedTo != nil {
			state := q.lifecycle.AgentState(*t.AssignedTo)
			if state == "working" {
				// Extend patience by one sweep interval: treat as
				// not-yet-overdue this pass.
				extended := *deadline + q.cfg.OverdueSweepIntervalMs
				if now <= extended {
					continue
				}
			}
		}
		toReclaim = append(toReclaim, t.ID)
	}

	for _, id := range toReclaim {
		if err := q.doReclaim(ctx, id, "overdue_sweep"); err != nil {
			q.logger.Warn("overdue sweep: reclaim failed", observability.Fields{"task_id": id, "error": err.Error()})
		}
	}
}
