// Package queue implements the durable priority TaskQueue of
// spec.md §4.1: a single actor goroutine owning every Task mutation,
// backed by a store.DurableStore, publishing lifecycle events on the
// eventbus, and indexed in memory for priority selection.
//
// Grounded on the teacher's apps/mcp-server/internal/api/websocket/
// task_manager.go for the Task/status/priority shape, fused with
// pkg/repository/postgres/task_repository.go for durability and the
// optimistic-locking pattern generalized here into generation fencing.
package queue

import "encoding/json"

// Status is a Task's lifecycle state, per spec.md §3.1.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// IsTerminal reports whether s has no outgoing transitions (I5).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// Priority is the integer priority lane, 0 (urgent) through 3 (low).
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// HistoryEvent is one entry of a Task's capped transition history.
type HistoryEvent struct {
	TimestampMs int64  `json:"ts"`
	OldStatus   Status `json:"old_status"`
	NewStatus   Status `json:"new_status"`
	Reason      string `json:"reason"`
}

// maxHistoryEvents caps the per-task history sequence, per spec.md
// §3.1 ("history ... capped ≤ N").
const maxHistoryEvents = 50

// Task is the durable record described in spec.md §3.1.
type Task struct {
	ID                 string            `json:"id"`
	Status             Status            `json:"status"`
	Priority           Priority          `json:"priority"`
	CreatedAtMs        int64             `json:"created_at"`
	UpdatedAtMs        int64             `json:"updated_at"`
	CompleteByMs       *int64            `json:"complete_by,omitempty"`
	AssignedAtMs       *int64            `json:"assigned_at,omitempty"`
	Generation         int64             `json:"generation"`
	AssignedTo         *string           `json:"assigned_to,omitempty"`
	NeededCapabilities []string          `json:"needed_capabilities"`
	Description        string            `json:"description"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
	RetryCount         int               `json:"retry_count"`
	MaxRetries         int               `json:"max_retries"`
	History            []HistoryEvent    `json:"history"`
	LastError          *string           `json:"last_error,omitempty"`
	ProgressPercent    int               `json:"progress_percent"`
}

// capabilitySet is a small helper over a string slice used as a set.
type capabilitySet map[string]struct{}

func newCapabilitySet(caps []string) capabilitySet {
	s := make(capabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// IsSubsetOf reports whether every capability in t.NeededCapabilities
// is present in available, implementing the capability-subset test
// of I6/P6.
func (t *Task) IsSubsetOf(available []string) bool {
	have := newCapabilitySet(available)
	for _, need := range t.NeededCapabilities {
		if _, ok := have[need]; !ok {
			return false
		}
	}
	return true
}

func (t *Task) appendHistory(ev HistoryEvent) {
	t.History = append(t.History, ev)
	if len(t.History) > maxHistoryEvents {
		t.History = t.History[len(t.History)-maxHistoryEvents:]
	}
}

// Clone returns a deep-enough copy of t for safe return to callers
// outside the owning actor (spec.md §5: "other components read via
// its API and do not cache status beyond one scheduling pass").
func (t *Task) Clone() *Task {
	cp := *t
	cp.NeededCapabilities = append([]string(nil), t.NeededCapabilities...)
	cp.History = append([]HistoryEvent(nil), t.History...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func marshalTask(t *Task) ([]byte, error) { return json.Marshal(t) }

func unmarshalTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
