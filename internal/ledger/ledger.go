// Package ledger implements the Ledger collaborator of spec.md §6.2:
// `check_budget(state) -> ok | exhausted` and
// `record_invocation(state, meta)`, used synchronously by HubFSM to
// gate entry into and continued residence in its non-resting states.
//
// Grounded on the teacher's internal/resilience/circuit_breaker.go's
// named-state-cache shape (a map of per-key counters guarded by a
// mutex), generalized here from a failure-count breaker to a
// per-state invocation-budget counter.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Budget is one state's invocation allowance: at most MaxInvocations
// calls within WindowMs, after which check_budget reports exhausted
// until the window rolls over.
type Budget struct {
	MaxInvocations int
	WindowMs       int64
}

// InMemoryLedger is a simple fixed-window invocation budget, one
// per state name. The zero value is not usable; use New.
type InMemoryLedger struct {
	mu      sync.Mutex
	budgets map[string]Budget
	windows map[string]*window
	clock   func() time.Time
}

type window struct {
	startMs int64
	count   int
}

// New constructs an InMemoryLedger with the given per-state budgets.
// A state with no configured Budget is treated as unconstrained
// (check_budget always reports ok).
func New(budgets map[string]Budget) *InMemoryLedger {
	return &InMemoryLedger{
		budgets: budgets,
		windows: make(map[string]*window),
		clock:   time.Now,
	}
}

// CheckBudget reports whether state has remaining invocation budget
// in its current window.
func (l *InMemoryLedger) CheckBudget(ctx context.Context, state string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[state]
	if !ok {
		return true, nil
	}

	now := l.clock().UnixMilli()
	w := l.windows[state]
	if w == nil || now-w.startMs >= b.WindowMs {
		w = &window{startMs: now}
		l.windows[state] = w
	}
	return w.count < b.MaxInvocations, nil
}

// RecordInvocation charges one invocation against state's current
// window. meta is opaque bookkeeping the caller wants retained
// alongside the charge (e.g. what work the invocation performed);
// InMemoryLedger does not persist it beyond the call.
func (l *InMemoryLedger) RecordInvocation(ctx context.Context, state string, meta map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[state]
	now := l.clock().UnixMilli()
	w := l.windows[state]
	if w == nil || (ok && now-w.startMs >= b.WindowMs) {
		w = &window{startMs: now}
		l.windows[state] = w
	}
	w.count++
	return nil
}
