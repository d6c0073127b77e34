package store

import "context"

// DurableStore is the collaborator interface consumed by TaskQueue,
// per spec.md §6.2: per-table atomic single-key write, with Sync
// establishing durability before a mutation is observable to any
// other component (the "sync before publish" rule of §4.1).
type DurableStore interface {
	// Put writes value under key in table. It does not by itself
	// guarantee durability; Sync does.
	Put(ctx context.Context, table, key string, value []byte) error

	// Sync flushes all prior Put/Delete calls against table to
	// stable storage. A mutation is only safe to publish as an event
	// after Sync returns nil.
	Sync(ctx context.Context, table string) error

	// Get returns the value for key in table, or found=false if
	// absent.
	Get(ctx context.Context, table, key string) (value []byte, found bool, err error)

	// Fold calls fn once per key/value pair currently in table, in
	// unspecified order, stopping early if fn returns an error.
	Fold(ctx context.Context, table string, fn func(key string, value []byte) error) error

	// Delete removes key from table. A no-op if the key is absent.
	Delete(ctx context.Context, table, key string) error

	// Close releases any resources (connections, files) the
	// implementation holds.
	Close() error
}

// Well-known table names, per spec.md §6.5.
const (
	TableTasksActive  = "tasks_active"
	TableTasksDead    = "tasks_dead"
	TableHubLock      = "hub_lock"
	TableRateOverride = "rate_overrides"
	TableAuditLog     = "audit_log"
)
