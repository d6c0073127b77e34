package store

import (
	"context"
	"database/sql"
	"sync"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/S-Corkum/agentcom/internal/observability"
)

// PostgresStore is the Postgres-backed DurableStore adapter. It
// stores every logical table (tasks_active, tasks_dead, hub_lock,
// rate_overrides) as rows of one physical durable_kv table keyed by
// (table_name, key), mirroring the teacher's single-purpose
// taskRepository but generalized to the generic Put/Get/Fold/Delete
// contract of spec.md §6.2.
//
// Grounded on pkg/repository/postgres/task_repository.go:
// createWithRetry-style exponential backoff, pq.Error code
// classification for retryable errors, and an LRU read cache. The
// stmts map is declared but never filled; every query runs
// unprepared.
type PostgresStore struct {
	db     *sqlx.DB
	logger observability.Logger
	tracer observability.StartSpanFunc

	cache *lru.Cache[string, []byte]

	stmtMu sync.RWMutex
	stmts  map[string]*sqlx.Stmt

	maxRetries int
}

// PostgresOption configures a PostgresStore. Functional-options
// pattern, following task_repository.go's RepositoryOption.
type PostgresOption func(*PostgresStore)

func WithMaxRetries(n int) PostgresOption {
	return func(p *PostgresStore) { p.maxRetries = n }
}

func WithTracer(fn observability.StartSpanFunc) PostgresOption {
	return func(p *PostgresStore) { p.tracer = fn }
}

// NewPostgresStore wraps db (already connected) with the LRU read
// cache and applies opts; it prepares no statements.
func NewPostgresStore(db *sqlx.DB, logger observability.Logger, opts ...PostgresOption) (*PostgresStore, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	cache, err := lru.New[string, []byte](4096)
	if err != nil {
		return nil, err
	}
	p := &PostgresStore{
		db:         db,
		logger:     logger,
		cache:      cache,
		stmts:      make(map[string]*sqlx.Stmt),
		maxRetries: 3,
		tracer:     func(ctx context.Context, _ string) (context.Context, func()) { return ctx, func() {} },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS durable_kv (
	table_name TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BYTEA NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (table_name, key)
);`

// EnsureSchema creates durable_kv if it does not already exist. Real
// deployments run the golang-migrate migrations under migrations/
// instead; this is a convenience for tests and local dev.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createTableSQL)
	return err
}

func cacheKey(table, key string) string { return table + "\x00" + key }

func (p *PostgresStore) Put(ctx context.Context, table, key string, value []byte) error {
	ctx, end := p.tracer(ctx, "store.Put")
	defer end()

	_, err := ExecuteWithCircuitBreaker(ctx, DurableStoreCircuitBreaker, CircuitBreakerConfig{}, func() (struct{}, error) {
		return struct{}{}, p.putWithRetry(ctx, table, key, value)
	})
	if err != nil {
		return errors.Wrap(err, "store.Put")
	}
	p.cache.Add(cacheKey(table, key), value)
	return nil
}

// putWithRetry retries a durable_kv upsert against connection-level
// failures using an exponential backoff, capped at p.maxRetries
// retries after the first attempt. Grounded on task_repository.go's createWithRetry, but
// driven by cenkalti/backoff/v4 rather than a hand-rolled curve —
// distinct from ratelimit's fixed backoff_curve_ms table, which
// paces client-visible throttling rather than an internal write
// retry.
func (p *PostgresStore) putWithRetry(ctx context.Context, table, key string, value []byte) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.maxRetries)), ctx)

	op := func() error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO durable_kv (table_name, key, value, version, updated_at)
			VALUES ($1, $2, $3, 1, now())
			ON CONFLICT (table_name, key) DO UPDATE
			SET value = EXCLUDED.value, version = durable_kv.version + 1, updated_at = now()
		`, table, key, value)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, bo)
}

// Sync is a no-op beyond the implicit fsync of a committed Postgres
// transaction: every Put above is already a committed statement, so
// by the time Put returns, the write is durable. Sync exists on the
// interface for implementations (e.g. a future WAL-backed adapter)
// where Put and durability are decoupled.
func (p *PostgresStore) Sync(ctx context.Context, _ string) error {
	_, end := p.tracer(ctx, "store.Sync")
	defer end()
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	ctx, end := p.tracer(ctx, "store.Get")
	defer end()

	if v, ok := p.cache.Get(cacheKey(table, key)); ok {
		return v, true, nil
	}

	type getResult struct {
		value []byte
		found bool
	}
	res, err := ExecuteWithCircuitBreaker(ctx, DurableStoreCircuitBreaker, CircuitBreakerConfig{}, func() (getResult, error) {
		var value []byte
		err := p.db.GetContext(ctx, &value, `SELECT value FROM durable_kv WHERE table_name=$1 AND key=$2`, table, key)
		if err == sql.ErrNoRows {
			return getResult{}, nil
		}
		if err != nil {
			return getResult{}, err
		}
		return getResult{value: value, found: true}, nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "store.Get")
	}
	if !res.found {
		return nil, false, nil
	}
	p.cache.Add(cacheKey(table, key), res.value)
	return res.value, true, nil
}

func (p *PostgresStore) Fold(ctx context.Context, table string, fn func(key string, value []byte) error) error {
	ctx, end := p.tracer(ctx, "store.Fold")
	defer end()

	type row struct {
		key   string
		value []byte
	}
	rows, err := ExecuteWithCircuitBreaker(ctx, DurableStoreCircuitBreaker, CircuitBreakerConfig{}, func() ([]row, error) {
		sqlRows, err := p.db.QueryContext(ctx, `SELECT key, value FROM durable_kv WHERE table_name=$1`, table)
		if err != nil {
			return nil, err
		}
		defer sqlRows.Close()

		var out []row
		for sqlRows.Next() {
			var r row
			if err := sqlRows.Scan(&r.key, &r.value); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, sqlRows.Err()
	})
	if err != nil {
		return errors.Wrap(err, "store.Fold")
	}

	for _, r := range rows {
		if err := fn(r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, table, key string) error {
	ctx, end := p.tracer(ctx, "store.Delete")
	defer end()

	_, err := ExecuteWithCircuitBreaker(ctx, DurableStoreCircuitBreaker, CircuitBreakerConfig{}, func() (struct{}, error) {
		_, err := p.db.ExecContext(ctx, `DELETE FROM durable_kv WHERE table_name=$1 AND key=$2`, table, key)
		return struct{}{}, err
	})
	if err != nil {
		return errors.Wrap(err, "store.Delete")
	}
	p.cache.Remove(cacheKey(table, key))
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// isRetryableError classifies Postgres errors the way
// task_repository.go does: serialization failures, deadlocks, and
// connection-level errors are retryable; constraint violations and
// syntax errors are not.
func isRetryableError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53000", // insufficient_resources
			"53300": // too_many_connections
			return true
		}
		return false
	}
	// Fall back to matching on a handful of driver-level connection
	// error substrings, as the teacher's classifyError also does for
	// non-pq.Error causes.
	msg := err.Error()
	for _, substr := range []string{"connection reset", "broken pipe", "EOF", "i/o timeout"} {
		if contains(msg, substr) {
			return true
		}
	}
	return false
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
