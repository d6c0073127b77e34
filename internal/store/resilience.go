// Package store holds the DurableStore collaborator interface
// (spec.md §6.2) plus a Postgres-backed adapter and an in-memory
// adapter for tests.
package store

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig mirrors the teacher's
// internal/resilience/circuit_breaker.go configuration shape.
type CircuitBreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
}

var (
	breakers     = make(map[string]*gobreaker.CircuitBreaker)
	breakersMu   sync.RWMutex
)

// GetCircuitBreaker returns (creating if needed) the named circuit
// breaker. Named breakers are process-global, following the teacher's
// package-level map + double-checked locking.
func GetCircuitBreaker(name string, cfg CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	breakersMu.RLock()
	cb, ok := breakers[name]
	breakersMu.RUnlock()
	if ok {
		return cb
	}

	breakersMu.Lock()
	defer breakersMu.Unlock()
	if cb, ok := breakers[name]; ok {
		return cb
	}

	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 5
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.5
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("circuit breaker %s: %s -> %s", name, from, to)
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	breakers[name] = cb
	return cb
}

// ExecuteWithCircuitBreaker runs fn guarded by the named circuit
// breaker, cancellable via ctx. Used to wrap every DurableStore call
// so a flaky Postgres backend degrades TaskQueue instead of cascading.
func ExecuteWithCircuitBreaker[T any](ctx context.Context, name string, cfg CircuitBreakerConfig, fn func() (T, error)) (T, error) {
	cb := GetCircuitBreaker(name, cfg)

	type result struct {
		val T
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		v, err := cb.Execute(func() (any, error) {
			return fn()
		})
		if err != nil {
			var zero T
			resultCh <- result{val: zero, err: err}
			return
		}
		resultCh <- result{val: v.(T), err: nil}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-resultCh:
		return res.val, res.err
	}
}

// Named circuit breakers used across the store package.
const (
	DurableStoreCircuitBreaker = "durablestore"
	LedgerCircuitBreaker       = "ledger"
)
