// Package errors defines the core error taxonomy shared by every actor.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a core error by origin and disposition.
type Kind string

const (
	KindInvalidArgs        Kind = "invalid_args"
	KindStaleGeneration     Kind = "stale_generation"
	KindNotFound            Kind = "not_found"
	KindWrongState          Kind = "wrong_state"
	KindRateLimited         Kind = "rate_limited"
	KindSessionLost         Kind = "session_lost"
	KindDurabilityFailure   Kind = "durability_failure"
	KindAcceptanceTimeout   Kind = "acceptance_timeout"
	KindBudgetExhausted     Kind = "budget_exhausted"
	KindQueueFull           Kind = "queue_full"
)

// CoreError is the result type every actor's public method returns in
// place of a panic or exception. It wraps an underlying cause and
// tags it with a disposition from the taxonomy in spec §7.
type CoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrNotFound) style checks against sentinels.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(op string, kind Kind, cause error) *CoreError {
	return &CoreError{Op: op, Kind: kind, Err: cause}
}

func Wrap(op string, kind Kind, cause error, msg string) *CoreError {
	return &CoreError{Op: op, Kind: kind, Err: errors.Wrap(cause, msg)}
}

// Sentinel kinds for errors.Is comparisons. Only Kind is compared, Op
// and Err are ignored by CoreError.Is.
var (
	ErrInvalidArgs      = &CoreError{Kind: KindInvalidArgs}
	ErrStaleGeneration  = &CoreError{Kind: KindStaleGeneration}
	ErrNotFound         = &CoreError{Kind: KindNotFound}
	ErrWrongState       = &CoreError{Kind: KindWrongState}
	ErrRateLimited      = &CoreError{Kind: KindRateLimited}
	ErrSessionLost      = &CoreError{Kind: KindSessionLost}
	ErrDurabilityFailed = &CoreError{Kind: KindDurabilityFailure}
	ErrAcceptanceTimeout = &CoreError{Kind: KindAcceptanceTimeout}
	ErrBudgetExhausted  = &CoreError{Kind: KindBudgetExhausted}
	ErrQueueFull        = &CoreError{Kind: KindQueueFull}
)

// Is reports whether err carries the given Kind, unwrapping CoreErrors
// as needed.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == kind
}
