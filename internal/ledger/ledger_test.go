package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckBudgetAllowsUpToMaxWithinWindow(t *testing.T) {
	l := New(map[string]Budget{"executing": {MaxInvocations: 2, WindowMs: 10_000}})
	ctx := context.Background()

	ok, err := l.CheckBudget(ctx, "executing")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.RecordInvocation(ctx, "executing", nil))
	require.NoError(t, l.RecordInvocation(ctx, "executing", nil))

	ok, err = l.CheckBudget(ctx, "executing")
	require.NoError(t, err)
	require.False(t, ok) // exhausted after 2 of 2
}

func TestCheckBudgetUnconfiguredStateIsUnconstrained(t *testing.T) {
	l := New(nil)
	ok, err := l.CheckBudget(context.Background(), "improving")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	l := New(map[string]Budget{"healing": {MaxInvocations: 1, WindowMs: 5}})
	ctx := context.Background()

	require.NoError(t, l.RecordInvocation(ctx, "healing", nil))
	ok, _ := l.CheckBudget(ctx, "healing")
	require.False(t, ok)

	time.Sleep(10 * time.Millisecond)
	ok, _ = l.CheckBudget(ctx, "healing")
	require.True(t, ok)
}
