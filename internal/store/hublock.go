package store

import (
	"context"
	"fmt"
	"time"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
)

// hubLockKey is the sentinel key AcquireHubLock puts into TableHubLock.
// A single fixed key is deliberate: the table exists to answer one
// question ("is a hub already running against this store?"), not to
// track multiple lock holders.
const hubLockKey = "singleton"

// AcquireHubLock implements the multi-hub Open Question resolution of
// spec.md §9: a durable store may only ever back one live hub. It
// rejects startup against a store that already carries a hub_lock
// row, and writes one otherwise so the next startup attempt is
// rejected in turn.
//
// There is deliberately no lease/TTL/heartbeat on the row: an operator
// recovering from an unclean shutdown clears it manually (DELETE FROM
// durable_kv WHERE table_name='hub_lock'), the same manual recovery
// spec.md §9 describes for this Open Question.
func AcquireHubLock(ctx context.Context, s DurableStore, instanceID string) error {
	_, found, err := s.Get(ctx, TableHubLock, hubLockKey)
	if err != nil {
		return coreerrors.Wrap("store.AcquireHubLock", coreerrors.KindDurabilityFailure, err, "reading hub_lock")
	}
	if found {
		return coreerrors.New("store.AcquireHubLock", coreerrors.KindWrongState,
			fmt.Errorf("a hub instance already holds the lock on this store"))
	}

	value := []byte(fmt.Sprintf(`{"instance_id":%q,"acquired_at":%q}`, instanceID, time.Now().UTC().Format(time.RFC3339)))
	if err := s.Put(ctx, TableHubLock, hubLockKey, value); err != nil {
		return coreerrors.Wrap("store.AcquireHubLock", coreerrors.KindDurabilityFailure, err, "writing hub_lock")
	}
	return s.Sync(ctx, TableHubLock)
}
