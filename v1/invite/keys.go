package invite

import (
	"fmt"
	"time"
)

const (
	lockPrefix   = "user_invite:"
	ledgerPrefix = "joined_users:"
)

// LockKey returns the lock key guarding one identifier.
func LockKey(id string) string {
	return lockPrefix + id
}

// LedgerKey returns the ledger key of a run against resource started at at.
// Two runs against the same resource get distinct ledgers.
func LedgerKey(resource string, at time.Time) string {
	return fmt.Sprintf("%s%s:%d", ledgerPrefix, resource, at.UnixMilli())
}
