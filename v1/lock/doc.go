// Package lock provides a TTL-bounded distributed mutex on top of a
// store.Store. A lock is a key set with SETNX to a random token; release is a
// compare-and-delete on that token, so a holder whose TTL ran out can never
// delete a lock that somebody else acquired afterwards. Holders that crash
// are recovered only by TTL expiry.
//
// Two acquisition modes exist: skip-if-locked performs a single attempt and
// reports whether it won, blocking mode retries until the lock is obtained,
// the context ends or the locker's acquire timeout elapses. Blocking waiters
// are woken early by release events on an optional syncbus.Bus.
package lock
