// Package ledger is the append-only, durable store of race signals.
//
// The append operation is the single source of truth: every signal that
// exists, scheduled or manual, entered the system through Append. Race state
// derivation and subscriber fan-out are both downstream of the ledger, which
// keeps exactly one path for "a signal exists".
//
// # Layout
//
// One BoltDB file holds two top-level buckets:
//
//	signals/
//	  <race key>/            nested bucket per partition
//	    <seq, 8B big-endian>  -> JSON-encoded Signal
//	idempotency/
//	  <race key>/
//	    <client key>          -> seq of the signal it produced
//
// Big-endian sequence keys make the bucket cursor yield signals in total
// order, so ListSince is a plain range scan.
//
// # Ordering
//
// Sequence numbers are assigned under a per-race-key lock inside the same
// transaction that persists the signal, so two concurrent appends for one key
// can never share a number, and appends for different keys proceed
// independently. No identifier is visible to the caller before the write
// commits, which is what makes a retry after ErrStoreUnavailable safe.
package ledger
