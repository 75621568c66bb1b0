// Package broadcast fans appended signals out to live subscribers.
//
// Every subscription is scoped to one race key and carries its own bounded
// queue, so a slow competitor device on a bad connection can never stall the
// committee dashboard or block the append path. When a queue fills, the
// subscriber is dropped with ErrSubscriptionOverflow and is expected to
// resubscribe from its last delivered sequence number.
//
// Reconnection uses the same mechanism as first connection: Subscribe with a
// resume cursor replays everything after the cursor from the ledger, then
// hands over to live delivery. The overlap window between the replay read and
// live registration is deduplicated by sequence number, which gives each
// subscription gap-free, in-order, at-least-once delivery.
package broadcast
