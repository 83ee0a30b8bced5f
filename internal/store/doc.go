// Package store provides SQLite-backed durable storage for a sync client's
// subscription bookkeeping.
//
// Two tables:
//   - meta: key/value rows; the subscription manager snapshot is stored
//     as JSON under the "subscriptions" key
//   - subscription_events: append-only lifecycle log of subscription
//     attempts (requested, accepted, delivered, gone, ...)
//
// # Logical Time
//
// Every write carries a seq from the coordinator's logical clock. Queries
// order by seq, never by timestamps, so the log reads the same on every
// machine. Appending an event with a seq that already exists is a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
