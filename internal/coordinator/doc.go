// Package coordinator is the glue between a sync client's wire protocol and
// the shape subscription manager.
//
// The wire client and the local row store stay behind the Client and
// Applier interfaces. The coordinator consults the manager before sending
// a subscribe request, reports every outcome back into it, and persists
// the manager's snapshot together with a lifecycle event after each step.
//
// ARCHITECTURE:
//
// Application calls (Subscribe, Unsubscribe, Reset) run on the caller's
// goroutine. Server messages are delivered with Deliver and handled one at
// a time by Run, in arrival order:
//
//  1. SubscriptionData: DataDelivered, apply rows, then the second phase,
//     which may unsubscribe the attempts the new one superseded
//  2. GoneBatch: remove rows, then GoneBatchDelivered
//  3. SubscriptionError: reject the attempt and reset local state
//
// A message for a subscription the manager does not know stops Run with a
// LoopError: the two sides have desynchronized and nothing local can fix
// that. Failures of the Applier are logged and the loop continues.
//
// All events are stamped with a logical seq from Clock, never wall time.
package coordinator
