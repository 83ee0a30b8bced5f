// Package subscription implements the shape subscription manager: the
// client-side bookkeeping that tracks which shape sets the application asked
// to keep synchronized, which of those the server accepted, which have
// received their initial data, and which were superseded and must be torn
// down.
//
// The manager never performs I/O. A coordinator consults it before sending a
// subscribe request and reports every protocol event back into it:
//
//	req, _ := m.SyncRequested(shapes, "projects")
//	switch r := req.(type) {
//	case *ExistingRequest:
//	    return r.Completion() // same attempt already in flight or done
//	case *NewRequest:
//	    id, err := client.Subscribe(ctx, shapes)
//	    r.SetServerID(id)
//	    if err != nil {
//	        r.SyncFailed(err)
//	    }
//	    return r.Completion()
//	}
//
// Data for an attempt is confirmed in two phases. DataDelivered marks the
// attempt active and returns a callback; the coordinator applies the rows
// and then calls it. If the attempt superseded older ones, the callback
// returns their server ids instead of settling the completion, and the
// completion settles only once GoneBatchDelivered confirmed every one of
// them removed.
//
// Key invariants:
//   - A key has at most one requested and one active attempt
//   - Every full key referenced by an index has a known record
//   - An overshadow chain only shrinks after the record is created
//   - A server id maps to exactly one full key
//   - A completion settles at most once
package subscription
