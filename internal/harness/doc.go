// Package harness runs YAML scenarios against a subscription manager.
//
// A scenario is a list of protocol events (requests, server ids, data
// deliveries, unsubscribes, gone batches, restarts and resets) followed by
// assertions on statuses, completions and pending work. Every scenario runs
// against a fresh manager and a fresh in-memory store, so results are
// deterministic.
//
// The trace of executed steps and status notifications can be compared
// with a golden file (see RunWithGolden). Golden files live in
// testdata/golden and are canonical JSON.
package harness
