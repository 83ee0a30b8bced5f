// Package testutil provides deterministic fakes for coordinator and manager
// tests: a scripted wire client, a recording applier, a status recorder and
// a sequential id generator.
//
// All fakes are safe for concurrent use.
package testutil
