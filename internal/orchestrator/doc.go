// Package orchestrator runs test suites against an external workflow subject.
//
// RunSuite owns one suite run end to end: it starts the virtual service,
// runs the setup hook, dispatches tests under a concurrency limit, applies
// retry and bail policy, runs teardown, and stops the virtual service.
//
// Ordering: results are appended in the order tests settle, not the order
// they are declared. With concurrency 1 the two coincide.
//
// Isolation: each concurrent worker slot owns its own virtual service, so a
// test's mocks are only ever visible to that test. Mocks are registered at
// the start of every attempt and cleared on every exit path.
package orchestrator
