// Package virtualsvc implements the virtual service: an HTTP listener that
// answers a subject's outbound calls from a table of registered endpoints
// and records every request it receives.
//
// Endpoints are keyed by "METHOD:PATH" and matched exactly; registering the
// same key twice keeps the last registration. The table is meant to hold one
// test's mocks at a time: the orchestrator registers a test's rules, runs the
// test, then calls ClearMocks on every exit path.
//
// Fixed paths outside the table:
//
//	GET  /health              always answers {status, port}
//	POST /_trigger/email      fires the "email" trigger handler
//	POST /_trigger/filesystem fires the "filesystem" trigger handler
//	POST /_trigger/schedule   fires the "schedule" trigger handler
//	POST /_trigger/clear      drops trigger and webhook handlers
//	POST /_register/webhook   installs an acknowledging webhook handler
//	ANY  /webhook/*           webhook handler, else the endpoint table
//
// A Server is safe for concurrent use. Request handling and registration
// share one RWMutex; response delays are served outside the lock.
package virtualsvc
