// Package jsonval holds the JSON-like value model shared by the differencing
// engine, the virtual service and coverage persistence.
//
// Values decoded from YAML suites and from subject output arrive with
// different Go representations (int vs float64, map[any]any vs
// map[string]any). Normalize folds them onto one shape:
//
//	nil, bool, float64, string, []any, map[string]any
//
// MarshalCanonical renders a normalized value as canonical JSON: object keys
// ordered by UTF-16 code units, strings NFC-normalized, no HTML escaping.
// Snapshot tests and the coverage store rely on that byte stability.
package jsonval
