// Package coverage tracks which workflow nodes and connections were
// exercised across test runs.
//
// A Collector holds one graph per workflow identity. Hits flip a node or
// connection to executed on first sight and count every sighting; the
// aggregate totals are always recomputed from those flags, so merging and
// loading never drift from the per-node state.
//
// Reports persist as JSON with every map flattened to [key, value] pairs,
// and can be kept as named snapshots in a SQLite Store.
package coverage
