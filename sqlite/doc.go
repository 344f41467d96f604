// Package sqlite wraps a single raw connection of the mattn/go-sqlite3
// driver, adding the coordination surface the rest of this project builds
// on: exclusive single-context execution, transaction depth tracking, a
// prepared-statement cache, and a change-notification protocol which
// reports every row mutation to registered transaction observers and
// broadcasts the touched region when a transaction commits.
//
// A Conn is deliberately not safe for concurrent use. Exactly one logical
// execution context may drive a Conn at a time; the pool package enforces
// this structurally by never sharing a Conn across its coordination
// boundary. Observer registration and removal must likewise never run
// concurrently with statement execution on the same Conn.
package sqlite
