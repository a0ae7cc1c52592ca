// Package sqlexec runs one logical query through the dialect pipeline and
// executes it on a single connection.
//
// A Plan is compiled once per logical query: translation from the authoring
// dialect, the optional locking rewrite, named parameter rewriting and
// placeholder rebinding. A Context binds a Plan to one connection for a single
// operation, or for one batch window when batching is enabled.
package sqlexec
