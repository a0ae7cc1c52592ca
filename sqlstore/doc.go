// Package sqlstore implements the table-backed queue and message log on top
// of database/sql, the dialect adapters and the sqlexec pipeline.
//
// Queue claims rows with the dialect's locking idiom (SKIP LOCKED, NOWAIT or
// table hints) and moves them through the process states. Log appends
// messages, deduplicates on message id when asked and browses them back.
// Both borrow connections from a tablequeue.Connector per operation.
//
// Schema renders the documented table layout; the library never runs DDL.
package sqlstore
