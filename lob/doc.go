// Package lob streams message payloads into and out of large-object columns.
//
// A Writer is bound to one row: it locks the row inside a transaction,
// buffers the encoded payload and writes it back with a single UPDATE on
// Close. Close (or Abort) must run exactly once; WithWriter guarantees it.
package lob
