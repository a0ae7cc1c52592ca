// Package dialect isolates vendor SQL differences: row-locking idioms for work
// queue reads, key generation, LOB handling, placeholder styles and translation
// of queries written for one dialect so they run on another.
//
// Adapters are stateless apart from their translator cache and are safe for
// concurrent use.
package dialect
