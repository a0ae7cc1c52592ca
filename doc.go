// Package tablequeue turns a relational table into a durable message log and a
// multi-consumer work queue.
//
// Typical flow:
//  1. A producer stores messages through sqlstore.Log, optionally deduplicating on message id.
//  2. Consumers poll a sqlstore.Queue with HasAvailable and ClaimNext; claims rely on
//     database row locking only, so any number of processes may share a table.
//  3. After processing, a claim is moved to DONE, ERROR or HOLD with ChangeState.
//
// Relay wires the polling loop together. Vendor differences live in the dialect package.
package tablequeue
