// Package journal is a SQLite-backed sync remote.
//
// It records every batch the sync engine writes and keeps the latest value
// of each remote field, which makes it a drop-in backend for offline use
// and a durable audit trail for the inspect command.
//
// # Tables
//
//   - batches: one row per accepted batch, ordered by seq
//   - batch_items: the queue item IDs folded into each batch
//   - fields: last written value per remote field
//
// Batch IDs are unique, so a batch re-sent after a lost acknowledgement is
// accepted without being applied twice.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Values are stored as JSON TEXT with HTML escaping disabled.
package journal
