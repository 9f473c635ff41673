// Package syncer turns user edits in the state store into batched writes
// against a remote.
//
// The engine subscribes to the store and enqueues one Item per user-sourced
// write to a mapped path. Items are kept ordered by priority rank, then
// enqueue time. A trailing-edge debounce collapses bursts of edits into a
// single pass; each pass merges up to BatchSize eligible items into one
// field->value object and calls Remote.Write once.
//
// Failed batches are retried with exponential backoff and jitter. An item
// that reaches MaxRetries is marked failed, a record is written to
// sync.errors.<item id> in the store, and it stays failed until
// RetryFailed is called. Local edits are never rolled back.
//
// Passes never overlap: Flush returns ErrPassInFlight while another pass is
// running.
package syncer
