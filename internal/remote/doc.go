// Package remote holds sync backends that need no storage of their own:
// an in-memory remote for tests and replays, and a JSON-over-HTTP client.
//
// The SQLite backend lives in package journal.
package remote
