// Package state implements the path-addressed State Store.
//
// The store holds one hierarchical document. Every write goes through Set,
// which:
//
//  1. returns early when the new value is structurally equal to the current one
//  2. runs the middleware pipeline in registration order
//  3. appends a deep-copied history entry (bounded ring)
//  4. writes the value, creating intermediate maps; nil deletes the leaf
//  5. notifies subscribers: exact path, then "*", then "<ancestor>.*" from the
//     nearest ancestor to the farthest
//
// Object and slice values replace the whole subtree at their path; there is
// no deep merge. Subscribers are told about the path that was written, never
// about individual descendants inside a replaced subtree.
//
// Middleware and subscribers run in the caller's goroutine with no store
// lock held, so they may read the store or call Set again.
package state
