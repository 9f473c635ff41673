package syncer

import (
	"slices"
	"time"

	"github.com/roach88/floorstate/internal/value"
)

// queue is the ordered item list. Not safe for concurrent use; the engine
// guards it.
type queue struct {
	items []*Item
}

func (q *queue) push(it *Item) {
	i, _ := slices.BinarySearchFunc(q.items, it, func(a, b *Item) int {
		if a.before(b) {
			return -1
		}
		return 1
	})
	q.items = slices.Insert(q.items, i, it)
}

// take marks up to n eligible items accepted by keep (nil keeps all) as
// syncing and returns them in queue order.
func (q *queue) take(now time.Time, n int, keep func(*Item) bool) []*Item {
	var out []*Item
	for _, it := range q.items {
		if len(out) == n {
			break
		}
		if it.eligible(now) && (keep == nil || keep(it)) {
			it.Status = StatusSyncing
			out = append(out, it)
		}
	}
	return out
}

func (q *queue) remove(done []*Item) {
	q.items = slices.DeleteFunc(q.items, func(it *Item) bool {
		return slices.Contains(done, it)
	})
}

// removeWhere drops matching items and returns how many were removed.
func (q *queue) removeWhere(fn func(*Item) bool) int {
	before := len(q.items)
	q.items = slices.DeleteFunc(q.items, fn)
	return before - len(q.items)
}

func (q *queue) hasEligibleWhere(now time.Time, keep func(*Item) bool) bool {
	return slices.ContainsFunc(q.items, func(it *Item) bool {
		return it.eligible(now) && (keep == nil || keep(it))
	})
}

// nextRetry returns the earliest retry time among pending items that have
// failed before. The result may already be due.
func (q *queue) nextRetry() (time.Time, bool) {
	var at time.Time
	for _, it := range q.items {
		if it.Status != StatusPending || it.Retries == 0 {
			continue
		}
		if at.IsZero() || it.NextRetry.Before(at) {
			at = it.NextRetry
		}
	}
	return at, !at.IsZero()
}

func (q *queue) count(s Status) int {
	n := 0
	for _, it := range q.items {
		if it.Status == s {
			n++
		}
	}
	return n
}

func (q *queue) snapshot() []Item {
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
		out[i].Value = value.Clone(it.Value)
	}
	return out
}
