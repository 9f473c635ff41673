package syncer

import (
	"time"

	"github.com/roach88/floorstate/internal/keypath"
)

// Status is an item's position in its lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// Item is one queued mutation.
type Item struct {
	ID        string       `json:"id"`
	Path      keypath.Path `json:"path"`
	Field     string       `json:"field"`
	Value     any          `json:"value"`
	Priority  string       `json:"priority"`
	Rank      int          `json:"rank"`
	Timestamp time.Time    `json:"timestamp"`
	Retries   int          `json:"retries"`
	NextRetry time.Time    `json:"next_retry,omitzero"`
	Status    Status       `json:"status"`
	LastError string       `json:"last_error,omitempty"`

	seq int64
}

// eligible reports whether the item may join a pass at now.
func (it *Item) eligible(now time.Time) bool {
	return it.Status == StatusPending && !it.NextRetry.After(now)
}

// before orders the queue: lower rank first, then older, then enqueue order.
func (it *Item) before(other *Item) bool {
	if it.Rank != other.Rank {
		return it.Rank < other.Rank
	}
	if !it.Timestamp.Equal(other.Timestamp) {
		return it.Timestamp.Before(other.Timestamp)
	}
	return it.seq < other.seq
}

// FailureRecord describes an item that exhausted its retries. It is stored
// under sync.errors.<ID>.
type FailureRecord struct {
	ID      string       `json:"id"`
	Path    keypath.Path `json:"path"`
	Field   string       `json:"field"`
	Value   any          `json:"value"`
	Retries int          `json:"retries"`
	Error   string       `json:"error"`
	Time    time.Time    `json:"time"`
}

func (r FailureRecord) document() map[string]any {
	return map[string]any{
		"id":      r.ID,
		"path":    string(r.Path),
		"field":   r.Field,
		"value":   r.Value,
		"retries": r.Retries,
		"error":   r.Error,
		"time":    r.Time.UTC().Format(time.RFC3339Nano),
	}
}

// Batch is one outbound write.
type Batch struct {
	ID string `json:"id"`
	// Fields is the merged remote-field -> value object. When several items
	// target one field the latest in queue order wins.
	Fields map[string]any `json:"fields"`
	// Items lists the IDs of the items folded into Fields.
	Items []string `json:"items"`
}
