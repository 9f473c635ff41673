package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/floorstate/internal/syncer"
	"github.com/roach88/floorstate/internal/value"
)

// ErrInjected is the failure returned by a Memory remote told to fail.
var ErrInjected = errors.New("remote: injected failure")

// Memory records batches in memory. It can be told to fail the next N
// writes, which is how replays exercise retry paths.
//
// Thread-safety: safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	batches  []syncer.Batch
	fields   map[string]any
	failNext int
	attempts int
}

// NewMemory returns an empty Memory remote.
func NewMemory() *Memory {
	return &Memory{fields: map[string]any{}}
}

// FailNext makes the next n writes fail with ErrInjected.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Write implements syncer.Remote. Failed writes are counted as attempts but
// not recorded.
func (m *Memory) Write(ctx context.Context, b syncer.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failNext > 0 {
		m.failNext--
		return ErrInjected
	}
	b.Fields = value.Clone(b.Fields).(map[string]any)
	b.Items = append([]string(nil), b.Items...)
	m.batches = append(m.batches, b)
	for k, v := range b.Fields {
		m.fields[k] = v
	}
	return nil
}

// Batches returns the accepted batches in order.
func (m *Memory) Batches() []syncer.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]syncer.Batch, len(m.batches))
	for i, b := range m.batches {
		b.Fields = value.Clone(b.Fields).(map[string]any)
		out[i] = b
	}
	return out
}

// Fields returns the latest accepted value of every field.
func (m *Memory) Fields() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return value.Clone(m.fields).(map[string]any)
}

// Attempts returns the number of Write calls, failed ones included.
func (m *Memory) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
