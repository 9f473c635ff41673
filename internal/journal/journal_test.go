package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/syncer"
)

func createTestJournal(t *testing.T, opts ...Option) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	for i := 0; i < 3; i++ {
		j, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		j.Close()
	}

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	for _, table := range []string{"batches", "batch_items", "fields"} {
		var name string
		err := j.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q", table)
	}
	var version int
	require.NoError(t, j.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_Pragmas(t *testing.T) {
	j := createTestJournal(t)

	assert.NoError(t, j.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, j.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, j.verifyPragma("busy_timeout", "5000"))
}

func TestWrite_RecordsBatchAndFields(t *testing.T) {
	clock := clockz.NewFakeClock()
	j := createTestJournal(t, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, j.Write(ctx, syncer.Batch{
		ID:     "b-1",
		Fields: map[string]any{"operator_id": "A1", "roll_width": 1200},
		Items:  []string{"item-2", "item-1"},
	}))
	clock.Advance(time.Minute)
	require.NoError(t, j.Write(ctx, syncer.Batch{
		ID:     "b-2",
		Fields: map[string]any{"operator_id": "B2"},
		Items:  []string{"item-3"},
	}))

	batches, err := j.Batches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "b-1", batches[0].ID)
	assert.Equal(t, []string{"item-1", "item-2"}, batches[0].Items)
	assert.Equal(t, map[string]any{"operator_id": "A1", "roll_width": 1200.0}, batches[0].Fields)
	assert.Equal(t, time.Minute, batches[1].WrittenAt.Sub(batches[0].WrittenAt))
	assert.Less(t, batches[0].Seq, batches[1].Seq)

	fields, err := j.Fields(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"operator_id": "B2", "roll_width": 1200.0}, fields)

	v, ok, err := j.Field(ctx, "operator_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "B2", v)

	_, ok, err = j.Field(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWrite_DuplicateBatchIgnored(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()
	b := syncer.Batch{ID: "b-1", Fields: map[string]any{"x": 1}, Items: []string{"i-1"}}

	require.NoError(t, j.Write(ctx, b))
	b.Fields = map[string]any{"x": 2}
	require.NoError(t, j.Write(ctx, b))

	batches, err := j.Batches(ctx)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
	v, _, err := j.Field(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestWrite_NestedValuesRoundTrip(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Write(ctx, syncer.Batch{
		ID: "b-1",
		Fields: map[string]any{
			"qc.samples": []any{map[string]any{"thickness": 1.25, "note": "<ok>"}},
		},
	}))

	v, ok, err := j.Field(ctx, "qc.samples")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []any{map[string]any{"thickness": 1.25, "note": "<ok>"}}, v)
}

func TestBatches_Empty(t *testing.T) {
	j := createTestJournal(t)

	batches, err := j.Batches(context.Background())

	require.NoError(t, err)
	assert.NotNil(t, batches)
	assert.Empty(t, batches)
}

func TestJournal_AsSyncRemote(t *testing.T) {
	var _ syncer.Remote = (*Journal)(nil)
}
