package journal

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/floorstate/internal/syncer"
)

// Write records a batch and updates the field table. It implements
// syncer.Remote.
//
// A batch whose ID was already recorded is ignored, so retried deliveries
// are idempotent. The whole batch is applied in one transaction.
func (j *Journal) Write(ctx context.Context, b syncer.Batch) error {
	fieldsJSON, err := marshalValue(b.Fields)
	if err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	now := j.clock.Now().UTC().Format(time.RFC3339Nano)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write batch: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO batches (id, fields, item_count, written_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, b.ID, fieldsJSON, len(b.Items), now)
	if err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		j.logger.Debug("journal: duplicate batch ignored", "batch", b.ID)
		return nil
	}

	for _, item := range b.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batch_items (batch_id, item_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, b.ID, item); err != nil {
			return fmt.Errorf("write batch item %s: %w", item, err)
		}
	}

	names := make([]string, 0, len(b.Fields))
	for name := range b.Fields {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		valueJSON, err := marshalValue(b.Fields[name])
		if err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fields (name, value, batch_id, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				value = excluded.value,
				batch_id = excluded.batch_id,
				updated_at = excluded.updated_at
		`, name, valueJSON, b.ID, now); err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write batch: commit: %w", err)
	}
	return nil
}
