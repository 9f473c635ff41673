package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Record is one journaled batch.
type Record struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Items     []string       `json:"items"`
	WrittenAt time.Time      `json:"written_at"`
}

// Batches returns every recorded batch ordered by seq ASC.
// Returns an empty slice (not nil) when the journal is empty.
func (j *Journal) Batches(ctx context.Context) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, id, fields, written_at
		FROM batches
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec        Record
			fieldsJSON string
			writtenAt  string
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &fieldsJSON, &writtenAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		if rec.Fields, err = unmarshalFields(fieldsJSON); err != nil {
			return nil, fmt.Errorf("batch %s: %w", rec.ID, err)
		}
		if rec.WrittenAt, err = time.Parse(time.RFC3339Nano, writtenAt); err != nil {
			return nil, fmt.Errorf("batch %s: parse written_at: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	rows.Close()

	for i := range records {
		items, err := j.batchItems(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Items = items
	}
	return records, nil
}

func (j *Journal) batchItems(ctx context.Context, batchID string) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT item_id FROM batch_items
		WHERE batch_id = ?
		ORDER BY item_id COLLATE BINARY ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch items: %w", err)
	}
	defer rows.Close()

	items := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch item: %w", err)
		}
		items = append(items, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch items: %w", err)
	}
	return items, nil
}

// Field returns the latest value written to a remote field.
func (j *Journal) Field(ctx context.Context, name string) (any, bool, error) {
	var valueJSON string
	err := j.db.QueryRowContext(ctx, `SELECT value FROM fields WHERE name = ?`, name).Scan(&valueJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query field %s: %w", name, err)
	}
	v, err := unmarshalValue(valueJSON)
	if err != nil {
		return nil, false, fmt.Errorf("field %s: %w", name, err)
	}
	return v, true, nil
}

// Fields returns the latest value of every remote field.
func (j *Journal) Fields(ctx context.Context) (map[string]any, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT name, value FROM fields ORDER BY name COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var name, valueJSON string
		if err := rows.Scan(&name, &valueJSON); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		v, err := unmarshalValue(valueJSON)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	return out, nil
}
