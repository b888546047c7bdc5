package store

import (
	"context"
	"database/sql"
	"fmt"
)

// exportLog accumulates export-data changes in the pendingExports table.
// Because the table lives in the same transaction as the data it
// describes, savepoint rollbacks and aborts discard the matching changes.
type exportLog struct {
	t *txn
}

// note records that key now has value (nil for a deletion).
func (l *exportLog) note(ctx context.Context, key string, value *string) error {
	q, err := l.t.ensure(ctx)
	if err != nil {
		return err
	}
	var v sql.NullString
	if value != nil {
		v = sql.NullString{String: *value, Valid: true}
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO pendingExports (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, v)
	if err != nil {
		return fmt.Errorf("note export %s: %w", key, err)
	}
	return nil
}

// noteSet and noteDelete are shorthands for note.
func (l *exportLog) noteSet(ctx context.Context, key, value string) error {
	return l.note(ctx, key, &value)
}

func (l *exportLog) noteDelete(ctx context.Context, key string) error {
	return l.note(ctx, key, nil)
}

// flush hands the pending changes, in key order, to callback and clears
// them. It returns the number of changes. With no open transaction there
// is nothing to flush.
func (l *exportLog) flush(ctx context.Context, callback func(context.Context, []ExportRecord) error) (int, error) {
	if !l.t.active() {
		return 0, nil
	}
	q := l.t.q()

	rows, err := q.QueryContext(ctx, `SELECT key, value FROM pendingExports ORDER BY key`)
	if err != nil {
		return 0, fmt.Errorf("query pending exports: %w", err)
	}
	var changes []ExportRecord
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan pending export: %w", err)
		}
		rec := ExportRecord{Key: key}
		if value.Valid {
			rec.Value = StringPtr(value.String)
		}
		changes = append(changes, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate pending exports: %w", err)
	}
	rows.Close()

	if len(changes) == 0 {
		return 0, nil
	}
	if callback != nil {
		if err := callback(ctx, changes); err != nil {
			return 0, fmt.Errorf("export callback: %w", err)
		}
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM pendingExports`); err != nil {
		return 0, fmt.Errorf("clear pending exports: %w", err)
	}
	return len(changes), nil
}
