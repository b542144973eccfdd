package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fintrack/internal/models"

	"github.com/google/uuid"
)

// Enqueue persists a pending operation built from d and returns its generated id.
func (db *DB) Enqueue(ctx context.Context, d models.Descriptor) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}

	data := d.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode operation data: %w", err)
	}

	id := uuid.NewString()
	query := `INSERT INTO offline_operations (id, kind, table_name, data, record_id, timestamp, retry_count)
              VALUES (?, ?, ?, ?, ?, ?, 0)`
	_, err = db.ExecContext(ctx, query,
		id,
		string(d.Kind),
		string(d.Table),
		string(payload),
		nullString(d.RecordID),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue offline operation: %w", err)
	}

	db.logger.Debug().
		Str("operation_id", id).
		Str("kind", string(d.Kind)).
		Str("table", string(d.Table)).
		Msg("offline operation enqueued")
	return id, nil
}

// ListAll returns every stored operation in storage order.
func (db *DB) ListAll(ctx context.Context) ([]models.PendingOperation, error) {
	query := `SELECT id, kind, table_name, data, record_id, timestamp, retry_count
              FROM offline_operations ORDER BY seq ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list offline operations: %w", err)
	}
	defer rows.Close()

	var ops []models.PendingOperation
	for rows.Next() {
		var (
			op       models.PendingOperation
			kind     string
			table    string
			rawData  string
			recordID sql.NullString
		)
		if err := rows.Scan(&op.ID, &kind, &table, &rawData, &recordID, &op.Timestamp, &op.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan offline operation: %w", err)
		}
		op.Kind = models.OperationKind(kind)
		op.Table = models.Table(table)
		op.RecordID = recordID.String
		if err := json.Unmarshal([]byte(rawData), &op.Data); err != nil {
			// Keep the row visible; replay drops it as undecodable.
			db.logger.Warn().Err(err).Str("operation_id", op.ID).Msg("offline operation has corrupt data")
			op.Data = nil
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate offline operations: %w", err)
	}
	return ops, nil
}

// Remove deletes one operation. Removing an unknown id is not an error.
func (db *DB) Remove(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM offline_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove offline operation %s: %w", id, err)
	}
	return nil
}

// UpdateRetryCount sets the retry counter of one operation. It is a no-op when
// the operation has already been removed.
func (db *DB) UpdateRetryCount(ctx context.Context, id string, count int) error {
	if _, err := db.ExecContext(ctx, `UPDATE offline_operations SET retry_count = ? WHERE id = ?`, count, id); err != nil {
		return fmt.Errorf("failed to update retry count of %s: %w", id, err)
	}
	return nil
}

// Clear removes every operation.
func (db *DB) Clear(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM offline_operations`); err != nil {
		return fmt.Errorf("failed to clear offline operations: %w", err)
	}
	return nil
}

// Count returns the number of stored operations.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count offline operations: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
