package database

import (
	"context"
	"fmt"
	"time"

	"fintrack/internal/models"
)

// journalRetention bounds how long a journal entry waits for readers.
const journalRetention = time.Hour

// AppendEvent records an event in the journal and prunes expired entries.
func (db *DB) AppendEvent(ctx context.Context, eventType string, data []byte) (int64, error) {
	now := time.Now()
	res, err := db.ExecContext(ctx,
		`INSERT INTO event_journal (type, payload, created_at) VALUES (?, ?, ?)`,
		eventType, string(data), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to append event %s: %w", eventType, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to append event %s: %w", eventType, err)
	}

	cutoff := now.Add(-journalRetention).UnixMilli()
	if _, err := db.ExecContext(ctx, `DELETE FROM event_journal WHERE created_at < ?`, cutoff); err != nil {
		db.logger.Warn().Err(err).Msg("failed to prune event journal")
	}
	return seq, nil
}

// EventsAfter returns the journal entries newer than seq, oldest first.
func (db *DB) EventsAfter(ctx context.Context, seq int64) ([]models.JournalEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT seq, type, payload, created_at FROM event_journal WHERE seq > ? ORDER BY seq ASC`, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to read event journal: %w", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		var (
			e         models.JournalEntry
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&e.Seq, &e.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event journal: %w", err)
		}
		e.Data = []byte(payload)
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event journal: %w", err)
	}
	return entries, nil
}

// LastEventSeq returns the newest journal sequence, or 0 for an empty journal.
func (db *DB) LastEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM event_journal`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read event journal: %w", err)
	}
	return seq, nil
}
