package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/models"
)

// Load returns the persisted queue snapshot. On first access the default
// empty queue is created, persisted and returned.
func (db *DB) Load(ctx context.Context) (*models.Queue, error) {
	var data string
	err := db.db.QueryRowContext(ctx, `SELECT data FROM queue_snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		queue := models.NewQueue()
		if err := db.Save(ctx, queue); err != nil {
			return nil, fmt.Errorf("failed to persist default queue: %w", err)
		}
		return queue, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue snapshot: %w", err)
	}

	var queue models.Queue
	if err := json.Unmarshal([]byte(data), &queue); err != nil {
		return nil, fmt.Errorf("failed to decode queue snapshot: %w", err)
	}
	return &queue, nil
}

// Save atomically replaces the snapshot. A single UPSERT keeps readers from
// ever observing a partial write.
func (db *DB) Save(ctx context.Context, queue *models.Queue) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to encode queue snapshot: %w", err)
	}

	query := `INSERT INTO queue_snapshot (id, data, updated_at) VALUES (1, ?, ?)
              ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	if _, err := db.db.ExecContext(ctx, query, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save queue snapshot: %w", err)
	}
	return nil
}
