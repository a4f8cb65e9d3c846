package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a checkpoint has never been written.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint keys written by the room session.
const (
	CheckpointClientID = "client_id"
	// CheckpointOpLog holds the JSON-encoded operation log: document,
	// versions and pending operations.
	CheckpointOpLog = "oplog"
)

// SetCheckpoint upserts a checkpoint value.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO checkpoints (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Checkpoint retrieves a checkpoint value.
func (db *DB) Checkpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM checkpoints WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
