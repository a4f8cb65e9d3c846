package store

import (
	"context"
	"time"

	"github.com/matheus3301/collab/internal/wire"
)

// Append persists one queued message under its sequence number.
func (db *DB) Append(ctx context.Context, msg wire.QueuedMessage) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbound_queue (sequence, type, room_id, message_id, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.Sequence, msg.Envelope.Type, msg.Envelope.RoomID, msg.Envelope.ID,
		[]byte(msg.Envelope.Payload), msg.EnqueuedAt.UnixMilli())
	return err
}

// ListOrdered returns every queued message in sequence order.
func (db *DB) ListOrdered(ctx context.Context) ([]wire.QueuedMessage, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, type, room_id, message_id, payload, enqueued_at
		FROM outbound_queue ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []wire.QueuedMessage
	for rows.Next() {
		var (
			m          wire.QueuedMessage
			payload    []byte
			enqueuedAt int64
		)
		if err := rows.Scan(&m.Sequence, &m.Envelope.Type, &m.Envelope.RoomID, &m.Envelope.ID, &payload, &enqueuedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			m.Envelope.Payload = payload
		}
		m.EnqueuedAt = time.UnixMilli(enqueuedAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Remove deletes the message with the given sequence. Removing an absent
// sequence is not an error.
func (db *DB) Remove(ctx context.Context, sequence int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM outbound_queue WHERE sequence = ?`, sequence)
	return err
}
