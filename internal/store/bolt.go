package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/matheus3301/collab/internal/wire"
)

var (
	queueBucket      = []byte("queue")
	checkpointBucket = []byte("checkpoints")
)

// Bolt is the bbolt-backed alternative to DB. It offers the same queue and
// checkpoint methods. Keys in the queue bucket are big-endian sequence
// numbers, so cursor order is replay order.
type Bolt struct {
	db *bolt.DB
}

type boltRecord struct {
	Envelope   wire.Envelope `json:"envelope"`
	EnqueuedAt int64         `json:"enqueuedAt"`
}

// OpenBolt opens or creates the bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{queueBucket, checkpointBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close releases the file lock.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func seqKey(sequence int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(sequence))
	return k
}

// Append persists one queued message under its sequence number.
func (b *Bolt) Append(ctx context.Context, msg wire.QueuedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(boltRecord{Envelope: msg.Envelope, EnqueuedAt: msg.EnqueuedAt.UnixMilli()})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Put(seqKey(msg.Sequence), val)
	})
}

// ListOrdered returns every queued message in sequence order.
func (b *Bolt) ListOrdered(ctx context.Context) ([]wire.QueuedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msgs []wire.QueuedMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode queue entry: %w", err)
			}
			msgs = append(msgs, wire.QueuedMessage{
				Sequence:   int64(binary.BigEndian.Uint64(k)),
				Envelope:   rec.Envelope,
				EnqueuedAt: time.UnixMilli(rec.EnqueuedAt),
			})
			return nil
		})
	})
	return msgs, err
}

// Remove deletes the message with the given sequence.
func (b *Bolt) Remove(ctx context.Context, sequence int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete(seqKey(sequence))
	})
}

// SetCheckpoint upserts a checkpoint value.
func (b *Bolt) SetCheckpoint(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put([]byte(key), []byte(value))
	})
}

// Checkpoint retrieves a checkpoint value.
func (b *Bolt) Checkpoint(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var value string
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(checkpointBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = string(v)
		return nil
	})
	return value, err
}
